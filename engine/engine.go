// Package engine holds the pure trade evaluation logic: given a portfolio
// snapshot and a trade request it computes the resulting cash balance and
// holding change, or rejects the trade with a typed error. It performs no I/O;
// persisting the outcome is the caller's job.
package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

var (
	ErrInvalidRequest       = errors.New("invalid trade request")
	ErrInsufficientFunds    = errors.New("insufficient cash balance")
	ErrHoldingNotFound      = errors.New("no holding for symbol")
	ErrInsufficientHoldings = errors.New("insufficient crypto balance")
)

// Position is the engine's view of one holding.
type Position struct {
	Symbol       string
	Amount       decimal.Decimal
	AveragePrice decimal.Decimal
}

// Snapshot is the portfolio state a trade is evaluated against.
type Snapshot struct {
	CashBalance decimal.Decimal
	Holdings    []Position
}

// Request is one buy or sell order at an execution price the caller has
// already resolved.
type Request struct {
	Action string
	Symbol string
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// TradeRecord is the candidate trade-log entry for an accepted request.
type TradeRecord struct {
	Symbol     string
	Type       string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	TotalValue decimal.Decimal
	Timestamp  time.Time
}

// Result describes the state transition for an accepted trade.
// Exactly one of the holding outcomes applies: Removed means the position was
// fully liquidated and its row must be deleted; Opened means the buy created
// the position; otherwise Holding carries the updated amount and cost basis.
type Result struct {
	NewCashBalance decimal.Decimal
	Holding        Position
	Opened         bool
	Removed        bool
	Trade          TradeRecord
}

// Evaluate validates req against snap and computes the resulting deltas.
// now becomes the trade record timestamp.
func Evaluate(snap Snapshot, req Request, now time.Time) (Result, error) {
	if req.Symbol == "" || !req.Amount.IsPositive() || !req.Price.IsPositive() {
		return Result{}, ErrInvalidRequest
	}
	if req.Action != ActionBuy && req.Action != ActionSell {
		return Result{}, ErrInvalidRequest
	}

	total := req.Amount.Mul(req.Price)
	res := Result{
		Trade: TradeRecord{
			Symbol:     req.Symbol,
			Type:       req.Action,
			Amount:     req.Amount,
			Price:      req.Price,
			TotalValue: total,
			Timestamp:  now,
		},
	}

	switch req.Action {
	case ActionBuy:
		if total.GreaterThan(snap.CashBalance) {
			return Result{}, ErrInsufficientFunds
		}
		res.NewCashBalance = snap.CashBalance.Sub(total)

		if held, ok := findPosition(snap.Holdings, req.Symbol); ok {
			// Weighted-average cost basis over the combined position.
			newAmount := held.Amount.Add(req.Amount)
			newAverage := held.Amount.Mul(held.AveragePrice).Add(total).Div(newAmount)
			res.Holding = Position{Symbol: req.Symbol, Amount: newAmount, AveragePrice: newAverage}
		} else {
			res.Opened = true
			res.Holding = Position{Symbol: req.Symbol, Amount: req.Amount, AveragePrice: req.Price}
		}

	case ActionSell:
		held, ok := findPosition(snap.Holdings, req.Symbol)
		if !ok {
			return Result{}, ErrHoldingNotFound
		}
		if req.Amount.GreaterThan(held.Amount) {
			return Result{}, ErrInsufficientHoldings
		}
		res.NewCashBalance = snap.CashBalance.Add(total)

		if req.Amount.Equal(held.Amount) {
			res.Removed = true
		} else {
			// Cost basis of the remaining shares is unchanged on a sell.
			res.Holding = Position{
				Symbol:       req.Symbol,
				Amount:       held.Amount.Sub(req.Amount),
				AveragePrice: held.AveragePrice,
			}
		}
	}

	return res, nil
}

func findPosition(holdings []Position, symbol string) (Position, bool) {
	for _, h := range holdings {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return Position{}, false
}
