// Package services orchestrates the trade engine against durable storage.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-tracker/engine"
	"crypto-tracker/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	// StartingBalance is granted to every lazily created portfolio.
	StartingBalance = 10000

	// TradeHistoryLimit caps the trades returned on a portfolio read.
	TradeHistoryLimit = 10

	// Concurrent trades on one portfolio are serialized by an optimistic
	// version check; a loser re-reads and retries this many times.
	tradeRetries = 3
)

var (
	ErrPortfolioNotFound = errors.New("portfolio not found")
	ErrTradeConflict     = errors.New("concurrent trade conflict")
	ErrStorageFailure    = errors.New("storage failure")
)

type PortfolioService struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewPortfolioService(db *gorm.DB, log zerolog.Logger) *PortfolioService {
	return &PortfolioService{db: db, log: log}
}

// GetOrCreatePortfolio returns the user's portfolio with holdings and the
// most recent trades, creating it with the starting balance on first access.
// Creation is idempotent per user: the unique index on user_id rejects the
// duplicate if two first requests race, and the loser re-reads.
func (s *PortfolioService) GetOrCreatePortfolio(ctx context.Context, userID uint) (*models.Portfolio, error) {
	p, err := s.loadPortfolio(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPortfolioNotFound) {
		return nil, err
	}

	start := decimal.NewFromInt(StartingBalance)
	fresh := models.Portfolio{
		UserID:      userID,
		CashBalance: start,
		TotalValue:  start,
		Holdings:    []models.Holding{},
		Trades:      []models.Trade{},
	}
	if err := s.db.WithContext(ctx).Create(&fresh).Error; err != nil {
		// Lost a creation race; the winner's row is there to read.
		if p, readErr := s.loadPortfolio(ctx, userID); readErr == nil {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	s.log.Info().Uint("user_id", userID).Msg("created portfolio")
	return &fresh, nil
}

func (s *PortfolioService) loadPortfolio(ctx context.Context, userID uint) (*models.Portfolio, error) {
	var p models.Portfolio
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Preload("Holdings").
		Preload("Trades", func(db *gorm.DB) *gorm.DB {
			// id breaks ties between trades sharing a timestamp.
			return db.Order("timestamp DESC, id DESC").Limit(TradeHistoryLimit)
		}).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	// Empty associations render as [] rather than null.
	if p.Holdings == nil {
		p.Holdings = []models.Holding{}
	}
	if p.Trades == nil {
		p.Trades = []models.Trade{}
	}
	return &p, nil
}

// ExecuteTrade runs one buy/sell request through the engine and persists the
// cash balance, holding change, trade record and recomputed total value as a
// single transaction. Engine rejections and storage errors abort with no
// writes. A version conflict with a concurrent trade is retried against a
// fresh read.
func (s *PortfolioService) ExecuteTrade(ctx context.Context, userID uint, req engine.Request) (*models.Trade, error) {
	for attempt := 1; ; attempt++ {
		trade, err := s.executeTradeOnce(ctx, userID, req)
		if err == nil {
			s.log.Info().
				Uint("user_id", userID).
				Str("action", req.Action).
				Str("symbol", req.Symbol).
				Str("amount", req.Amount.String()).
				Str("price", req.Price.String()).
				Msg("trade executed")
			return trade, nil
		}
		if !errors.Is(err, ErrTradeConflict) || attempt >= tradeRetries {
			return nil, err
		}
		s.log.Warn().Uint("user_id", userID).Int("attempt", attempt).Msg("trade conflict, retrying")
	}
}

func (s *PortfolioService) executeTradeOnce(ctx context.Context, userID uint, req engine.Request) (*models.Trade, error) {
	var trade models.Trade

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Portfolio
		if err := tx.Where("user_id = ?", userID).Preload("Holdings").First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPortfolioNotFound
			}
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}

		res, err := engine.Evaluate(snapshotOf(&p), req, time.Now().UTC())
		if err != nil {
			return err
		}

		switch {
		case res.Removed:
			if err := tx.Unscoped().
				Where("portfolio_id = ? AND symbol = ?", p.ID, req.Symbol).
				Delete(&models.Holding{}).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrStorageFailure, err)
			}
		case res.Opened:
			h := models.Holding{
				PortfolioID:  p.ID,
				Symbol:       res.Holding.Symbol,
				Amount:       res.Holding.Amount,
				AveragePrice: res.Holding.AveragePrice,
			}
			if err := tx.Create(&h).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrStorageFailure, err)
			}
		default:
			updates := map[string]interface{}{
				"amount":        res.Holding.Amount,
				"average_price": res.Holding.AveragePrice,
			}
			if err := tx.Model(&models.Holding{}).
				Where("portfolio_id = ? AND symbol = ?", p.ID, req.Symbol).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrStorageFailure, err)
			}
		}

		trade = models.Trade{
			PortfolioID: p.ID,
			Symbol:      res.Trade.Symbol,
			Type:        res.Trade.Type,
			Amount:      res.Trade.Amount,
			Price:       res.Trade.Price,
			TotalValue:  res.Trade.TotalValue,
			Timestamp:   res.Trade.Timestamp,
		}
		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}

		// Revalue from the post-trade holdings at cost basis.
		var holdings []models.Holding
		if err := tx.Where("portfolio_id = ?", p.ID).Find(&holdings).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		total := Valuation(res.NewCashBalance, holdings)

		guarded := tx.Model(&models.Portfolio{}).
			Where("id = ? AND version = ?", p.ID, p.Version).
			Updates(map[string]interface{}{
				"cash_balance": res.NewCashBalance,
				"total_value":  total,
				"version":      p.Version + 1,
			})
		if guarded.Error != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, guarded.Error)
		}
		if guarded.RowsAffected == 0 {
			// Another trade committed since our read; roll everything back.
			return ErrTradeConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func snapshotOf(p *models.Portfolio) engine.Snapshot {
	snap := engine.Snapshot{CashBalance: p.CashBalance}
	for _, h := range p.Holdings {
		snap.Holdings = append(snap.Holdings, engine.Position{
			Symbol:       h.Symbol,
			Amount:       h.Amount,
			AveragePrice: h.AveragePrice,
		})
	}
	return snap
}

// Valuation is cash plus the cost basis of every holding. This is the stored
// total value: holdings are valued at average price, not market price.
func Valuation(cash decimal.Decimal, holdings []models.Holding) decimal.Decimal {
	total := cash
	for _, h := range holdings {
		total = total.Add(h.Amount.Mul(h.AveragePrice))
	}
	return total
}

// MarketValue is the mark-to-market variant of Valuation: holdings are valued
// at the supplied live prices, falling back to cost basis for any symbol the
// price map is missing. Never persisted.
func MarketValue(cash decimal.Decimal, holdings []models.Holding, prices map[string]decimal.Decimal) decimal.Decimal {
	total := cash
	for _, h := range holdings {
		price, ok := prices[h.Symbol]
		if !ok {
			price = h.AveragePrice
		}
		total = total.Add(h.Amount.Mul(price))
	}
	return total
}
