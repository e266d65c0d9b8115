package handlers

import (
	"errors"
	"net/http"

	"crypto-tracker/engine"
	"crypto-tracker/prices"
	"crypto-tracker/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// priceTolerance is the allowed deviation of the client-quoted price from the
// live price. Anything wider is treated as stale or manipulated.
var priceTolerance = decimal.NewFromFloat(0.05)

type TradeInput struct {
	Action string          `json:"action" binding:"required,oneof=buy sell"`
	Symbol string          `json:"symbol" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
	Price  decimal.Decimal `json:"price" binding:"required"`
}

// GetPortfolio returns the caller's portfolio, creating it on first access.
// market_value is computed from live prices when the price source is up and
// omitted when it is not; total_value always reflects cost basis.
func GetPortfolio(svc *services.PortfolioService, priceSvc *prices.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.MustGet("user_id").(uint)

		p, err := svc.GetOrCreatePortfolio(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch portfolio"})
			return
		}

		resp := gin.H{
			"cash_balance": p.CashBalance,
			"total_value":  p.TotalValue,
			"holdings":     p.Holdings,
			"trades":       p.Trades,
		}

		if quotes, err := priceSvc.Quotes(c.Request.Context()); err == nil {
			live := make(map[string]decimal.Decimal, len(quotes))
			for symbol, q := range quotes {
				live[symbol] = q.PriceUSD
			}
			resp["market_value"] = services.MarketValue(p.CashBalance, p.Holdings, live)
		} else {
			log.Warn().Err(err).Msg("skipping market value, price source down")
		}

		c.JSON(http.StatusOK, resp)
	}
}

// ExecuteTrade validates the quoted price against the live market and runs
// the trade through the portfolio service.
func ExecuteTrade(svc *services.PortfolioService, priceSvc *prices.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.MustGet("user_id").(uint)

		var input TradeInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if !prices.IsSupported(input.Symbol) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported symbol"})
			return
		}

		quote, err := priceSvc.Quote(c.Request.Context(), input.Symbol)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Price unavailable"})
			return
		}

		deviation := input.Price.Sub(quote.PriceUSD).Abs()
		if deviation.GreaterThan(quote.PriceUSD.Mul(priceTolerance)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Quoted price deviates from market"})
			return
		}

		trade, err := svc.ExecuteTrade(c.Request.Context(), userID, engine.Request{
			Action: input.Action,
			Symbol: input.Symbol,
			Amount: input.Amount,
			Price:  input.Price,
		})
		if err != nil {
			status, msg := tradeError(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"message": "Trade executed successfully", "trade": trade})
	}
}

func tradeError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid trade request"
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusBadRequest, "Insufficient cash balance"
	case errors.Is(err, engine.ErrInsufficientHoldings):
		return http.StatusBadRequest, "Insufficient crypto balance"
	case errors.Is(err, engine.ErrHoldingNotFound):
		return http.StatusNotFound, "No holding for this symbol"
	case errors.Is(err, services.ErrPortfolioNotFound):
		return http.StatusNotFound, "Portfolio not found"
	case errors.Is(err, services.ErrTradeConflict):
		return http.StatusConflict, "Portfolio was modified concurrently, please retry"
	default:
		return http.StatusInternalServerError, "Failed to execute trade"
	}
}
