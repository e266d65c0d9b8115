package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Portfolio is a user's simulated trading account. CashBalance never goes
// negative; TotalValue is a cached derived value recomputed after every trade
// from cash plus cost basis of all holdings. Version backs the optimistic
// concurrency check in the trade path.
type Portfolio struct {
	gorm.Model
	UserID      uint            `gorm:"uniqueIndex" json:"user_id"`
	CashBalance decimal.Decimal `gorm:"type:numeric(32,12)" json:"cash_balance"`
	TotalValue  decimal.Decimal `gorm:"type:numeric(32,12)" json:"total_value"`
	Version     uint            `json:"-"`
	Holdings    []Holding       `json:"holdings"`
	Trades      []Trade         `json:"trades"`
}

// Holding is an open position in one asset. At most one row per
// (portfolio, symbol); a fully sold position is deleted, never kept at zero.
type Holding struct {
	gorm.Model
	PortfolioID  uint            `gorm:"index:idx_portfolio_symbol,unique" json:"-"`
	Symbol       string          `gorm:"index:idx_portfolio_symbol,unique" json:"symbol"`
	Amount       decimal.Decimal `gorm:"type:numeric(32,12)" json:"amount"`
	AveragePrice decimal.Decimal `gorm:"type:numeric(32,12)" json:"average_price"`
}

// Trade is an immutable record of an executed buy or sell.
type Trade struct {
	gorm.Model
	PortfolioID uint            `gorm:"index" json:"-"`
	Symbol      string          `json:"symbol"`
	Type        string          `json:"type"` // buy/sell
	Amount      decimal.Decimal `gorm:"type:numeric(32,12)" json:"amount"`
	Price       decimal.Decimal `gorm:"type:numeric(32,12)" json:"price"`
	TotalValue  decimal.Decimal `gorm:"type:numeric(32,12)" json:"total_value"`
	Timestamp   time.Time       `gorm:"index;default:CURRENT_TIMESTAMP" json:"timestamp"`
}

// PriceSnapshot records one observed market price, written on every
// successful upstream fetch.
type PriceSnapshot struct {
	gorm.Model
	Symbol    string          `gorm:"index" json:"symbol"`
	PriceUSD  decimal.Decimal `gorm:"type:numeric(32,12)" json:"price_usd"`
	Change24h decimal.Decimal `gorm:"type:numeric(16,8)" json:"change_24h"`
	Timestamp time.Time       `json:"timestamp"`
}
