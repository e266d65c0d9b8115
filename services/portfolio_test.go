package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"crypto-tracker/database"
	"crypto-tracker/engine"
	"crypto-tracker/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestService(t *testing.T) *PortfolioService {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return NewPortfolioService(db, zerolog.Nop())
}

func buy(symbol, amount, price string) engine.Request {
	return engine.Request{Action: engine.ActionBuy, Symbol: symbol, Amount: d(amount), Price: d(price)}
}

func sell(symbol, amount, price string) engine.Request {
	return engine.Request{Action: engine.ActionSell, Symbol: symbol, Amount: d(amount), Price: d(price)}
}

func TestGetOrCreatePortfolio(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(d("10000")))
	assert.True(t, p.TotalValue.Equal(d("10000")))
	assert.Empty(t, p.Holdings)
	assert.Empty(t, p.Trades)

	again, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID, "second access must not create a new portfolio")

	// Both the create and the read path must hand out empty slices, not nil,
	// so the JSON surface renders [] instead of null.
	assert.NotNil(t, p.Holdings)
	assert.NotNil(t, p.Trades)
	assert.NotNil(t, again.Holdings)
	assert.NotNil(t, again.Trades)
}

func TestGetOrCreatePortfolioLosesCreationRace(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Second handle into the same shared-cache database, standing in for a
	// concurrent request that wins the creation race.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	winner, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	armed := true
	err = svc.db.Callback().Create().Before("gorm:create").Register("test_creation_race", func(tx *gorm.DB) {
		if !armed {
			return
		}
		if _, ok := tx.Statement.Dest.(*models.Portfolio); !ok {
			return
		}
		armed = false
		require.NoError(t, winner.Create(&models.Portfolio{
			UserID:      7,
			CashBalance: d("10000"),
			TotalValue:  d("10000"),
		}).Error)
	})
	require.NoError(t, err)

	// The unique index rejects our insert; the loser must return the
	// winner's row instead of an error.
	p, err := svc.GetOrCreatePortfolio(ctx, 7)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(d("10000")))
	assert.NotNil(t, p.Holdings)
	assert.NotNil(t, p.Trades)

	var count int64
	require.NoError(t, svc.db.Model(&models.Portfolio{}).Where("user_id = ?", 7).Count(&count).Error)
	assert.EqualValues(t, 1, count, "exactly one portfolio per user")
}

func TestExecuteTradeRequiresPortfolio(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ExecuteTrade(context.Background(), 42, buy("BTC", "0.1", "50000"))
	assert.ErrorIs(t, err, ErrPortfolioNotFound)
}

// bumpVersionOnRead registers a callback that increments the portfolio row's
// version inside the trade transaction right after it is read, standing in
// for a concurrent trade committing between the read and the guarded write.
func bumpVersionOnRead(t *testing.T, svc *PortfolioService, userID uint, active func() bool, bumps *int) {
	t.Helper()
	err := svc.db.Callback().Query().After("gorm:query").Register("test_version_bump", func(tx *gorm.DB) {
		if !active() {
			return
		}
		if _, ok := tx.Statement.Dest.(*models.Portfolio); !ok {
			return
		}
		*bumps++
		_, execErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE portfolios SET version = version + 1 WHERE user_id = ?", userID)
		require.NoError(t, execErr)
	})
	require.NoError(t, err)
}

func TestExecuteTradeConflictAfterRetries(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "50000"))
	require.NoError(t, err)

	armed := false
	bumps := 0
	bumpVersionOnRead(t, svc, 1, func() bool { return armed }, &bumps)

	armed = true
	_, err = svc.ExecuteTrade(ctx, 1, buy("ETH", "1", "2000"))
	armed = false

	assert.ErrorIs(t, err, ErrTradeConflict)
	assert.Equal(t, tradeRetries, bumps, "every attempt must re-read and hit the guard")

	// The losing trade must leave nothing behind: no trade row, no holding,
	// no cash movement, and the rolled-back version bumps are gone too.
	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(d("5000")), "cash balance %s", p.CashBalance)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, "BTC", p.Holdings[0].Symbol)
	assert.Len(t, p.Trades, 1)
}

func TestExecuteTradeRetriesAfterConflict(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)

	// Conflict on the first attempt only; the retry must succeed.
	armed := false
	bumps := 0
	bumpVersionOnRead(t, svc, 1, func() bool { return armed && bumps == 0 }, &bumps)

	armed = true
	_, err = svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "50000"))
	armed = false

	require.NoError(t, err)
	assert.Equal(t, 1, bumps)

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(d("5000")), "cash balance %s", p.CashBalance)
	require.Len(t, p.Holdings, 1)
	assert.True(t, p.Holdings[0].Amount.Equal(d("0.1")))
	assert.Len(t, p.Trades, 1, "the retried trade must apply exactly once")
}

func TestExecuteTradeBuy(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)

	trade, err := svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "50000"))
	require.NoError(t, err)
	assert.Equal(t, "buy", trade.Type)
	assert.True(t, trade.TotalValue.Equal(d("5000")))

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(d("5000")), "cash balance %s", p.CashBalance)
	assert.True(t, p.TotalValue.Equal(d("10000")), "total value %s", p.TotalValue)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, "BTC", p.Holdings[0].Symbol)
	assert.True(t, p.Holdings[0].Amount.Equal(d("0.1")))
	assert.True(t, p.Holdings[0].AveragePrice.Equal(d("50000")))
	require.Len(t, p.Trades, 1)
}

func TestRejectedTradeLeavesStateUnchanged(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "50000"))
	require.NoError(t, err)

	// Only 5000 cash left; this costs 6000.
	_, err = svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "60000"))
	assert.ErrorIs(t, err, engine.ErrInsufficientFunds)

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(d("5000")))
	assert.True(t, p.TotalValue.Equal(d("10000")))
	require.Len(t, p.Holdings, 1)
	assert.True(t, p.Holdings[0].Amount.Equal(d("0.1")))
	assert.Len(t, p.Trades, 1, "rejected trade must not be recorded")
}

func TestSellRejections(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "50000"))
	require.NoError(t, err)

	_, err = svc.ExecuteTrade(ctx, 1, sell("ETH", "1", "2500"))
	assert.ErrorIs(t, err, engine.ErrHoldingNotFound)

	_, err = svc.ExecuteTrade(ctx, 1, sell("BTC", "0.2", "50000"))
	assert.ErrorIs(t, err, engine.ErrInsufficientHoldings)
}

func TestSellFullLiquidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "50000"))
	require.NoError(t, err)

	_, err = svc.ExecuteTrade(ctx, 1, sell("BTC", "0.1", "55000"))
	require.NoError(t, err)

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(d("10500")), "cash balance %s", p.CashBalance)
	assert.True(t, p.TotalValue.Equal(d("10500")))
	assert.Empty(t, p.Holdings, "liquidated holding must be deleted")
	assert.Len(t, p.Trades, 2)
}

func TestRebuyAfterLiquidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, buy("SOL", "10", "150"))
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, sell("SOL", "10", "160"))
	require.NoError(t, err)

	// The unique (portfolio, symbol) index must not block reopening.
	_, err = svc.ExecuteTrade(ctx, 1, buy("SOL", "5", "155"))
	require.NoError(t, err)

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.True(t, p.Holdings[0].Amount.Equal(d("5")))
	assert.True(t, p.Holdings[0].AveragePrice.Equal(d("155")))
}

func TestWeightedAveragePersisted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, buy("ETH", "2", "2000"))
	require.NoError(t, err)
	_, err = svc.ExecuteTrade(ctx, 1, buy("ETH", "1", "3500"))
	require.NoError(t, err)

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.True(t, p.Holdings[0].Amount.Equal(d("3")))
	assert.True(t, p.Holdings[0].AveragePrice.Equal(d("2500")), "average %s", p.Holdings[0].AveragePrice)
}

func TestValuationInvariantOverSequence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)

	seq := []engine.Request{
		buy("BTC", "0.05", "48000.25"),
		buy("ETH", "1.5", "1975.10"),
		buy("BTC", "0.025", "51000.75"),
		sell("ETH", "0.5", "2100.99"),
		buy("SOL", "12", "142.42"),
		sell("BTC", "0.075", "49500"),
		buy("XMR", "3.333", "161.07"),
	}

	for i, req := range seq {
		_, err := svc.ExecuteTrade(ctx, 1, req)
		require.NoError(t, err, "trade %d", i)

		p, err := svc.GetOrCreatePortfolio(ctx, 1)
		require.NoError(t, err)
		want := Valuation(p.CashBalance, p.Holdings)
		assert.True(t, p.TotalValue.Equal(want),
			"after trade %d: total %s, want %s", i, p.TotalValue, want)
	}
}

func TestTradeHistoryLimitAndOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)

	for i := 0; i < TradeHistoryLimit+2; i++ {
		_, err := svc.ExecuteTrade(ctx, 1, buy("USDT", "1", "1"))
		require.NoError(t, err)
	}

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	require.Len(t, p.Trades, TradeHistoryLimit)
	for i := 1; i < len(p.Trades); i++ {
		assert.False(t, p.Trades[i].Timestamp.After(p.Trades[i-1].Timestamp),
			"trades must be ordered newest first")
	}
}

func TestTradeHistoryTiebreakOnEqualTimestamps(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)

	// Rapid trades can land on the same clock reading; insertion order must
	// still decide recency.
	ts := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		tr := models.Trade{
			PortfolioID: p.ID,
			Symbol:      "USDT",
			Type:        "buy",
			Amount:      d("1"),
			Price:       d("1"),
			TotalValue:  d("1"),
			Timestamp:   ts,
		}
		require.NoError(t, svc.db.Create(&tr).Error)
	}

	got, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got.Trades, 3)
	for i := 1; i < len(got.Trades); i++ {
		assert.Greater(t, got.Trades[i-1].ID, got.Trades[i].ID,
			"equal timestamps must order by id, newest insert first")
	}
}

func TestPortfoliosAreIsolatedPerUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreatePortfolio(ctx, 1)
	require.NoError(t, err)
	_, err = svc.GetOrCreatePortfolio(ctx, 2)
	require.NoError(t, err)

	_, err = svc.ExecuteTrade(ctx, 1, buy("BTC", "0.1", "50000"))
	require.NoError(t, err)

	other, err := svc.GetOrCreatePortfolio(ctx, 2)
	require.NoError(t, err)
	assert.True(t, other.CashBalance.Equal(d("10000")))
	assert.Empty(t, other.Holdings)
	assert.Empty(t, other.Trades)
}

func TestMarketValue(t *testing.T) {
	holdings := []models.Holding{
		{Symbol: "BTC", Amount: d("0.1"), AveragePrice: d("50000")},
		{Symbol: "ETH", Amount: d("2"), AveragePrice: d("2000")},
	}
	live := map[string]decimal.Decimal{"BTC": d("60000")}

	// BTC at live 60000, ETH falls back to cost basis.
	got := MarketValue(d("1000"), holdings, live)
	assert.True(t, got.Equal(d("11000")), "market value %s", got)
}
