// Package prices fetches current USD prices from CoinGecko and caches them
// process-wide with a short TTL to stay inside the free-tier rate limit.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"crypto-tracker/database"
	"crypto-tracker/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"

	cacheKey = "crypto:prices"

	// CacheTTL bounds price staleness; stale reads inside the window are fine.
	CacheTTL = 60 * time.Second
)

var ErrPriceUnavailable = errors.New("price unavailable")

// supported maps CoinGecko asset ids to ticker symbols. Trades are restricted
// to these assets.
var supported = map[string]string{
	"bitcoin":  "BTC",
	"ethereum": "ETH",
	"tether":   "USDT",
	"usd-coin": "USDC",
	"monero":   "XMR",
	"solana":   "SOL",
}

// Quote is the current market state of one asset.
type Quote struct {
	PriceUSD  decimal.Decimal `json:"usd"`
	Change24h decimal.Decimal `json:"usd_24h_change"`
}

// IsSupported reports whether symbol is a tradable asset.
func IsSupported(symbol string) bool {
	for _, s := range supported {
		if s == symbol {
			return true
		}
	}
	return false
}

// Symbols returns the tradable ticker symbols, sorted.
func Symbols() []string {
	out := make([]string, 0, len(supported))
	for _, s := range supported {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type Service struct {
	HTTP    *http.Client
	BaseURL string
	Cache   Cache
	DB      *gorm.DB // optional, for price snapshot rows
	log     zerolog.Logger
}

func NewService(cache Cache, db *gorm.DB, log zerolog.Logger) *Service {
	return &Service{
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		BaseURL: defaultBaseURL,
		Cache:   cache,
		DB:      db,
		log:     log,
	}
}

// Quotes returns current quotes for all supported assets, keyed by ticker
// symbol, serving from cache while it is fresh. An upstream failure is
// returned as an error, never as zero prices.
func (s *Service) Quotes(ctx context.Context) (map[string]Quote, error) {
	if cached, ok, err := s.Cache.Get(ctx, cacheKey); err != nil {
		s.log.Warn().Err(err).Msg("price cache read failed")
	} else if ok {
		var quotes map[string]Quote
		if err := json.Unmarshal([]byte(cached), &quotes); err == nil {
			return quotes, nil
		}
	}

	quotes, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(quotes); err == nil {
		if err := s.Cache.Set(ctx, cacheKey, string(payload), CacheTTL); err != nil {
			s.log.Warn().Err(err).Msg("price cache write failed")
		}
	}
	s.persistSnapshots(quotes)
	return quotes, nil
}

// Quote returns the current quote for one symbol. A missing or non-positive
// upstream price is unavailable, not zero.
func (s *Service) Quote(ctx context.Context, symbol string) (Quote, error) {
	quotes, err := s.Quotes(ctx)
	if err != nil {
		return Quote{}, err
	}
	q, ok := quotes[symbol]
	if !ok || !q.PriceUSD.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return q, nil
}

func (s *Service) fetch(ctx context.Context) (map[string]Quote, error) {
	ids := make([]string, 0, len(supported))
	for id := range supported {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_24hr_change=true",
		s.BaseURL, strings.Join(ids, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %d", ErrPriceUnavailable, resp.StatusCode)
	}

	var raw map[string]Quote
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	quotes := make(map[string]Quote, len(raw))
	for id, q := range raw {
		symbol, ok := supported[id]
		if !ok || !q.PriceUSD.IsPositive() {
			continue
		}
		quotes[symbol] = q
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: empty upstream response", ErrPriceUnavailable)
	}
	return quotes, nil
}

func (s *Service) persistSnapshots(quotes map[string]Quote) {
	if s.DB == nil {
		return
	}
	now := time.Now().UTC()
	snaps := make([]models.PriceSnapshot, 0, len(quotes))
	for symbol, q := range quotes {
		snaps = append(snaps, models.PriceSnapshot{
			Symbol:    symbol,
			PriceUSD:  q.PriceUSD,
			Change24h: q.Change24h,
			Timestamp: now,
		})
	}
	if err := database.CreateInBatches(s.DB, snaps, 100); err != nil {
		s.log.Warn().Err(err).Msg("price snapshot insert failed")
	}
}
