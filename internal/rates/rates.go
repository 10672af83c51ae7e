// Package rates provides the EUR/USD reference-rate lookup the tax
// ledger consumes. Fetching the rate is explicitly out of scope per
// spec.md §1 (the core consumes a rate-lookup interface); this package
// supplies a file-cached implementation of that interface, with the
// weekend/holiday walk-back behavior grounded on tax/ecb_rates.py.
package rates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Lookup is the interface StrategyLoop/FifoLedger consume; spec.md §6
// names this EurUsdRates.
type Lookup interface {
	// RateOn returns USD per 1 EUR for the given date (UTC), walking
	// backward to the most recent available business day if needed.
	RateOn(day time.Time) (decimal.Decimal, error)
}

// Fetcher retrieves a single day's rate from an upstream source. Left
// pluggable since fetching itself is out of scope; FileCache works with
// any Fetcher, including one backed by an operator-maintained static file.
type Fetcher interface {
	Fetch(day time.Time) (decimal.Decimal, bool, error)
}

// FileCache persists fetched rates to a JSON file keyed by date, and
// walks backward up to MaxLookback days to cover weekends/holidays, the
// way ECBRateService.get_rate does.
type FileCache struct {
	mu sync.Mutex

	Path        string
	MaxLookback int
	Fetcher     Fetcher

	cache map[string]decimal.Decimal
}

// NewFileCache constructs a FileCache, loading any existing cache file.
func NewFileCache(path string, fetcher Fetcher) *FileCache {
	fc := &FileCache{
		Path:        path,
		MaxLookback: 5,
		Fetcher:     fetcher,
		cache:       make(map[string]decimal.Decimal),
	}
	fc.load()
	return fc
}

func dateKey(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}

func (fc *FileCache) load() {
	data, err := os.ReadFile(fc.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", fc.Path).Msg("failed to load eur/usd rate cache")
		}
		return
	}
	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Msg("failed to parse eur/usd rate cache")
		return
	}
	for k, v := range raw {
		dec, err := decimal.NewFromString(v)
		if err != nil {
			continue
		}
		fc.cache[k] = dec
	}
}

func (fc *FileCache) persist() error {
	raw := make(map[string]string, len(fc.cache))
	for k, v := range fc.cache {
		raw[k] = v.String()
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(fc.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(fc.Path, data, 0o644)
}

// RateOn implements Lookup, walking backward up to MaxLookback days and
// persisting any newly fetched rate.
func (fc *FileCache) RateOn(day time.Time) (decimal.Decimal, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	check := day
	for i := 0; i <= fc.MaxLookback; i++ {
		key := dateKey(check)
		if rate, ok := fc.cache[key]; ok {
			if i > 0 {
				fc.cache[dateKey(day)] = rate
				_ = fc.persist()
			}
			return rate, nil
		}
		check = check.Add(-24 * time.Hour)
	}

	if fc.Fetcher == nil {
		return decimal.Decimal{}, fmt.Errorf("no eur/usd rate cached for %s or preceding %d days and no fetcher configured", dateKey(day), fc.MaxLookback)
	}

	check = day
	for i := 0; i <= fc.MaxLookback; i++ {
		rate, found, err := fc.Fetcher.Fetch(check)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("fetch eur/usd rate for %s: %w", dateKey(check), err)
		}
		if found {
			fc.cache[dateKey(check)] = rate
			fc.cache[dateKey(day)] = rate
			if err := fc.persist(); err != nil {
				log.Warn().Err(err).Msg("failed to persist eur/usd rate cache")
			}
			return rate, nil
		}
		check = check.Add(-24 * time.Hour)
	}

	return decimal.Decimal{}, fmt.Errorf("no eur/usd rate available for %s or preceding %d business days", dateKey(day), fc.MaxLookback)
}

// StaticFetcher serves rates from an in-memory map; useful for tests and
// for operators who maintain their own daily rate file out of band.
type StaticFetcher struct {
	Rates map[string]decimal.Decimal
}

// Fetch implements Fetcher.
func (s *StaticFetcher) Fetch(day time.Time) (decimal.Decimal, bool, error) {
	rate, ok := s.Rates[dateKey(day)]
	return rate, ok, nil
}
