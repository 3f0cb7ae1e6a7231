// Package market fetches candle data used by the trading loop. The interval
// matters only as a sampling cadence: the bot consumes the most recent candle
// each cycle and feeds it to the range estimator.
package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
)

// Sample is one observed candle.
type Sample struct {
	Time  time.Time `json:"time"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// Validate rejects samples the estimator cannot use.
func (s Sample) Validate() error {
	if s.High <= 0 || s.Low <= 0 || s.Close <= 0 {
		return fmt.Errorf("market: non-positive price in sample %+v", s)
	}
	if s.High < s.Low {
		return fmt.Errorf("market: high %v below low %v", s.High, s.Low)
	}
	return nil
}

// Fetcher returns the latest candle for a symbol.
type Fetcher interface {
	Latest(ctx context.Context, symbol string) (Sample, error)
}

// BinanceFetcher pulls klines from Binance spot. Market data endpoints are
// public, so the fetcher works without credentials.
type BinanceFetcher struct {
	client   *binance.Client
	interval string
	retries  int
}

// NewBinanceFetcher builds a fetcher for the given candle interval ("1m",
// "5m", ...). A nil client falls back to an unauthenticated one.
func NewBinanceFetcher(client *binance.Client, interval string) *BinanceFetcher {
	if client == nil {
		client = binance.NewClient("", "")
	}
	if interval == "" {
		interval = "1m"
	}
	return &BinanceFetcher{client: client, interval: interval, retries: 3}
}

// Latest fetches the most recent candle, retrying transient failures with a
// short backoff. Exhausting the retries is a transient cycle failure for the
// caller, never a crash.
func (f *BinanceFetcher) Latest(ctx context.Context, symbol string) (Sample, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Sample{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		klines, err := f.client.NewKlinesService().
			Symbol(Normalize(symbol)).
			Interval(f.interval).
			Limit(1).
			Do(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(klines) == 0 {
			lastErr = fmt.Errorf("market: empty kline response for %s", symbol)
			continue
		}
		sample, err := parseKline(klines[len(klines)-1])
		if err != nil {
			return Sample{}, err
		}
		return sample, nil
	}
	return Sample{}, fmt.Errorf("market: fetch %s failed after %d attempts: %w", symbol, f.retries+1, lastErr)
}

func parseKline(k *binance.Kline) (Sample, error) {
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("market: parse high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("market: parse low %q: %w", k.Low, err)
	}
	closeP, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("market: parse close %q: %w", k.Close, err)
	}
	s := Sample{
		Time:  time.UnixMilli(k.OpenTime).UTC(),
		High:  high,
		Low:   low,
		Close: closeP,
	}
	if err := s.Validate(); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// Normalize maps operator input to Binance spot format: uppercase, no
// separators, quoted in USDT when no quote asset is given.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "", "/", "", "_", "").Replace(s)
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s
		}
	}
	return s + "USDT"
}
