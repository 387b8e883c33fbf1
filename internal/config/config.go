// Package config loads the server configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
	"github.com/atmx/margin-engine/internal/risk"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	Risk        risk.Config
}

// Load reads files into the environment (default ".env", skipped when
// absent) without overriding variables already set, then parses it.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", strings.Join(files, ","), err)
	}
	return FromEnv()
}

// FromEnv parses the configuration from environment variables alone.
// Every invalid variable is reported, not just the first.
func FromEnv() (Config, error) {
	c := Config{
		Port:        getenv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}
	var errs []error
	parse := func(name, fallback string) fixed.Fixed {
		raw := getenv(name, fallback)
		v, err := fixed.FromString(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, raw, err))
		}
		return v
	}

	ttl, err := time.ParseDuration(getenv("CACHE_TTL", "30s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid CACHE_TTL: %w", err))
	}
	c.CacheTTL = ttl

	spread := parse("DEFAULT_SPREAD", "0")
	c.Risk = risk.Config{
		Reference: model.CurrencyID(strings.ToUpper(getenv("REFERENCE_CURRENCY", string(model.USD)))),
		Spreads: pricing.SpreadTable{
			Default: pricing.Spread{Bid: spread, Ask: spread},
		},
		TraderThreshold: model.RiskThreshold{
			MarginCall: parse("TRADER_MARGIN_CALL", "0.5"),
			StopOut:    parse("TRADER_STOP_OUT", "0.2"),
		},
		PoolThresholds: risk.PoolThresholdTable{
			Default: risk.PoolThresholds{
				ENP: model.RiskThreshold{
					MarginCall: parse("POOL_ENP_MARGIN_CALL", "0.5"),
					StopOut:    parse("POOL_ENP_STOP_OUT", "0.2"),
				},
				ELL: model.RiskThreshold{
					MarginCall: parse("POOL_ELL_MARGIN_CALL", "0.5"),
					StopOut:    parse("POOL_ELL_STOP_OUT", "0.2"),
				},
			},
		},
	}

	c.Risk.MaxSpread = parse("MAX_SPREAD", "0")
	c.Risk.MinLeveragedAmount = parse("MIN_LEVERAGED_AMOUNT", "0")

	if c.Risk.SwapRates, err = parseSwapRates(os.Getenv("SWAP_RATES")); err != nil {
		errs = append(errs, err)
	}
	if c.Risk.Spreads.Pairs, err = parsePairSpreads(os.Getenv("PAIR_SPREADS")); err != nil {
		errs = append(errs, err)
	}
	if c.Risk.PairThresholds, err = parsePairThresholds(os.Getenv("PAIR_THRESHOLDS")); err != nil {
		errs = append(errs, err)
	}
	if c.Risk.PoolThresholds.Pools, err = parsePoolThresholds(os.Getenv("POOL_THRESHOLDS")); err != nil {
		errs = append(errs, err)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("invalid PORT %q", c.Port))
	}
	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	if err := c.Risk.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// parseSwapRates reads "EUR/USD=1.0001,USD/JPY=1" into the initial swap
// rate index of each pair.
func parseSwapRates(raw string) (risk.SwapRates, error) {
	rates := risk.SwapRates{}
	err := parseEntries("SWAP_RATES", raw, "PAIR=RATE", func(key, value string) error {
		pair, err := model.ParsePair(key)
		if err != nil {
			return err
		}
		rate, err := fixed.FromString(value)
		if err != nil {
			return err
		}
		rates[pair] = rate
		return nil
	})
	return rates, err
}

// parsePairSpreads reads "EUR/USD=0.001,GBP/USD=0.001:0.002": one value
// for both sides, or BID:ASK.
func parsePairSpreads(raw string) (map[model.TradingPair]pricing.Spread, error) {
	spreads := map[model.TradingPair]pricing.Spread{}
	err := parseEntries("PAIR_SPREADS", raw, "PAIR=SPREAD or PAIR=BID:ASK", func(key, value string) error {
		pair, err := model.ParsePair(key)
		if err != nil {
			return err
		}
		v, err := parseRatios(value, 1, 2)
		if err != nil {
			return err
		}
		sp := pricing.Spread{Bid: v[0], Ask: v[0]}
		if len(v) == 2 {
			sp.Ask = v[1]
		}
		spreads[pair] = sp
		return nil
	})
	return spreads, err
}

// parsePairThresholds reads "EUR/USD=0.6:0.3" as MARGIN_CALL:STOP_OUT per
// pair.
func parsePairThresholds(raw string) (map[model.TradingPair]model.RiskThreshold, error) {
	thresholds := map[model.TradingPair]model.RiskThreshold{}
	err := parseEntries("PAIR_THRESHOLDS", raw, "PAIR=MARGIN_CALL:STOP_OUT", func(key, value string) error {
		pair, err := model.ParsePair(key)
		if err != nil {
			return err
		}
		v, err := parseRatios(value, 2, 2)
		if err != nil {
			return err
		}
		thresholds[pair] = model.RiskThreshold{MarginCall: v[0], StopOut: v[1]}
		return nil
	})
	return thresholds, err
}

// parsePoolThresholds reads "1=0.6:0.3:0.5:0.2" as the ENP margin call and
// stop out followed by the ELL margin call and stop out of each pool.
func parsePoolThresholds(raw string) (map[model.PoolID]risk.PoolThresholds, error) {
	thresholds := map[model.PoolID]risk.PoolThresholds{}
	err := parseEntries("POOL_THRESHOLDS", raw, "POOL=ENP_MC:ENP_SO:ELL_MC:ELL_SO", func(key, value string) error {
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return err
		}
		v, err := parseRatios(value, 4, 4)
		if err != nil {
			return err
		}
		thresholds[model.PoolID(id)] = risk.PoolThresholds{
			ENP: model.RiskThreshold{MarginCall: v[0], StopOut: v[1]},
			ELL: model.RiskThreshold{MarginCall: v[2], StopOut: v[3]},
		}
		return nil
	})
	return thresholds, err
}

// parseEntries splits a comma-separated KEY=VALUE list and hands each entry
// to fn. Errors name the variable and the offending entry.
func parseEntries(name, raw, want string, fn func(key, value string) error) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	for _, item := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			return fmt.Errorf("invalid %s entry %q: want %s", name, item, want)
		}
		if err := fn(strings.ToUpper(strings.TrimSpace(key)), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("invalid %s entry %q: %w", name, item, err)
		}
	}
	return nil
}

// parseRatios parses a colon-separated list of between lo and hi
// decimals.
func parseRatios(raw string, lo, hi int) ([]fixed.Fixed, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < lo || len(parts) > hi {
		return nil, fmt.Errorf("want %d to %d colon-separated values, got %d", lo, hi, len(parts))
	}
	out := make([]fixed.Fixed, len(parts))
	for i, part := range parts {
		v, err := fixed.FromString(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func getenv(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
