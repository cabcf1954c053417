// Package oracle reads the cross-venue price cache and turns it into
// validated quotes: both sides present, fresh, and inside the spread sanity
// bound.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/config"
	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

// Oracle is the Redis-backed PriceOracle.
type Oracle struct {
	client    *redis.Client
	symbols   *config.SymbolTable
	freshness time.Duration
	maxSpread decimal.Decimal
	sanity    decimal.Decimal
	now       func() time.Time
}

// Compile-time check that Oracle implements types.PriceOracle.
var _ types.PriceOracle = (*Oracle)(nil)

// NewOracleOptions contains options for creating an Oracle.
type NewOracleOptions struct {
	Client    *redis.Client
	Symbols   *config.SymbolTable
	Freshness time.Duration
	MaxSpread decimal.Decimal
	Sanity    decimal.Decimal
}

// NewOracle creates an Oracle and verifies the cache connection.
func NewOracle(ctx context.Context, options NewOracleOptions) (*Oracle, error) {
	if options.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if options.Symbols == nil {
		return nil, errors.New("symbol table is required")
	}
	if options.Freshness <= 0 {
		return nil, errors.New("freshness must be positive")
	}
	if err := options.Client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "price cache unreachable")
	}
	return &Oracle{
		client:    options.Client,
		symbols:   options.Symbols,
		freshness: options.Freshness,
		maxSpread: options.MaxSpread,
		sanity:    options.Sanity,
		now:       time.Now,
	}, nil
}

// cachedTick is the JSON document the price feed publishes per venue+symbol.
type cachedTick struct {
	LTP                  json.Number `json:"ltp"`
	Timestamp            string      `json:"timestamp"`
	CurrentFundingRate   json.Number `json:"current_funding_rate,omitempty"`
	EstimatedFundingRate json.Number `json:"estimated_funding_rate,omitempty"`
	FundingTimestamp     string      `json:"funding_timestamp,omitempty"`
}

func cacheKey(venue types.Venue, venueSymbol string) string {
	return fmt.Sprintf("ltp:%s:%s", venue, venueSymbol)
}

// ValidatedQuote fetches both venue prices for the asset and validates
// freshness and spread sanity.
func (o *Oracle) ValidatedQuote(ctx context.Context, asset string) (*types.ValidatedQuote, error) {
	spec, err := o.symbols.Get(asset)
	if err != nil {
		return nil, &types.ValidationError{Field: "symbol", Reason: err.Error()}
	}

	spotPrice, spotTime, _, err := o.fetch(ctx, types.VenueSpot, spec.SpotSymbol)
	if err != nil {
		return nil, err
	}
	perpPrice, perpTime, perpTick, err := o.fetch(ctx, types.VenuePerp, spec.PerpSymbol)
	if err != nil {
		return nil, err
	}

	spread, err := util.SpreadPercent(spotPrice, perpPrice)
	if err != nil {
		return nil, &types.PriceDataError{Venue: types.VenueSpot, Reason: err.Error()}
	}
	if spread.GreaterThan(o.sanity) {
		return nil, &types.ValidationError{
			Field:  "spread",
			Reason: fmt.Sprintf("spread %s%% exceeds sanity bound %s%%, price data suspect", spread, o.sanity),
		}
	}

	quote := &types.ValidatedQuote{
		Symbol:        asset,
		SpotPrice:     spotPrice,
		PerpPrice:     perpPrice,
		SpreadPercent: spread,
		SpotTime:      spotTime,
		PerpTime:      perpTime,
	}
	if perpTick != nil {
		quote.CurrentFundingRate = parseOptionalNumber(perpTick.CurrentFundingRate)
		quote.EstimatedFundingRate = parseOptionalNumber(perpTick.EstimatedFundingRate)
	}
	if spread.GreaterThan(o.maxSpread) {
		quote.SpreadWarning = fmt.Sprintf("spread %s%% above configured maximum %s%%", spread, o.maxSpread)
		logging.Logger.Warn("spread above maximum",
			zap.String("symbol", asset),
			zap.String("spread", spread.String()),
			zap.String("max", o.maxSpread.String()))
	}
	return quote, nil
}

func (o *Oracle) fetch(ctx context.Context, venue types.Venue, venueSymbol string) (decimal.Decimal, time.Time, *cachedTick, error) {
	raw, err := o.client.Get(ctx, cacheKey(venue, venueSymbol)).Result()
	if err == redis.Nil {
		return decimal.Zero, time.Time{}, nil, &types.PriceDataError{
			Venue:  venue,
			Reason: fmt.Sprintf("no cached price for %s", venueSymbol),
		}
	}
	if err != nil {
		return decimal.Zero, time.Time{}, nil, errors.Wrapf(err, "reading price cache for %s", venueSymbol)
	}

	var tick cachedTick
	if err := json.Unmarshal([]byte(raw), &tick); err != nil {
		return decimal.Zero, time.Time{}, nil, &types.PriceDataError{
			Venue:  venue,
			Reason: fmt.Sprintf("malformed cache entry for %s: %v", venueSymbol, err),
		}
	}

	price, err := decimal.NewFromString(tick.LTP.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, time.Time{}, nil, &types.PriceDataError{
			Venue:  venue,
			Reason: fmt.Sprintf("invalid ltp %q for %s", tick.LTP, venueSymbol),
		}
	}

	ts, err := parseTimestamp(tick.Timestamp)
	if err != nil {
		return decimal.Zero, time.Time{}, nil, &types.PriceDataError{
			Venue:  venue,
			Reason: fmt.Sprintf("invalid timestamp %q for %s", tick.Timestamp, venueSymbol),
		}
	}
	if age := o.now().Sub(ts); age > o.freshness {
		return decimal.Zero, time.Time{}, nil, &types.PriceDataError{
			Venue:  venue,
			Reason: fmt.Sprintf("price for %s is stale: age %s exceeds %s", venueSymbol, age.Round(time.Millisecond), o.freshness),
		}
	}
	return price, ts, &tick, nil
}

// parseTimestamp accepts RFC3339 and the bare ISO form without zone, which
// the feed publishes as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}

func parseOptionalNumber(n json.Number) *decimal.Decimal {
	if n == "" {
		return nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil
	}
	return &d
}
