package types

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ValidatedQuote is a cross-venue price snapshot that has passed freshness
// and spread-sanity validation.
type ValidatedQuote struct {
	Symbol        string
	SpotPrice     decimal.Decimal
	PerpPrice     decimal.Decimal
	SpreadPercent decimal.Decimal // |perp - spot| / spot * 100
	SpotTime      time.Time
	PerpTime      time.Time

	// Funding fields are carried when the perp cache publishes them.
	CurrentFundingRate   *decimal.Decimal
	EstimatedFundingRate *decimal.Decimal

	// SpreadWarning is set when the spread is inside the sanity bound but
	// above the configured maximum; callers decide whether to proceed.
	SpreadWarning string
}

// PriceOracle returns validated quotes. Implementations fail with
// PriceDataError when either side is missing or stale, and ValidationError
// when the spread breaches the sanity bound.
type PriceOracle interface {
	ValidatedQuote(ctx context.Context, symbol string) (*ValidatedQuote, error)
}
