package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════
// SENTINELS
// ═══════════════════════════════════════════════════════════════

var (
	// ErrAmendNotSupported marks a venue refusing in-place price
	// modification; the caller must cancel+replace.
	ErrAmendNotSupported = errors.New("venue does not support order amendment")

	// ErrOrderNotFound marks a venue reporting that the referenced order no
	// longer exists. During cancellation this usually means a just-in-time
	// fill; callers re-verify status before concluding anything.
	ErrOrderNotFound = errors.New("order not found at venue")
)

// postOnlyRejectCodes are the venue reject reasons that mean "post-only
// order would have taken liquidity".
var postOnlyRejectCodes = []string{
	"EC_PostOnlyWillTakeLiquidity",
	"post_only_reject",
	"POST_ONLY_REJECT",
}

// IsPostOnlyReject reports whether a reject reason is the post-only
// taker-protection rejection, which the placement engine answers by widening
// the maker price one tick and retrying.
func IsPostOnlyReject(reason string) bool {
	for _, code := range postOnlyRejectCodes {
		if strings.Contains(reason, code) {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════
// TAXONOMY
// ═══════════════════════════════════════════════════════════════

// SpreadError: the cross-venue spread exceeded the configured maximum at a
// point where aborting is safe. The orchestrator aborts the whole trade.
type SpreadError struct {
	Symbol     string
	Spread     decimal.Decimal
	MaxAllowed decimal.Decimal
}

func (e *SpreadError) Error() string {
	return fmt.Sprintf("spread %s%% exceeds maximum %s%% for %s", e.Spread, e.MaxAllowed, e.Symbol)
}

// OrderError: an order operation failed in a way that aborts the chunk.
// RollbackFailed marks the critical case where the spot leg could not be
// cancelled after a perp failure and carries residual exposure.
type OrderError struct {
	Venue          Venue
	Op             string // submit | amend | cancel | market
	VenueOrderID   string
	Reason         string
	RollbackFailed bool
}

func (e *OrderError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %s", e.Venue, e.Op, e.Reason)
	if e.VenueOrderID != "" {
		msg += fmt.Sprintf(" (order %s)", e.VenueOrderID)
	}
	if e.RollbackFailed {
		msg += " [ROLLBACK FAILED: residual exposure requires operator reconciliation]"
	}
	return msg
}

// NakedPositionError: one hedge leg filled and its counterpart could not be
// closed within bounded attempts plus market fallback. Operator intervention
// is required.
type NakedPositionError struct {
	Venue    Venue
	Symbol   string
	Quantity decimal.Decimal
	Elapsed  time.Duration
}

func (e *NakedPositionError) Error() string {
	return fmt.Sprintf("naked position on %s: %s %s unfilled after %.0fs",
		e.Venue, e.Quantity, e.Symbol, e.Elapsed.Seconds())
}

// PriceDataError: a quote side is missing or stale. Retried at the next cycle
// during active management; fatal at placement time.
type PriceDataError struct {
	Venue  Venue
	Reason string
}

func (e *PriceDataError) Error() string {
	return fmt.Sprintf("price data unavailable for %s: %s", e.Venue, e.Reason)
}

// ValidationError: malformed or out-of-range input. Surfaces to the CLI
// re-prompt rather than aborting the process.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreError: a row expected in the order store is missing after retries.
// Indicates a durability or transaction violation; fatal.
type StoreError struct {
	Key    string
	Reason string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("order store violation for %s: %s", e.Key, e.Reason)
}

// InsufficientBalanceError: a venue balance cannot cover the planned trade.
type InsufficientBalanceError struct {
	Venue     Venue
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance on %s: need %s, have %s",
		e.Asset, e.Venue, e.Required, e.Available)
}

// ═══════════════════════════════════════════════════════════════
// CLASSIFIERS
// ═══════════════════════════════════════════════════════════════

// IsSpreadError reports whether err wraps a SpreadError.
func IsSpreadError(err error) bool {
	var target *SpreadError
	return errors.As(err, &target)
}

// IsPriceDataError reports whether err wraps a PriceDataError.
func IsPriceDataError(err error) bool {
	var target *PriceDataError
	return errors.As(err, &target)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
