package types

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════
// VENUE GATEWAY
// ═══════════════════════════════════════════════════════════════

// VenueGateway is the uniform order-entry surface over one venue. Transport
// errors are retried inside the gateway; business rejections surface as typed
// errors so the engine can react per taxonomy.
type VenueGateway interface {
	// Name identifies the venue this gateway fronts.
	Name() Venue

	// AmendSupported reports whether in-place price modification is
	// available. When false, callers substitute cancel+replace.
	AmendSupported() bool

	// SubmitOrder places an order and returns the venue order id.
	SubmitOrder(ctx context.Context, input SubmitOrderInput) (string, error)

	// AmendOrder changes the price of a resting order. Venues that reject
	// amendment with their "edit not supported" code surface
	// ErrAmendNotSupported so callers fall back to cancel+replace.
	AmendOrder(ctx context.Context, input AmendOrderInput) error

	// CancelOrder cancels a resting order. A venue response indicating the
	// order no longer exists surfaces ErrOrderNotFound; the caller decides
	// whether that means "already filled".
	CancelOrder(ctx context.Context, input CancelOrderInput) error

	// OpenOrders lists currently resting orders for the symbol. Used only as
	// the REST fallback when the event stream is silent during submit
	// confirmation.
	OpenOrders(ctx context.Context, symbol string) ([]VenueOrder, error)

	// OrderHistory fetches one historical order, fills and fees included.
	// Used for top-up fill-price lookup and as a last-resort verifier.
	OrderHistory(ctx context.Context, symbol, venueOrderID string) (*VenueOrder, error)

	// InstrumentPrecision returns the live (quantity, price) decimal
	// precision for the symbol, for the startup precision refresh.
	InstrumentPrecision(ctx context.Context, symbol string) (int32, int32, error)
}

// VenueStream delivers normalized order events from one venue's private
// stream. Run blocks until ctx is done, reconnecting on transport failure.
type VenueStream interface {
	Venue() Venue
	Events() <-chan OrderEvent
	Run(ctx context.Context) error
}

// ═══════════════════════════════════════════════════════════════
// GATEWAY INPUTS
// ═══════════════════════════════════════════════════════════════

// SubmitOrderInput contains parameters for placing an order.
type SubmitOrderInput struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // required for limit, ignored for market
	PostOnly bool            // limit only; reject rather than take liquidity

	// BaseUnits marks a market order whose quantity is denominated in the
	// base asset rather than quote. Required for spot market buys.
	BaseUnits bool
}

// Validate checks if SubmitOrderInput is valid.
func (s *SubmitOrderInput) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !s.Side.Valid() {
		return fmt.Errorf("unknown side %q", s.Side)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown order type %q", s.Type)
	}
	if !s.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", s.Quantity)
	}
	if s.Type == OrderTypeLimit && !s.Price.IsPositive() {
		return fmt.Errorf("limit orders require a positive price, got %s", s.Price)
	}
	if s.PostOnly && s.Type != OrderTypeLimit {
		return fmt.Errorf("post_only applies to limit orders only")
	}
	return nil
}

// AmendOrderInput contains parameters for amending a resting order's price.
type AmendOrderInput struct {
	Symbol       string
	VenueOrderID string
	NewPrice     decimal.Decimal
}

// Validate checks if AmendOrderInput is valid.
func (a *AmendOrderInput) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if a.VenueOrderID == "" {
		return fmt.Errorf("venue_order_id is required")
	}
	if !a.NewPrice.IsPositive() {
		return fmt.Errorf("new_price must be positive, got %s", a.NewPrice)
	}
	return nil
}

// CancelOrderInput contains parameters for cancelling a resting order.
type CancelOrderInput struct {
	Symbol       string
	VenueOrderID string
}

// Validate checks if CancelOrderInput is valid.
func (c *CancelOrderInput) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.VenueOrderID == "" {
		return fmt.Errorf("venue_order_id is required")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════
// GATEWAY OUTPUTS
// ═══════════════════════════════════════════════════════════════

// VenueOrder is one order as reported by a venue's REST surface.
type VenueOrder struct {
	VenueOrderID string
	Symbol       string
	Side         Side
	Type         OrderType
	Status       OrderStatus
	RawStatus    string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	CumExecQty   decimal.Decimal
	CumExecFee   decimal.Decimal
	AvgPrice     decimal.Decimal
}

// AccountBalance is one asset balance as reported by a venue.
type AccountBalance struct {
	Asset     string
	Available decimal.Decimal
}

// BalanceReader is the optional gateway surface for pre-trade balance checks.
type BalanceReader interface {
	Balance(ctx context.Context, asset string) (*AccountBalance, error)
}
