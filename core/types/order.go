package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════
// ENUMS
// ═══════════════════════════════════════════════════════════════

// Venue identifies one of the two execution venues.
type Venue string

const (
	VenueSpot Venue = "spot" // Venue-A: spot market, post-only and amend capable
	VenuePerp Venue = "perp" // Venue-B: perpetual futures, no post-only, amend optional
)

// Valid reports whether v is a known venue.
func (v Venue) Valid() bool {
	return v == VenueSpot || v == VenuePerp
}

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// OrderStatus is the normalized order state stored in the order rows.
// Venue-native statuses are mapped onto this set by the gateways.
type OrderStatus string

const (
	StatusPlaced    OrderStatus = "PLACED"    // submitted, not yet acknowledged open
	StatusOpen      OrderStatus = "OPEN"      // resting on the book (includes partial fills)
	StatusFilled    OrderStatus = "FILLED"    // fully executed
	StatusCancelled OrderStatus = "CANCELLED" // cancelled before complete fill
	StatusRejected  OrderStatus = "REJECTED"  // refused by the venue
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// LifecycleEventType tags entries in the append-only lifecycle log.
type LifecycleEventType string

const (
	LifecyclePlaced         LifecycleEventType = "PLACED"
	LifecycleModified       LifecycleEventType = "MODIFIED"
	LifecycleReplaced       LifecycleEventType = "REPLACED"
	LifecycleCancelled      LifecycleEventType = "CANCELLED"
	LifecycleFilled         LifecycleEventType = "FILLED"
	LifecycleRejected       LifecycleEventType = "REJECTED"
	LifecycleMarketFallback LifecycleEventType = "MARKET_FALLBACK"
)

// ═══════════════════════════════════════════════════════════════
// ORDER IDENTITY AND STATE
// ═══════════════════════════════════════════════════════════════

// OrderKey is the business identity of one hedge leg. The venue order id may
// change across cancel+replace; the key never does.
type OrderKey struct {
	ChunkGroup string // trade-scoped UUID
	Sequence   int    // 1..N within the group
	Venue      Venue
}

// Validate checks if the OrderKey is well formed.
func (k OrderKey) Validate() error {
	if k.ChunkGroup == "" {
		return fmt.Errorf("chunk_group is required")
	}
	if k.Sequence < 1 {
		return fmt.Errorf("sequence must be positive, got %d", k.Sequence)
	}
	if !k.Venue.Valid() {
		return fmt.Errorf("unknown venue %q", k.Venue)
	}
	return nil
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.ChunkGroup, k.Sequence, k.Venue)
}

// OrderRecord is the current-state row for one leg. Nil pointer fields mean
// "not supplied": the store's upsert preserves the existing column value for
// them, so stream updates and engine writes can interleave without clobbering
// each other's data.
type OrderRecord struct {
	Key          OrderKey
	Symbol       string
	Side         Side
	Type         OrderType
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	VenueOrderID string
	Status       OrderStatus

	CumExecQty  *decimal.Decimal // cumulative executed quantity
	CumExecFee  *decimal.Decimal // base asset on spot, quote on perp
	NetReceived *decimal.Decimal // executed minus fee

	// Partial-completion fields: set only on a market completion row that
	// replaced a partially filled limit order; they preserve that partial
	// order's identity and execution so fee aggregation can sum both.
	PartialOrderID      *string
	PartialExecQty      *decimal.Decimal
	PartialExecFee      *decimal.Decimal
	IsPartialCompletion *bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks if the OrderRecord can be upserted.
func (r *OrderRecord) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !r.Side.Valid() {
		return fmt.Errorf("unknown side %q", r.Side)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown order type %q", r.Type)
	}
	if r.VenueOrderID == "" {
		return fmt.Errorf("venue_order_id is required")
	}
	if r.Status == "" {
		return fmt.Errorf("status is required")
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", r.Quantity)
	}
	if r.Type == OrderTypeLimit && !r.Price.IsPositive() {
		return fmt.Errorf("limit orders require a positive price, got %s", r.Price)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════
// STREAM EVENTS
// ═══════════════════════════════════════════════════════════════

// OrderEvent is a normalized per-order update from a venue stream. RawStatus
// keeps the venue's own wording; Status is the engine's normalization of it.
// RawPayload is the full venue message for the append-only event log.
type OrderEvent struct {
	Venue        Venue
	VenueOrderID string
	Symbol       string
	Side         Side
	RawStatus    string
	Status       OrderStatus
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	CumExecQty   decimal.Decimal
	CumExecFee   decimal.Decimal
	CumExecValue decimal.Decimal
	AvgPrice     decimal.Decimal
	RejectReason string
	RawPayload   []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PartiallyFilled reports whether the event describes a live order that has
// executed some but not all of its quantity.
func (e *OrderEvent) PartiallyFilled() bool {
	return e.Status == StatusOpen && e.CumExecQty.IsPositive()
}
