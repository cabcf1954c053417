package types

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════
// ORDER STORE
// ═══════════════════════════════════════════════════════════════

// OrderStore is the current-state view of all legs, keyed by
// (chunk_group, sequence, venue). It is the single mutable shared resource
// between the orchestrator and the event ingestion tasks.
type OrderStore interface {
	// Upsert inserts or replaces the row for record.Key. On conflict it
	// replaces order id, price, quantity, status and type; cumulative and
	// partial-completion fields are preserved unless the incoming record
	// explicitly sets them.
	Upsert(ctx context.Context, record *OrderRecord) error

	// Get returns the row for the key, or nil when absent.
	Get(ctx context.Context, key OrderKey) (*OrderRecord, error)

	// GetByVenueOrderID returns the row currently carrying the venue order
	// id, or nil when absent.
	GetByVenueOrderID(ctx context.Context, venueOrderID string) (*OrderRecord, error)

	// UpdateFromEvent applies a stream event to the row carrying the event's
	// venue order id: status plus cumulative execution fields.
	UpdateFromEvent(ctx context.Context, event *OrderEvent) error

	// VerifyStatus resolves an order's status from the order row and the
	// lifecycle log together (dual-source verification). It never consults
	// venue REST endpoints.
	VerifyStatus(ctx context.Context, venueOrderID string) (OrderStatus, error)

	// VerifyStatusWith is VerifyStatus with caller-chosen retry shape. The
	// naked-position resolver uses an aggressive 10 x 500ms schedule after a
	// failed cancel.
	VerifyStatusWith(ctx context.Context, venueOrderID string, retries int, delay time.Duration) (OrderStatus, error)
}

// ═══════════════════════════════════════════════════════════════
// LIFECYCLE LOG
// ═══════════════════════════════════════════════════════════════

// LifecycleEvent is one append-only business-lifecycle entry for an order id.
type LifecycleEvent struct {
	Key          OrderKey
	VenueOrderID string
	Type         LifecycleEventType
	Details      map[string]any // serialized to JSONB
	CreatedAt    time.Time
}

// LifecycleLog records order lifecycle transitions. Appends that fail must
// never block a trade; callers log and continue.
type LifecycleLog interface {
	Append(ctx context.Context, event *LifecycleEvent) error

	// Latest returns the most recent entry for the venue order id, or nil.
	Latest(ctx context.Context, venueOrderID string) (*LifecycleEvent, error)
}

// ═══════════════════════════════════════════════════════════════
// VENUE EVENT LOG
// ═══════════════════════════════════════════════════════════════

// VenueEventRecord is one append-only raw venue event row.
type VenueEventRecord struct {
	Venue        Venue
	VenueOrderID string
	Symbol       string
	Status       OrderStatus
	RawStatus    string
	ExecQty      decimal.Decimal
	ExecFee      decimal.Decimal
	Price        decimal.Decimal
	RawPayload   []byte // full venue message as received
	// Chunk context when the order id is known to the store at write time.
	ChunkGroup *string
	Sequence   *int
	ReceivedAt time.Time
}

// ChunkFees is the fee aggregation for one leg of one chunk.
type ChunkFees struct {
	FeeBase             decimal.Decimal // fees charged in base asset (spot)
	FeeQuote            decimal.Decimal // fees charged in quote (perp)
	IsPartialCompletion bool            // result sums partial + completion orders
}

// VenueEventLog is the authoritative, append-only record of everything each
// venue said. The write happens first on the ingestion path; no business
// logic may block it.
type VenueEventLog interface {
	Append(ctx context.Context, record *VenueEventRecord) error

	// ChunkTotalFees sums executed fees for the leg. With a partial
	// completion it includes both the preserved partial order's fee and the
	// completion order's fee.
	ChunkTotalFees(ctx context.Context, group string, sequence int, venue Venue) (*ChunkFees, error)
}

// ═══════════════════════════════════════════════════════════════
// RECONCILIATION
// ═══════════════════════════════════════════════════════════════

// TopUpStatus is the terminal state of the end-of-trade fee top-up.
type TopUpStatus string

const (
	TopUpCompleted    TopUpStatus = "COMPLETED"
	TopUpSkippedBelow TopUpStatus = "SKIPPED_BELOW_MINIMUM"
	TopUpFailed       TopUpStatus = "FAILED"
)

// ReconciliationRecord tracks fee accumulation for one chunk group.
type ReconciliationRecord struct {
	ChunkGroup       string
	Symbol           string
	TotalChunks      int
	CompletedChunks  int
	TotalOrderedQty  decimal.Decimal // cumulative spot ordered quantity
	TotalFeeBase     decimal.Decimal // cumulative spot fee in base asset
	TotalNetReceived decimal.Decimal // cumulative spot net received
	TopUpOrderID     *string
	TopUpStatus      *TopUpStatus
	Notes            string
	UpdatedAt        time.Time
}

// ReconciliationStore persists per-trade fee accumulation.
type ReconciliationStore interface {
	// Initialize creates the record once per chunk group (idempotent).
	Initialize(ctx context.Context, group, symbol string, totalChunks int) error

	// AddChunk accumulates one completed chunk's ordered quantity, base fee
	// and net received, and increments completed_chunks.
	AddChunk(ctx context.Context, group string, orderedQty, feeBase, netReceived decimal.Decimal) error

	// Get returns the record, or nil when absent.
	Get(ctx context.Context, group string) (*ReconciliationRecord, error)

	// SetTopUp records the top-up outcome.
	SetTopUp(ctx context.Context, group string, orderID *string, status TopUpStatus, notes string) error
}

// ═══════════════════════════════════════════════════════════════
// SPREAD HISTORY
// ═══════════════════════════════════════════════════════════════

// SpreadObservation is one recorded cross-venue spread check.
type SpreadObservation struct {
	Symbol        string
	SpotPrice     decimal.Decimal
	PerpPrice     decimal.Decimal
	SpreadPercent decimal.Decimal
	MaxAllowed    decimal.Decimal
	WithinLimit   bool
	CheckedAt     time.Time
}

// SpreadHistory records spread observations for after-the-fact analysis.
// Failures are logged and never block the engine.
type SpreadHistory interface {
	Record(ctx context.Context, obs *SpreadObservation) error
}
