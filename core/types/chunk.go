package types

import (
	"github.com/shopspring/decimal"
)

// ChunkPlan is the result of splitting a requested quantity into venue-sized
// chunks. Chunks are all exactly the symbol's minimum order quantity; a
// nonzero remainder is never silently traded, it is reported with the
// adjacent valid totals so the caller can offer a choice.
type ChunkPlan struct {
	Symbol       string
	Requested    decimal.Decimal
	Chunks       []decimal.Decimal // each equal to MinOrderQuantity
	HasRemainder bool
	Remainder    decimal.Decimal
	LowerTotal   decimal.Decimal // floor(Q/min) * min
	UpperTotal   decimal.Decimal // (floor(Q/min)+1) * min
}

// TotalQuantity sums the planned chunks.
func (p *ChunkPlan) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Chunks {
		total = total.Add(c)
	}
	return total
}
