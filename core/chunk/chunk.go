// Package chunk splits a requested trade quantity into venue-sized chunks.
// Every chunk is exactly the symbol's minimum order quantity; a remainder is
// never traded silently, it is reported with the adjacent valid totals so the
// caller can put the choice to the user.
package chunk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/basisflow/hedge-engine/core/types"
)

// Plan computes the chunk plan for the requested quantity. The quantity is
// rounded to the symbol's precision first; below the minimum order quantity
// it returns a ValidationError for the CLI to re-prompt on.
//
// Both legs of a chunk use the same quantity. Spot fees are charged in the
// base asset and recovered by the end-of-trade reconciliation top-up, not by
// inflating the spot leg here.
func Plan(spec *types.SymbolSpec, quantity decimal.Decimal) (*types.ChunkPlan, error) {
	if spec == nil {
		return nil, &types.ValidationError{Field: "symbol", Reason: "symbol spec is required"}
	}
	if err := spec.Validate(); err != nil {
		return nil, &types.ValidationError{Field: "symbol", Reason: err.Error()}
	}

	quantity = spec.RoundQuantity(quantity)
	if quantity.LessThan(spec.MinOrderQuantity) {
		return nil, &types.ValidationError{
			Field: "quantity",
			Reason: fmt.Sprintf("%s below minimum %s for %s",
				quantity, spec.MinOrderQuantity, spec.Asset),
		}
	}

	full := quantity.Div(spec.MinOrderQuantity).IntPart()
	lower := spec.RoundQuantity(spec.MinOrderQuantity.Mul(decimal.NewFromInt(full)))
	upper := spec.RoundQuantity(spec.MinOrderQuantity.Mul(decimal.NewFromInt(full + 1)))
	remainder := spec.RoundQuantity(quantity.Sub(lower))

	chunks := make([]decimal.Decimal, full)
	for i := range chunks {
		chunks[i] = spec.MinOrderQuantity
	}

	return &types.ChunkPlan{
		Symbol:       spec.Asset,
		Requested:    quantity,
		Chunks:       chunks,
		HasRemainder: remainder.IsPositive(),
		Remainder:    remainder,
		LowerTotal:   lower,
		UpperTotal:   upper,
	}, nil
}

// Preview renders the plan for the CLI's final confirmation prompt.
func Preview(plan *types.ChunkPlan, spec *types.SymbolSpec, quote *types.ValidatedQuote) string {
	var b strings.Builder
	rule := strings.Repeat("=", 60)

	totalValue := plan.TotalQuantity().Mul(quote.SpotPrice)
	chunkValue := spec.MinOrderQuantity.Mul(quote.SpotPrice)

	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "CHUNK PREVIEW - %s\n", plan.Symbol)
	fmt.Fprintf(&b, "%s\n\n", rule)
	fmt.Fprintf(&b, "Total Quantity: %s %s\n", plan.TotalQuantity(), plan.Symbol)
	fmt.Fprintf(&b, "Total Value: $%s USD\n\n", totalValue.Round(2))
	fmt.Fprintf(&b, "Chunk Size: %s %s (~$%s per chunk)\n",
		spec.MinOrderQuantity, plan.Symbol, chunkValue.Round(2))
	fmt.Fprintf(&b, "Number of Chunks: %d\n\n", len(plan.Chunks))

	fmt.Fprintf(&b, "Chunk Distribution:\n")
	if len(plan.Chunks) <= 5 {
		for i, c := range plan.Chunks {
			fmt.Fprintf(&b, "  Chunk %d: %s %s\n", i+1, c, plan.Symbol)
		}
	} else {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&b, "  Chunk %d: %s %s\n", i+1, plan.Chunks[i], plan.Symbol)
		}
		fmt.Fprintf(&b, "  ... (%d more chunks)\n", len(plan.Chunks)-4)
		fmt.Fprintf(&b, "  Chunk %d: %s %s\n", len(plan.Chunks), plan.Chunks[len(plan.Chunks)-1], plan.Symbol)
	}

	fmt.Fprintf(&b, "\nSpot: $%s | Perp: $%s | Spread: %s%%\n",
		quote.SpotPrice, quote.PerpPrice, quote.SpreadPercent.Round(4))
	fmt.Fprintf(&b, "Total to Execute: %s %s\n", plan.TotalQuantity(), plan.Symbol)
	fmt.Fprintf(&b, "%s\n", rule)
	return b.String()
}
