package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/basisflow/hedge-engine/core/chunk"
	"github.com/basisflow/hedge-engine/core/config"
	"github.com/basisflow/hedge-engine/core/engine"
	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

var (
	errInputClosed    = errors.New("input closed")
	errTradeCancelled = errors.New("trade cancelled")
)

// console owns stdin. A single goroutine feeds lines into a channel so a
// pending prompt can still honor context cancellation.
type console struct {
	lines chan string
}

func newConsole(r io.Reader) *console {
	c := &console{lines: make(chan string)}
	go func() {
		defer close(c.lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
	}()
	return c
}

func (c *console) ask(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	select {
	case <-ctx.Done():
		fmt.Println()
		return "", ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return "", errInputClosed
		}
		return strings.TrimSpace(line), nil
	}
}

// confirmYes accepts only a literal "yes"; anything else declines.
func (c *console) confirmYes(ctx context.Context, prompt string) (bool, error) {
	answer, err := c.ask(ctx, prompt)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(answer, "yes"), nil
}

// session drives one interactive trade from symbol selection to execution.
type session struct {
	symbols *config.SymbolTable
	oracle  types.PriceOracle
	eng     *engine.Engine
	console *console
}

func (s *session) runTrade(ctx context.Context) error {
	rule := strings.Repeat("=", 60)
	fmt.Printf("\n%s\nDELTA-NEUTRAL HEDGE EXECUTION\n%s\n", rule, rule)

	spec, err := s.selectSymbol(ctx)
	if err != nil {
		return err
	}

	if err := s.checkSpread(ctx, spec); err != nil {
		return err
	}

	plan, err := s.promptQuantity(ctx, spec)
	if err != nil {
		return err
	}

	// Re-quote so the preview reflects prices after the prompts, not before.
	quote, err := s.oracle.ValidatedQuote(ctx, spec.Asset)
	if err != nil {
		return errors.Wrap(err, "refreshing quote for preview")
	}
	fmt.Print(chunk.Preview(plan, spec, quote))

	proceed, err := s.console.confirmYes(ctx, "\nProceed with trade? (yes/no): ")
	if err != nil {
		return err
	}
	if !proceed {
		return errTradeCancelled
	}

	result, err := s.eng.ExecuteTrade(ctx, engine.ExecuteTradeInput{Spec: spec, Plan: plan})
	if result != nil && result.ChunksCompleted > 0 && err != nil {
		fmt.Printf("\n%d/%d chunks completed before the failure; completed chunks remain hedged.\n",
			result.ChunksCompleted, result.ChunksTotal)
	}
	if err != nil {
		return err
	}

	fmt.Printf("\n%s\nTRADE COMPLETED\n%s\n", rule, rule)
	fmt.Printf("Chunk group: %s\n", result.ChunkGroup)
	fmt.Printf("Chunks completed: %d/%d\n", result.ChunksCompleted, result.ChunksTotal)
	return nil
}

func (s *session) selectSymbol(ctx context.Context) (*types.SymbolSpec, error) {
	assets := s.symbols.Assets()
	fmt.Println("\nAvailable symbols:")
	for i, asset := range assets {
		fmt.Printf("  %d. %s\n", i+1, asset)
	}

	for {
		answer, err := s.console.ask(ctx, fmt.Sprintf("\nSelect symbol (1-%d): ", len(assets)))
		if err != nil {
			return nil, err
		}
		idx, err := strconv.Atoi(answer)
		if err != nil || idx < 1 || idx > len(assets) {
			fmt.Printf("Please enter a number between 1 and %d\n", len(assets))
			continue
		}
		return s.symbols.Get(assets[idx-1])
	}
}

// checkSpread validates the spread before any quantity is asked for. A spread
// above the configured maximum needs an explicit override; the engine still
// re-checks before every chunk.
func (s *session) checkSpread(ctx context.Context, spec *types.SymbolSpec) error {
	rule := strings.Repeat("-", 60)
	fmt.Printf("\n%s\nChecking current spread...\n%s\n", rule, rule)

	quote, err := s.oracle.ValidatedQuote(ctx, spec.Asset)
	if err != nil {
		return errors.Wrap(err, "checking spread")
	}

	fmt.Printf("Spot: $%s | Perp: $%s | Spread: %s%%\n",
		quote.SpotPrice, quote.PerpPrice, quote.SpreadPercent.Round(4))

	if quote.SpreadWarning == "" {
		return nil
	}

	fmt.Printf("\nWARNING: %s\n", quote.SpreadWarning)
	override, err := s.console.confirmYes(ctx, "Continue anyway? This is risky! (yes/no): ")
	if err != nil {
		return err
	}
	if !override {
		return errTradeCancelled
	}
	fmt.Println("Proceeding with wide spread (user override)")
	return nil
}

// promptQuantity asks for the trade quantity until it chunks cleanly. A
// remainder puts the choice to the user: the nearest valid totals on either
// side, a fresh entry, or cancel.
func (s *session) promptQuantity(ctx context.Context, spec *types.SymbolSpec) (*types.ChunkPlan, error) {
	for {
		answer, err := s.console.ask(ctx, fmt.Sprintf("\nEnter total quantity in %s (min %s): ",
			spec.Asset, spec.MinOrderQuantity))
		if err != nil {
			return nil, err
		}

		quantity, err := util.ParseDecimal(answer)
		if err != nil {
			fmt.Printf("Invalid quantity: %v\n", err)
			continue
		}

		plan, err := chunk.Plan(spec, quantity)
		if err != nil {
			if types.IsValidationError(err) {
				fmt.Printf("Invalid quantity: %v\n", err)
				continue
			}
			return nil, err
		}
		if !plan.HasRemainder {
			return plan, nil
		}

		plan, err = s.resolveRemainder(ctx, spec, plan)
		if err != nil {
			return nil, err
		}
		if plan != nil {
			return plan, nil
		}
		// nil plan means re-enter.
	}
}

// resolveRemainder runs the remainder dialogue. It returns the chosen plan, a
// nil plan when the user wants to re-enter the quantity, or an error.
func (s *session) resolveRemainder(ctx context.Context, spec *types.SymbolSpec, plan *types.ChunkPlan) (*types.ChunkPlan, error) {
	lowerChunks := len(plan.Chunks)
	fmt.Printf("\nWARNING: remainder of %s %s cannot be traded (chunk size %s %s)\n",
		plan.Remainder, spec.Asset, spec.MinOrderQuantity, spec.Asset)
	fmt.Println("\nOptions:")
	fmt.Printf("  1. Trade %s %s (%d chunks)\n", plan.LowerTotal, spec.Asset, lowerChunks)
	fmt.Printf("  2. Trade %s %s (%d chunks)\n", plan.UpperTotal, spec.Asset, lowerChunks+1)
	fmt.Println("  3. Enter a different quantity")
	fmt.Println("  4. Cancel")

	for {
		answer, err := s.console.ask(ctx, "\nSelect option (1-4): ")
		if err != nil {
			return nil, err
		}
		switch answer {
		case "1":
			return chunk.Plan(spec, plan.LowerTotal)
		case "2":
			return chunk.Plan(spec, plan.UpperTotal)
		case "3":
			return nil, nil
		case "4":
			return nil, errTradeCancelled
		default:
			fmt.Println("Please enter a number between 1 and 4")
		}
	}
}
