package config

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/basisflow/hedge-engine/core/types"
)

// SymbolTable holds the tradable symbol specs. Quantity precision can be
// overridden at startup by the live precision fetch; reads return copies so
// callers never observe a half-applied override.
type SymbolTable struct {
	mu    sync.RWMutex
	specs map[string]*types.SymbolSpec
}

// DefaultSymbols returns the built-in symbol table.
func DefaultSymbols() *SymbolTable {
	return &SymbolTable{
		specs: map[string]*types.SymbolSpec{
			"BTC": {
				Asset:             "BTC",
				SpotSymbol:        "BTCUSDT",
				PerpSymbol:        "B-BTC_USDT",
				QuantityPrecision: 6,
				PricePrecision:    1,
				TickSize:          decimal.NewFromFloat(0.1),
				MinOrderQuantity:  decimal.NewFromFloat(0.002),
				SpotMakerFee:      decimal.NewFromFloat(0.00065),
				PerpMakerFee:      decimal.NewFromFloat(0.0005),
			},
			"ETH": {
				Asset:             "ETH",
				SpotSymbol:        "ETHUSDT",
				PerpSymbol:        "B-ETH_USDT",
				QuantityPrecision: 6,
				PricePrecision:    2,
				TickSize:          decimal.NewFromFloat(0.01),
				MinOrderQuantity:  decimal.NewFromFloat(0.008),
				SpotMakerFee:      decimal.NewFromFloat(0.00065),
				PerpMakerFee:      decimal.NewFromFloat(0.0005),
			},
		},
	}
}

// Get returns a copy of the symbol spec for the asset. Callers may
// mutate the copy freely; the table is only changed through overrides.
func (t *SymbolTable) Get(asset string) (*types.SymbolSpec, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	spec, ok := t.specs[asset]
	if !ok {
		return nil, errors.Errorf("unknown symbol %q", asset)
	}
	copied := *spec
	return &copied, nil
}

// Assets returns the configured asset names, sorted.
func (t *SymbolTable) Assets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	assets := make([]string, 0, len(t.specs))
	for asset := range t.specs {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// OverrideQuantityPrecision applies a live-fetched quantity precision.
func (t *SymbolTable) OverrideQuantityPrecision(asset string, precision int32) error {
	if precision < 0 {
		return errors.Errorf("precision must be non-negative, got %d", precision)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	spec, ok := t.specs[asset]
	if !ok {
		return errors.Errorf("unknown symbol %q", asset)
	}
	spec.QuantityPrecision = precision
	return nil
}
