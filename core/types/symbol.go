package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolSpec holds the static trading parameters for one asset across both
// venues. QuantityPrecision may be overridden at startup by a live precision
// fetch; everything else is fixed.
type SymbolSpec struct {
	Asset             string          // short name, e.g. "BTC"
	SpotSymbol        string          // spot venue instrument, e.g. "BTCUSDT"
	PerpSymbol        string          // perp venue instrument, e.g. "B-BTC_USDT"
	QuantityPrecision int32           // decimal places for order quantities
	PricePrecision    int32           // decimal places for limit prices
	TickSize          decimal.Decimal // minimum price increment
	MinOrderQuantity  decimal.Decimal // venue minimum order size in base asset
	SpotMakerFee      decimal.Decimal // fraction, e.g. 0.00065
	PerpMakerFee      decimal.Decimal // fraction, e.g. 0.0005
}

// Validate checks if the SymbolSpec is internally consistent.
func (s *SymbolSpec) Validate() error {
	if s.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if s.SpotSymbol == "" || s.PerpSymbol == "" {
		return fmt.Errorf("both venue symbols are required for %s", s.Asset)
	}
	if s.QuantityPrecision < 0 {
		return fmt.Errorf("quantity_precision must be non-negative, got %d", s.QuantityPrecision)
	}
	if s.PricePrecision < 0 {
		return fmt.Errorf("price_precision must be non-negative, got %d", s.PricePrecision)
	}
	if !s.TickSize.IsPositive() {
		return fmt.Errorf("tick_size must be positive, got %s", s.TickSize)
	}
	if !s.MinOrderQuantity.IsPositive() {
		return fmt.Errorf("min_order_quantity must be positive, got %s", s.MinOrderQuantity)
	}
	if s.SpotMakerFee.IsNegative() || s.PerpMakerFee.IsNegative() {
		return fmt.Errorf("maker fees must be non-negative")
	}
	return nil
}

// VenueSymbol returns the instrument identifier for the given venue.
func (s *SymbolSpec) VenueSymbol(v Venue) string {
	if v == VenuePerp {
		return s.PerpSymbol
	}
	return s.SpotSymbol
}

// MakerPrice computes a limit price one tick inside the quote on the given
// side (buy below, sell above), rounded to the symbol's price precision.
func (s *SymbolSpec) MakerPrice(quote decimal.Decimal, side Side) decimal.Decimal {
	return s.MakerPriceAt(quote, side, 1)
}

// MakerPriceAt is MakerPrice widened to n ticks. The placement retry ladder
// and the naked-position resolver use n > 1.
func (s *SymbolSpec) MakerPriceAt(quote decimal.Decimal, side Side, ticks int64) decimal.Decimal {
	offset := s.TickSize.Mul(decimal.NewFromInt(ticks))
	if side == SideBuy {
		return quote.Sub(offset).Round(s.PricePrecision)
	}
	return quote.Add(offset).Round(s.PricePrecision)
}

// RoundQuantity rounds a quantity to the symbol's quantity precision.
func (s *SymbolSpec) RoundQuantity(q decimal.Decimal) decimal.Decimal {
	return q.Round(s.QuantityPrecision)
}

// RoundPrice rounds a price to the symbol's price precision.
func (s *SymbolSpec) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(s.PricePrecision)
}
