package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func btcSpec() *SymbolSpec {
	return &SymbolSpec{
		Asset:             "BTC",
		SpotSymbol:        "BTCUSDT",
		PerpSymbol:        "B-BTC_USDT",
		QuantityPrecision: 6,
		PricePrecision:    1,
		TickSize:          decimal.NewFromFloat(0.1),
		MinOrderQuantity:  decimal.NewFromFloat(0.002),
		SpotMakerFee:      decimal.NewFromFloat(0.00065),
		PerpMakerFee:      decimal.NewFromFloat(0.0005),
	}
}

func TestSymbolSpec_Validate(t *testing.T) {
	require.NoError(t, btcSpec().Validate())

	spec := btcSpec()
	spec.Asset = ""
	require.Error(t, spec.Validate())

	spec = btcSpec()
	spec.PerpSymbol = ""
	require.Error(t, spec.Validate())

	spec = btcSpec()
	spec.TickSize = decimal.Zero
	require.Error(t, spec.Validate())

	spec = btcSpec()
	spec.MinOrderQuantity = decimal.NewFromInt(-1)
	require.Error(t, spec.Validate())

	spec = btcSpec()
	spec.SpotMakerFee = decimal.NewFromFloat(-0.001)
	require.Error(t, spec.Validate())
}

func TestSymbolSpec_MakerPriceAt(t *testing.T) {
	spec := btcSpec()
	quote := decimal.NewFromFloat(64250.1)

	require.True(t, spec.MakerPrice(quote, SideBuy).Equal(decimal.NewFromFloat(64250.0)),
		"buy improves one tick below the quote")
	require.True(t, spec.MakerPrice(quote, SideSell).Equal(decimal.NewFromFloat(64250.2)),
		"sell improves one tick above the quote")

	require.True(t, spec.MakerPriceAt(quote, SideBuy, 4).Equal(decimal.NewFromFloat(64249.7)))
	require.True(t, spec.MakerPriceAt(quote, SideSell, 4).Equal(decimal.NewFromFloat(64250.5)))
}

func TestSymbolSpec_MakerPriceAt_RoundsToPricePrecision(t *testing.T) {
	spec := btcSpec()
	// A quote with more decimals than the venue accepts.
	quote := decimal.NewFromFloat(64250.14)

	price := spec.MakerPrice(quote, SideBuy)
	require.True(t, price.Equal(decimal.NewFromFloat(64250.0)), "got %s", price)
}

func TestSymbolSpec_Rounding(t *testing.T) {
	spec := btcSpec()

	q := spec.RoundQuantity(decimal.NewFromFloat(0.1234567))
	require.True(t, q.Equal(decimal.NewFromFloat(0.123457)), "got %s", q)

	p := spec.RoundPrice(decimal.NewFromFloat(64250.14))
	require.True(t, p.Equal(decimal.NewFromFloat(64250.1)), "got %s", p)
}

func TestSymbolSpec_VenueSymbol(t *testing.T) {
	spec := btcSpec()
	require.Equal(t, "BTCUSDT", spec.VenueSymbol(VenueSpot))
	require.Equal(t, "B-BTC_USDT", spec.VenueSymbol(VenuePerp))
}
