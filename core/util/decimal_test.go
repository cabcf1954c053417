package util

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	d, err := ParseDecimal("64250.1")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.NewFromFloat(64250.1)))

	d, err = ParseDecimal("")
	require.NoError(t, err)
	require.True(t, d.IsZero(), "empty venue field parses as zero")

	_, err = ParseDecimal("1.2.3")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid decimal")
}

func TestMustDecimal_PanicsOnMalformedLiteral(t *testing.T) {
	require.True(t, MustDecimal("0.002").Equal(decimal.NewFromFloat(0.002)))
	require.Panics(t, func() { MustDecimal("nope") })
}

func TestSpreadPercent(t *testing.T) {
	spread, err := SpreadPercent(decimal.NewFromInt(64000), decimal.NewFromInt(64032))
	require.NoError(t, err)
	require.True(t, spread.Equal(decimal.NewFromFloat(0.05)), "spread %s", spread)

	// Direction does not matter; the spread is absolute.
	spread, err = SpreadPercent(decimal.NewFromInt(64000), decimal.NewFromInt(63968))
	require.NoError(t, err)
	require.True(t, spread.Equal(decimal.NewFromFloat(0.05)), "spread %s", spread)

	_, err = SpreadPercent(decimal.Zero, decimal.NewFromInt(64000))
	require.Error(t, err)
}

func TestTransformOrNil(t *testing.T) {
	toString := func(d decimal.Decimal) any { return d.String() }

	require.Nil(t, TransformOrNil[decimal.Decimal](nil, toString))

	v := decimal.NewFromFloat(0.002)
	require.Equal(t, "0.002", TransformOrNil(&v, toString))
}

func TestPtr(t *testing.T) {
	p := Ptr(42)
	require.NotNil(t, p)
	require.Equal(t, 42, *p)
}
