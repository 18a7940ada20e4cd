package rating

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertUnit(t *testing.T) {
	tests := map[string]struct {
		volume   float64
		from, to string
		expected float64
	}{
		"identity":           {volume: 42, from: "hour", to: "hour", expected: 42},
		"aliases are equal":  {volume: 42, from: "GB", to: "gigabyte", expected: 42},
		"bytes to gigabytes": {volume: 3 * 1024 * 1024 * 1024, from: "byte", to: "gigabyte", expected: 3},
		"gigabytes to bytes": {volume: 0.5, from: "gigabyte", to: "byte", expected: 512 * 1024 * 1024},
		"full hour":          {volume: 3600, from: "second", to: "hour", expected: 1},
		"started hour":       {volume: 3601, from: "second", to: "hour", expected: 2},
		"partial hour":       {volume: 1800, from: "s", to: "h", expected: 1},
		"zero seconds":       {volume: 0, from: "second", to: "hour", expected: 0},
		"hours to seconds":   {volume: 2, from: "hours", to: "seconds", expected: 7200},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ConvertUnit(test.volume, test.from, test.to)
			require.NoError(t, err)
			assert.InDelta(t, test.expected, got, 1e-9)
		})
	}
}

func TestConvertUnit_Unknown(t *testing.T) {
	_, err := ConvertUnit(1, "byte", "hour")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"byte" to "hour"`)
}

func TestConvertUnit_RoundTrip(t *testing.T) {
	for _, x := range []float64{0, 1, 1024, 5.5 * 1024 * 1024 * 1024, 1e12} {
		gb, err := ConvertUnit(x, UnitByte, UnitGigabyte)
		require.NoError(t, err)
		back, err := ConvertUnit(gb, UnitGigabyte, UnitByte)
		require.NoError(t, err)
		assert.InDelta(t, x, back, 1e-3)
	}

	for _, x := range []float64{0, 3600, 7200, 36000} {
		h, err := ConvertUnit(x, UnitSecond, UnitHour)
		require.NoError(t, err)
		back, err := ConvertUnit(h, UnitHour, UnitSecond)
		require.NoError(t, err)
		assert.Equal(t, x, back)
	}

	// a started hour is billed in full
	for _, x := range []float64{1, 1799, 3599} {
		h, err := ConvertUnit(x, UnitSecond, UnitHour)
		require.NoError(t, err)
		back, err := ConvertUnit(h, UnitHour, UnitSecond)
		require.NoError(t, err)
		assert.True(t, back >= x && back-x < 3600)
	}
}
