package helpers

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFlagsFromEnv(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	storeDriver := fs.String("store-driver", "memory", "")
	concurrency := fs.Int("concurrency", 4, "")
	apiAddr := fs.String("api-listen", ":8080", "")
	require.NoError(t, fs.Parse([]string{"--api-listen=:9090"}))

	env := map[string]string{
		"USAGE_METERING_STORE_DRIVER": "postgres",
		"USAGE_METERING_CONCURRENCY":  "8",
		// flags set on the command line win
		"USAGE_METERING_API_LISTEN": ":7070",
	}
	for k, v := range env {
		os.Setenv(k, v)
		defer os.Unsetenv(k)
	}

	require.NoError(t, SetFlagsFromEnv(fs, "USAGE_METERING"))
	assert.Equal(t, "postgres", *storeDriver)
	assert.Equal(t, 8, *concurrency)
	assert.Equal(t, ":9090", *apiAddr)
}

func TestSetFlagsFromEnv_InvalidValue(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("concurrency", 4, "")
	os.Setenv("USAGE_METERING_CONCURRENCY", "many")
	defer os.Unsetenv("USAGE_METERING_CONCURRENCY")

	err := SetFlagsFromEnv(fs, "USAGE_METERING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USAGE_METERING_CONCURRENCY")
}

func TestParseTimestamp(t *testing.T) {
	tests := map[string]struct {
		value       string
		expected    time.Time
		expectError bool
	}{
		"empty": {},
		"utc": {
			value:    "2020-03-01T00:00:00Z",
			expected: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		"offset": {
			value:    "2020-03-01T02:00:00+02:00",
			expected: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		"not RFC3339": {
			value:       "2020-03-01",
			expectError: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseTimestamp("dawn-of-time", test.value)
			if test.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "--dawn-of-time")
				return
			}
			require.NoError(t, err)
			assert.True(t, test.expected.Equal(got), "expected %s, got %s", test.expected, got)
		})
	}
}
