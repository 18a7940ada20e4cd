package rating

import (
	"fmt"
	"math"
	"strings"
)

const (
	UnitByte     = "byte"
	UnitGigabyte = "gigabyte"
	UnitSecond   = "second"
	UnitHour     = "hour"
)

const bytesPerGigabyte = 1024 * 1024 * 1024

var unitAliases = map[string]string{
	"b":         UnitByte,
	"bytes":     UnitByte,
	"gb":        UnitGigabyte,
	"gigabytes": UnitGigabyte,
	"s":         UnitSecond,
	"seconds":   UnitSecond,
	"h":         UnitHour,
	"hours":     UnitHour,
}

type unitPair struct {
	from, to string
}

var conversions = map[unitPair]func(float64) float64{
	{UnitByte, UnitGigabyte}: func(v float64) float64 { return v / bytesPerGigabyte },
	{UnitGigabyte, UnitByte}: func(v float64) float64 { return v * bytesPerGigabyte },
	// usage is billed per started hour
	{UnitSecond, UnitHour}: func(v float64) float64 { return math.Ceil(v / 3600) },
	{UnitHour, UnitSecond}: func(v float64) float64 { return v * 3600 },
}

// NormalizeUnit maps unit spellings such as "GB" or "hours" to their
// canonical name.
func NormalizeUnit(unit string) string {
	unit = strings.ToLower(strings.TrimSpace(unit))
	if canonical, ok := unitAliases[unit]; ok {
		return canonical
	}
	return unit
}

// ConvertUnit converts volume from one unit to another.
func ConvertUnit(volume float64, from, to string) (float64, error) {
	from, to = NormalizeUnit(from), NormalizeUnit(to)
	if from == to {
		return volume, nil
	}
	convert, ok := conversions[unitPair{from, to}]
	if !ok {
		return 0, fmt.Errorf("no conversion from %q to %q", from, to)
	}
	return convert(volume), nil
}
