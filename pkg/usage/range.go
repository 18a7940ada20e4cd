package usage

import (
	"fmt"
	"strconv"
	"time"
)

// Range is a half-open [Start, End) period of time.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseUnixRange takes 2 strings containing representations of integer Unix
// timestamps.
func ParseUnixRange(startStr, endStr string) (Range, error) {
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("couldn't parse start of range '%s': %v", startStr, err)
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("couldn't parse end of range '%s': %v", endStr, err)
	}

	return Range{
		Start: time.Unix(start, 0).UTC(),
		End:   time.Unix(end, 0).UTC(),
	}, nil
}

// Length is the duration covered by the range.
func (r Range) Length() time.Duration {
	return r.End.Sub(r.Start)
}

// Within returns true if t falls inside [Start, End).
func (r Range) Within(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Overlaps reports whether the two half-open ranges share any instant.
// Ranges that only touch at a boundary do not overlap.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// String returns a human readable representation of a range.
func (r Range) String() string {
	return fmt.Sprintf("Range[%s to %s]", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// MonthStart returns midnight UTC of the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
