package metersource

import (
	"context"
	"sort"
	"time"
)

// Sample is a single raw telemetry observation for one resource.
type Sample struct {
	ResourceID string            `json:"resourceID"`
	Source     string            `json:"source"`
	Timestamp  time.Time         `json:"timestamp"`
	Volume     *float64          `json:"volume"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Value returns the sample's volume, treating a missing volume as zero.
func (s Sample) Value() float64 {
	if s.Volume == nil {
		return 0
	}
	return *s.Volume
}

//go:generate mockgen -destination=mock/mock_source.go -package=mock github.com/operator-framework/usage-metering/pkg/metersource Source

// Source fetches the raw samples of one meter for a project.
type Source interface {
	// GetMeter returns the samples recorded between start and end, sorted
	// ascending by timestamp.
	GetMeter(ctx context.Context, projectID, meter string, start, end time.Time) ([]Sample, error)
}

// SortSamples sorts samples by timestamp, keeping the original order of
// samples sharing a timestamp.
func SortSamples(samples []Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}

// Float returns a pointer to v, for building samples.
func Float(v float64) *float64 {
	return &v
}
