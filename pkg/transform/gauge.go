package transform

import (
	"time"

	"github.com/operator-framework/usage-metering/pkg/metersource"
)

// GaugeMax bills the highest observed volume for the whole window. Samples
// without a volume count as zero.
type GaugeMax struct{}

func newGaugeMax(Config) (Transformer, error) {
	return GaugeMax{}, nil
}

func (GaugeMax) Transform(service string, samples []metersource.Sample, start, end time.Time) (map[string]float64, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	return map[string]float64{service: maxValue(samples, nil) * windowHours(start, end)}, true
}

const DefaultVolumeTypeKey = "volume_type"

// StorageMax is GaugeMax with the service chosen by the volume type of the
// latest sample, so that storage classes are billed separately.
type StorageMax struct {
	volumeTypeKey string
	cache         *FlavorCache
}

func newStorageMax(cfg Config) (Transformer, error) {
	return &StorageMax{
		volumeTypeKey: cfg.option("volume_type_key", DefaultVolumeTypeKey),
		cache:         cfg.Cache,
	}, nil
}

func (t *StorageMax) Transform(service string, samples []metersource.Sample, start, end time.Time) (map[string]float64, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	latest := samples[0]
	for _, s := range samples[1:] {
		if !s.Timestamp.Before(latest.Timestamp) {
			latest = s
		}
	}
	if volumeType, ok := latest.Metadata[t.volumeTypeKey]; ok {
		if mapped, ok := t.cache.VolumeTypeService(volumeType); ok {
			service = mapped
		}
	}
	return map[string]float64{service: maxValue(samples, nil) * windowHours(start, end)}, true
}

// GaugeSum adds up per-interval deltas reported inside the window.
type GaugeSum struct{}

func newGaugeSum(Config) (Transformer, error) {
	return GaugeSum{}, nil
}

func (GaugeSum) Transform(service string, samples []metersource.Sample, start, end time.Time) (map[string]float64, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	var sum float64
	for _, s := range samples {
		if !s.Timestamp.Before(start) && s.Timestamp.Before(end) {
			sum += s.Value()
		}
	}
	return map[string]float64{service: sum}, true
}

// NetworkService bills network services whose volume is a status flag:
// 0 is inactive, 1 is active and anything from 2 up is a transitional state
// that must not be billed.
type NetworkService struct{}

func newNetworkService(Config) (Transformer, error) {
	return NetworkService{}, nil
}

func (NetworkService) Transform(service string, samples []metersource.Sample, start, end time.Time) (map[string]float64, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	active := maxValue(samples, func(v float64) bool { return v < 2 })
	return map[string]float64{service: active * windowHours(start, end)}, true
}

// maxValue is the largest sample value accepted by keep, or 0.
func maxValue(samples []metersource.Sample, keep func(float64) bool) float64 {
	var max float64
	found := false
	for _, s := range samples {
		v := s.Value()
		if keep != nil && !keep(v) {
			continue
		}
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max
}
