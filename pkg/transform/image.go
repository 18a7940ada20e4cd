package transform

import (
	"fmt"
	"strconv"
	"time"

	"github.com/operator-framework/usage-metering/pkg/metersource"
)

var (
	DefaultImageKeys  = []string{"image_ref", "image.id"}
	DefaultNoneValues = []string{"None", ""}
	DefaultSizeKeys   = []string{"root_gb", "disk_gb"}
)

// FromImage bills the root disk of instances booted from an image. An
// instance whose image key holds a none value was booted from a volume, and
// that volume is billed by its own meter instead.
type FromImage struct {
	service    string
	imageKeys  []string
	noneValues map[string]struct{}
	sizeKeys   []string
}

func newFromImage(cfg Config) (Transformer, error) {
	service := cfg.option("service", "")
	if service == "" {
		return nil, fmt.Errorf("fromimage transformer requires the service option")
	}
	t := &FromImage{
		service:    service,
		imageKeys:  DefaultImageKeys,
		noneValues: make(map[string]struct{}),
		sizeKeys:   DefaultSizeKeys,
	}
	if keys, ok := cfg.Options["md_keys"]; ok {
		t.imageKeys = splitList(keys)
	}
	if keys, ok := cfg.Options["size_keys"]; ok {
		t.sizeKeys = splitList(keys)
	}
	noneValues := DefaultNoneValues
	if values, ok := cfg.Options["none_values"]; ok {
		noneValues = splitList(values)
	}
	// none values are matched exactly, "None" and "none" differ
	for _, v := range noneValues {
		t.noneValues[v] = struct{}{}
	}
	return t, nil
}

func (t *FromImage) Transform(service string, samples []metersource.Sample, start, end time.Time) (map[string]float64, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	var size float64
	for _, s := range samples {
		// only the first image key present on a sample is consulted
		for _, key := range t.imageKeys {
			v, ok := s.Metadata[key]
			if !ok {
				continue
			}
			if _, isNone := t.noneValues[v]; isNone {
				return nil, false
			}
			break
		}
		for _, key := range t.sizeKeys {
			v, ok := s.Metadata[key]
			if !ok {
				continue
			}
			if gb, err := strconv.ParseFloat(v, 64); err == nil && gb > size {
				size = gb
			}
			break
		}
	}
	return map[string]float64{t.service: size * windowHours(start, end)}, true
}
