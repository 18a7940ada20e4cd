package transform

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/operator-framework/usage-metering/pkg/metersource"
)

// Transformer converts one resource's samples for a window into billable
// volumes keyed by service. ok is false when the samples carry no usage.
type Transformer interface {
	Transform(service string, samples []metersource.Sample, start, end time.Time) (usage map[string]float64, ok bool)
}

// Config is what a Constructor gets from a meter mapping.
type Config struct {
	// Options are the transformer specific settings of the mapping.
	Options map[string]string
	// TrackedStates are the instance states billed as uptime.
	TrackedStates []string
	// KnownStates, when set, restricts uptime to samples whose state is
	// listed. Samples with any other state are ignored.
	KnownStates []string
	Cache       *FlavorCache
}

func (c Config) option(name, def string) string {
	if v, ok := c.Options[name]; ok {
		return v
	}
	return def
}

type Constructor func(cfg Config) (Transformer, error)

var constructors = map[string]Constructor{
	"uptime":         newUptime,
	"max":            newGaugeMax,
	"storagemax":     newStorageMax,
	"sum":            newGaugeSum,
	"fromimage":      newFromImage,
	"networkservice": newNetworkService,
}

// New builds the transformer registered under name.
func New(name string, cfg Config) (Transformer, error) {
	constructor, ok := constructors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown transformer %q, valid transformers are: %s", name, strings.Join(Names(), ", "))
	}
	if cfg.Cache == nil {
		cfg.Cache = NewFlavorCache(nil, nil)
	}
	return constructor(cfg)
}

// Names returns the registered transformer names, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func windowHours(start, end time.Time) float64 {
	return end.Sub(start).Hours()
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		out = append(out, strings.TrimSpace(item))
	}
	return out
}

func stringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = struct{}{}
	}
	return set
}
