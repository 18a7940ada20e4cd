package transform

import (
	"strings"
	"time"

	"github.com/operator-framework/usage-metering/pkg/metersource"
)

var DefaultTrackedStates = []string{
	"active",
	"paused",
	"rescue",
	"rescued",
	"resize",
	"resized",
	"verify_resize",
}

const (
	DefaultStatusKey     = "status"
	DefaultFlavorKey     = "flavor"
	DefaultFlavorNameKey = "flavor_name"
)

// Uptime credits the seconds an instance spent in a tracked state to the
// flavor it was running as. Time before the first sample inside the window
// is only credited when an earlier sample shows the instance was tracked.
// Samples carrying a flavor name teach it to the cache, so later samples with
// only the flavor id still resolve.
type Uptime struct {
	tracked       map[string]struct{}
	known         map[string]struct{}
	statusKey     string
	flavorKey     string
	flavorNameKey string
	cache         *FlavorCache
}

func newUptime(cfg Config) (Transformer, error) {
	tracked := cfg.TrackedStates
	if len(tracked) == 0 {
		tracked = DefaultTrackedStates
	}
	u := &Uptime{
		tracked:   stringSet(tracked),
		statusKey:     cfg.option("status_key", DefaultStatusKey),
		flavorKey:     cfg.option("flavor_key", DefaultFlavorKey),
		flavorNameKey: cfg.option("flavor_name_key", DefaultFlavorNameKey),
		cache:         cfg.Cache,
	}
	if len(cfg.KnownStates) != 0 {
		u.known = stringSet(cfg.KnownStates)
	}
	return u, nil
}

func (u *Uptime) status(s metersource.Sample) string {
	return strings.ToLower(s.Metadata[u.statusKey])
}

func (u *Uptime) isTracked(s metersource.Sample) bool {
	_, ok := u.tracked[u.status(s)]
	return ok
}

func (u *Uptime) flavor(service string, s metersource.Sample) string {
	id, ok := s.Metadata[u.flavorKey]
	if !ok || id == "" {
		return service
	}
	if name := s.Metadata[u.flavorNameKey]; name != "" {
		u.cache.SetFlavor(id, name)
		return name
	}
	return u.cache.FlavorName(id)
}

func (u *Uptime) Transform(service string, samples []metersource.Sample, start, end time.Time) (map[string]float64, bool) {
	state := make([]metersource.Sample, 0, len(samples))
	for _, s := range samples {
		if !s.Timestamp.Before(end) {
			continue
		}
		if u.known != nil {
			if _, ok := u.known[u.status(s)]; !ok {
				continue
			}
		}
		state = append(state, s)
	}
	if len(state) == 0 {
		return nil, false
	}
	metersource.SortSamples(state)

	usage := make(map[string]float64)
	credit := func(s metersource.Sample, d time.Duration) {
		if d > 0 {
			usage[u.flavor(service, s)] += d.Seconds()
		}
	}

	lastTimestamp := start
	seenInWindow := false
	if !state[0].Timestamp.Before(start) {
		lastTimestamp = state[0].Timestamp
		seenInWindow = true
	}

	for i := 1; i < len(state); i++ {
		prev, cur := state[i-1], state[i]
		if u.isTracked(prev) && cur.Timestamp.After(lastTimestamp) {
			credit(prev, cur.Timestamp.Sub(lastTimestamp))
		}
		if cur.Timestamp.After(lastTimestamp) {
			lastTimestamp = cur.Timestamp
		}
		if !cur.Timestamp.Before(start) {
			seenInWindow = true
		}
	}

	last := state[len(state)-1]
	if seenInWindow && u.isTracked(last) {
		credit(last, end.Sub(lastTimestamp))
	}

	if len(usage) == 0 {
		return nil, false
	}
	return usage, true
}
