package collector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/usage-metering/pkg/metersource"
	"github.com/operator-framework/usage-metering/pkg/transform"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

const (
	DefaultWindow         = time.Hour
	defaultReleaseTimeout = 10 * time.Second
)

type Options struct {
	// Window is the size of a collection window, windows are aligned to it.
	Window time.Duration
	// MaxWindowsPerCycle caps the windows one cycle collects, 0 is unlimited.
	MaxWindowsPerCycle int
	// CycleTimeout bounds a whole cycle. It must stay below the store's lock
	// TTL, otherwise a slow cycle could lose its lock to another collector.
	CycleTimeout time.Duration
	// MeterTimeout bounds every meter source call.
	MeterTimeout time.Duration
	// Owner identifies this collector in project locks.
	Owner string
}

type meter struct {
	MeterMapping
	transformer transform.Transformer
	resIDTpl    *template.Template
	rules       []compiledRule
}

// Collector advances the watermark of a project window by window, turning
// the raw samples of every configured meter into usage entries.
type Collector struct {
	logger  logrus.FieldLogger
	store   usage.Store
	source  metersource.Source
	clock   clock.Clock
	opts    Options
	meters  []*meter
	trusted []*regexp.Regexp
}

// CycleResult describes what one CollectProject call did.
type CycleResult struct {
	ProjectID string `json:"projectID"`
	// Skipped is set when another collector holds the project's lock.
	Skipped       bool          `json:"skipped"`
	Windows       []usage.Range `json:"windows"`
	Entries       int           `json:"entries"`
	LastCollected time.Time     `json:"lastCollected"`
}

func New(logger logrus.FieldLogger, store usage.Store, source metersource.Source, clock clock.Clock, cfg *Config, cache *transform.FlavorCache, opts Options) (*Collector, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Owner == "" {
		opts.Owner = uuid.New().String()
	}
	if cache == nil {
		cache = transform.NewFlavorCache(cfg.Flavors, cfg.VolumeTypes)
	}

	c := &Collector{
		logger: logger.WithField("component", "collector"),
		store:  store,
		source: source,
		clock:  clock,
		opts:   opts,
	}
	for _, pattern := range cfg.TrustedSources {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted source %q: %v", pattern, err)
		}
		c.trusted = append(c.trusted, re)
	}
	for _, mapping := range cfg.Meters {
		m, err := compileMeter(mapping, cfg, cache)
		if err != nil {
			return nil, fmt.Errorf("meter %s: %v", mapping.Meter, err)
		}
		c.meters = append(c.meters, m)
	}
	return c, nil
}

func compileMeter(mapping MeterMapping, cfg *Config, cache *transform.FlavorCache) (*meter, error) {
	transformer, err := transform.New(mapping.Transformer, transform.Config{
		Options:       mapping.Options,
		TrackedStates: cfg.TrackedStates,
		KnownStates:   cfg.KnownStates,
		Cache:         cache,
	})
	if err != nil {
		return nil, err
	}
	m := &meter{
		MeterMapping: mapping,
		transformer:  transformer,
	}
	if mapping.ResIDTemplate != "" {
		if m.resIDTpl, err = newTemplate("res_id_template", mapping.ResIDTemplate); err != nil {
			return nil, err
		}
	}
	for _, rule := range mapping.Metadata {
		compiled := compiledRule{MetadataRule: rule}
		if rule.Template != "" {
			if compiled.tpl, err = newTemplate(rule.Name, rule.Template); err != nil {
				return nil, err
			}
		}
		m.rules = append(m.rules, compiled)
	}
	return m, nil
}

// Windows partitions [lastCollected, now) into windows of size that end on a
// multiple of size. The window still in progress at now is never returned.
func Windows(lastCollected, now time.Time, size time.Duration, max int) []usage.Range {
	var windows []usage.Range
	end := now.UTC().Truncate(size)
	start := lastCollected.UTC()
	for max <= 0 || len(windows) < max {
		windowEnd := start.Truncate(size).Add(size)
		if windowEnd.After(end) {
			break
		}
		windows = append(windows, usage.Range{Start: start, End: windowEnd})
		start = windowEnd
	}
	return windows
}

// CollectProject runs one collection cycle for a project. A project whose
// lock is held elsewhere is skipped without error. On failure the watermark
// stays at the end of the last committed window.
func (c *Collector) CollectProject(ctx context.Context, project ProjectRef) (*CycleResult, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"project":     project.ID,
		"projectName": project.Name,
	})
	result := &CycleResult{ProjectID: project.ID}

	collectorRunningCyclesGauge.Inc()
	defer collectorRunningCyclesGauge.Dec()
	cycleStart := c.clock.Now()
	outcome := resultSuccess
	defer func() {
		collectorCyclesCounter.WithLabelValues(outcome).Inc()
		collectorCycleDurationHistogram.WithLabelValues(outcome).Observe(c.clock.Since(cycleStart).Seconds())
	}()

	if c.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CycleTimeout)
		defer cancel()
	}

	now := c.clock.Now().UTC()
	err := usage.WithProjectLock(ctx, c.store, project.ID, c.opts.Owner, now, defaultReleaseTimeout, func(ctx context.Context) error {
		return c.collect(ctx, logger, project, now, result)
	})
	switch {
	case errors.Is(err, usage.ErrLockHeld):
		outcome = resultSkipped
		logger.Debugf("project is locked by another collector, skipping")
		result.Skipped = true
		return result, nil
	case err != nil:
		outcome = resultFailed
		return result, err
	}
	return result, nil
}

func (c *Collector) collect(ctx context.Context, logger logrus.FieldLogger, ref ProjectRef, now time.Time, result *CycleResult) error {
	name := ref.Name
	if name == "" {
		name = ref.ID
	}
	project, err := c.store.UpsertProject(ctx, ref.ID, name, ref.Metadata, now)
	if err != nil {
		logger.WithError(err).Error("unable to load project")
		return err
	}
	result.LastCollected = project.LastCollected

	windows := Windows(project.LastCollected, now, c.opts.Window, c.opts.MaxWindowsPerCycle)
	if len(windows) == 0 {
		logger.Debugf("project already collected up to %s", project.LastCollected)
		return nil
	}
	logger.Debugf("collecting %d windows from %s", len(windows), project.LastCollected)

	for _, window := range windows {
		// check for cancellation
		select {
		case <-ctx.Done():
			logger.Infof("collection cancelled, stopping before window %s", window)
			return ctx.Err()
		default:
		}

		windowLogger := logger.WithFields(logrus.Fields{
			"windowStart": window.Start,
			"windowEnd":   window.End,
		})
		resources, entries, err := c.collectWindow(ctx, windowLogger, project.ID, window, now)
		if err != nil {
			windowLogger.WithError(err).Error("error collecting window, stopping cycle")
			return err
		}
		if err := c.store.CommitWindow(ctx, project.ID, resources, entries, window.End); err != nil {
			windowLogger.WithError(err).Error("error storing window, stopping cycle")
			return err
		}

		collectorWindowsCollectedCounter.Inc()
		collectorEntriesStoredCounter.Add(float64(len(entries)))
		result.Windows = append(result.Windows, window)
		result.Entries += len(entries)
		result.LastCollected = window.End
		windowLogger.Debugf("stored %d usage entries", len(entries))
	}
	return nil
}

// collectWindow stages the resources and usage of every meter for one
// window. Nothing is written to the store here, the caller commits the whole
// window at once.
func (c *Collector) collectWindow(ctx context.Context, logger logrus.FieldLogger, projectID string, window usage.Range, now time.Time) ([]usage.ResourceUpdate, []usage.UsageEntry, error) {
	var (
		resources []usage.ResourceUpdate
		entries   []usage.UsageEntry
	)
	for _, m := range c.meters {
		samples, err := c.getMeter(ctx, projectID, m, window)
		if err != nil {
			return nil, nil, err
		}

		groups, err := c.groupByResource(m, samples)
		if err != nil {
			return nil, nil, err
		}
		resourceIDs := make([]string, 0, len(groups))
		for id := range groups {
			resourceIDs = append(resourceIDs, id)
		}
		sort.Strings(resourceIDs)

		for _, resourceID := range resourceIDs {
			group := groups[resourceID]
			volumes, ok := m.transformer.Transform(m.Service, group, window.Start, window.End)
			if !ok || len(volumes) == 0 {
				continue
			}

			metadata, err := m.extractMetadata(resourceID, group[len(group)-1])
			if err != nil {
				return nil, nil, fmt.Errorf("meter %s resource %s: %v", m.Meter, resourceID, err)
			}
			resources = append(resources, usage.ResourceUpdate{
				ID:       resourceID,
				Type:     m.Type,
				Metadata: metadata,
				SeenAt:   now,
			})

			services := make([]string, 0, len(volumes))
			for service := range volumes {
				services = append(services, service)
			}
			sort.Strings(services)
			for _, service := range services {
				entries = append(entries, usage.UsageEntry{
					ProjectID:  projectID,
					ResourceID: resourceID,
					Service:    service,
					Unit:       m.Unit,
					Volume:     volumes[service],
					Start:      window.Start,
					End:        window.End,
					CreatedAt:  now,
				})
			}
		}
		logger.WithField("meter", m.Meter).Debugf("transformed %d samples of %d resources", len(samples), len(groups))
	}
	return resources, entries, nil
}

func (c *Collector) getMeter(ctx context.Context, projectID string, m *meter, window usage.Range) ([]metersource.Sample, error) {
	labels := prometheus.Labels{"meter": m.Meter, "service": m.Service}
	if c.opts.MeterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.MeterTimeout)
		defer cancel()
	}

	queryStart := c.clock.Now()
	samples, err := c.source.GetMeter(ctx, projectID, m.Meter, window.Start, window.End)
	collectorMeterQueryDurationHistogram.With(labels).Observe(c.clock.Since(queryStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("unable to get meter %s: %w", m.Meter, err)
	}
	collectorSamplesScrapedCounter.With(labels).Add(float64(len(samples)))

	trusted := c.filterTrusted(beforeEnd(samples, window.End))
	if untrusted := len(samples) - len(trusted); untrusted > 0 {
		collectorSamplesUntrustedCounter.With(labels).Add(float64(untrusted))
	}
	metersource.SortSamples(trusted)
	return trusted, nil
}

// beforeEnd drops samples at or after end, they are collected with the next
// window. Earlier samples stay since uptime uses them as lead-in.
func beforeEnd(samples []metersource.Sample, end time.Time) []metersource.Sample {
	kept := samples[:0]
	for _, s := range samples {
		if s.Timestamp.Before(end) {
			kept = append(kept, s)
		}
	}
	return kept
}

// filterTrusted drops samples reported by sources that match no trusted
// pattern. Tenants can publish samples of their own, those must never be
// billed.
func (c *Collector) filterTrusted(samples []metersource.Sample) []metersource.Sample {
	if len(c.trusted) == 0 {
		return samples
	}
	trusted := make([]metersource.Sample, 0, len(samples))
	for _, s := range samples {
		for _, re := range c.trusted {
			if re.MatchString(s.Source) {
				trusted = append(trusted, s)
				break
			}
		}
	}
	return trusted
}

func (c *Collector) groupByResource(m *meter, samples []metersource.Sample) (map[string][]metersource.Sample, error) {
	groups := make(map[string][]metersource.Sample)
	for _, s := range samples {
		id, err := m.resourceID(s)
		if err != nil {
			return nil, fmt.Errorf("meter %s: %v", m.Meter, err)
		}
		groups[id] = append(groups[id], s)
	}
	return groups, nil
}
