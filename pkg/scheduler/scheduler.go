package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/usage-metering/pkg/collector"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

const (
	DefaultSchedule    = "@every 1h"
	DefaultConcurrency = 4
)

var (
	schedulerRunsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usage_metering",
			Name:      "scheduler_runs_total",
			Help:      "Number of scheduled collection runs by result.",
		},
		[]string{"result"},
	)

	schedulerFailedProjectsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "usage_metering",
			Name:      "scheduler_failed_projects_total",
			Help:      "Number of project cycles that failed during scheduled runs.",
		},
	)

	schedulerLastRunGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "usage_metering",
			Name:      "scheduler_last_run_timestamp_seconds",
			Help:      "Unix time the last scheduled run finished.",
		},
	)
)

func init() {
	prometheus.MustRegister(schedulerRunsCounter)
	prometheus.MustRegister(schedulerFailedProjectsCounter)
	prometheus.MustRegister(schedulerLastRunGauge)
}

// ProjectCollector runs one collection cycle for a project.
type ProjectCollector interface {
	CollectProject(ctx context.Context, project collector.ProjectRef) (*collector.CycleResult, error)
}

// ProjectLister lists the projects already known to the usage store.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]*usage.Project, error)
}

type Config struct {
	// Schedule is a cron spec, seconds first, or a descriptor such as
	// "@every 30m".
	Schedule string
	// Concurrency bounds the number of projects collected at once.
	Concurrency int
	// Projects are collected in addition to the ones in the store.
	Projects []collector.ProjectRef
}

// Scheduler triggers collection of every project on a cron schedule.
type Scheduler struct {
	logger    logrus.FieldLogger
	collector ProjectCollector
	projects  ProjectLister
	clock     clock.Clock
	cfg       Config
	schedule  cron.Schedule
	cron      *cron.Cron

	running int32

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// collectJob adapts the scheduler to cron.Job.
type collectJob struct {
	s *Scheduler
}

var _ cron.Job = collectJob{}

func (j collectJob) Run() {
	j.s.tryRun()
}

func New(logger logrus.FieldLogger, coll ProjectCollector, projects ProjectLister, clock clock.Clock, cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	schedule, err := cron.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %v", cfg.Schedule, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger.WithField("component", "scheduler"),
		collector: coll,
		projects:  projects,
		clock:     clock,
		cfg:       cfg,
		schedule:  schedule,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start runs the schedule in the background until Stop is called.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || s.stopped {
		return
	}
	s.cron = cron.New()
	s.cron.Schedule(s.schedule, collectJob{s: s})
	s.cron.Start()
	s.logger.Infof("collection scheduled with %q", s.cfg.Schedule)
}

// Stop prevents new runs, cancels the in-flight run and waits for it to
// return. Cycles abort at their current window and release their locks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// tryRun starts a run unless one is still active. It reports whether a run
// happened.
func (s *Scheduler) tryRun() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.logger.Warn("previous collection run still active, skipping")
		schedulerRunsCounter.WithLabelValues("skipped").Inc()
		return false
	}
	defer atomic.StoreInt32(&s.running, 0)

	results, err := s.RunOnce(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("collection run failed")
		return true
	}
	s.logger.Infof("collection run finished for %d projects", len(results))
	return true
}

// RunOnce collects every project once with bounded parallelism. Project
// failures are logged and counted but do not stop other projects; an error is
// only returned when the project list cannot be built.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*collector.CycleResult, error) {
	projects, err := s.listProjects(ctx)
	if err != nil {
		schedulerRunsCounter.WithLabelValues("failed").Inc()
		return nil, err
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	resultsCh := make(chan *collector.CycleResult)
	var failed int32
	g, gctx := errgroup.WithContext(ctx)

	for _, project := range projects {
		project := project
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			result, err := s.collector.CollectProject(gctx, project)
			if err != nil {
				atomic.AddInt32(&failed, 1)
				schedulerFailedProjectsCounter.Inc()
				s.logger.WithError(err).WithField("project", project.ID).Error("project collection failed")
				return nil
			}
			resultsCh <- result
			return nil
		})
	}

	go func() {
		g.Wait()
		close(resultsCh)
	}()

	var results []*collector.CycleResult
	for result := range resultsCh {
		results = append(results, result)
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].ProjectID < results[j].ProjectID
	})
	schedulerLastRunGauge.Set(float64(s.clock.Now().Unix()))
	if failed > 0 {
		schedulerRunsCounter.WithLabelValues("partial").Inc()
	} else {
		schedulerRunsCounter.WithLabelValues("success").Inc()
	}
	return results, nil
}

// listProjects merges the store's projects with the configured ones. A
// configured project overrides the stored name and metadata.
func (s *Scheduler) listProjects(ctx context.Context) ([]collector.ProjectRef, error) {
	stored, err := s.projects.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to list projects: %w", err)
	}
	byID := make(map[string]collector.ProjectRef, len(stored)+len(s.cfg.Projects))
	for _, p := range stored {
		byID[p.ID] = collector.ProjectRef{ID: p.ID, Name: p.Name, Metadata: p.Metadata}
	}
	for _, p := range s.cfg.Projects {
		byID[p.ID] = p
	}

	refs := make([]collector.ProjectRef, 0, len(byID))
	for _, ref := range byID {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}
