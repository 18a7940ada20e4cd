package operator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/operator-framework/usage-metering/pkg/api"
	"github.com/operator-framework/usage-metering/pkg/catalog"
	"github.com/operator-framework/usage-metering/pkg/collector"
	"github.com/operator-framework/usage-metering/pkg/metersource"
	"github.com/operator-framework/usage-metering/pkg/rating"
	"github.com/operator-framework/usage-metering/pkg/scheduler"
	"github.com/operator-framework/usage-metering/pkg/transform"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

const (
	DefaultLockTTL        = time.Hour
	DefaultCycleTimeout   = 50 * time.Minute
	DefaultMeterTimeout   = time.Minute
	DefaultCatalogRefresh = 15 * time.Minute

	shutdownTimeout = 30 * time.Second
)

type TLSConfig struct {
	UseTLS  bool
	TLSCert string
	TLSKey  string
}

func (cfg *TLSConfig) Valid() error {
	if cfg.UseTLS {
		if cfg.TLSCert == "" {
			return fmt.Errorf("Must set TLS certificate if TLS is enabled")
		}
		if cfg.TLSKey == "" {
			return fmt.Errorf("Must set TLS private key if TLS is enabled")
		}
	}
	return nil
}

type Config struct {
	Hostname string

	Store StoreConfig

	MeterConfigPath string
	Prometheus      metersource.PrometheusConfig

	CatalogDriver  string
	Catalog        catalog.Config
	CatalogRefresh time.Duration
	// Regions are the regions rated for all-region quotations, the first
	// one is the default region.
	Regions []string

	Schedule         string
	Concurrency      int
	DisableScheduler bool
	Collector        collector.Options

	APIAddress     string
	MetricsAddress string
	// PprofAddress disables the pprof server when empty.
	PprofAddress string

	APITLSConfig     TLSConfig
	MetricsTLSConfig TLSConfig
}

func (cfg *Config) Valid() error {
	if err := cfg.APITLSConfig.Valid(); err != nil {
		return err
	}
	if err := cfg.MetricsTLSConfig.Valid(); err != nil {
		return err
	}
	if cfg.MeterConfigPath == "" {
		return fmt.Errorf("a meter configuration file is required")
	}
	// a cycle outliving the lock TTL could lose its lock to another collector
	if cfg.Store.LockTTL > 0 && cfg.Collector.CycleTimeout >= cfg.Store.LockTTL {
		return fmt.Errorf("cycle timeout %s must be shorter than the lock TTL %s", cfg.Collector.CycleTimeout, cfg.Store.LockTTL)
	}
	return cfg.Store.Valid()
}

// UsageMetering wires the usage store, collector, rating engine, scheduler
// and HTTP servers together.
type UsageMetering struct {
	cfg    Config
	logger log.FieldLogger
	clock  clock.Clock

	store      usage.Store
	closeStore func() error
	meterCfg   *collector.Config
	collector  *collector.Collector
	catalog    catalog.Catalog
	engine     *rating.Engine
	scheduler  *scheduler.Scheduler
}

func New(ctx context.Context, logger log.FieldLogger, cfg Config) (*UsageMetering, error) {
	return newUsageMetering(ctx, logger, clock.RealClock{}, cfg, nil)
}

// newUsageMetering builds every component. source replaces the Prometheus
// meter source when set.
func newUsageMetering(ctx context.Context, logger log.FieldLogger, clock clock.Clock, cfg Config, source metersource.Source) (*UsageMetering, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	logger.Debugf("config: %s", spew.Sprintf("%+v", cfg))

	meterCfg, err := collector.LoadConfig(cfg.MeterConfigPath)
	if err != nil {
		return nil, err
	}
	logger.Infof("loaded %d meter mappings from %s", len(meterCfg.Meters), cfg.MeterConfigPath)

	if source == nil {
		logger.Debugf("setting up Prometheus client...")
		promConn, err := metersource.NewPrometheusClient(cfg.Prometheus.Address)
		if err != nil {
			return nil, err
		}
		source, err = metersource.NewPrometheusSource(logger, promConn, cfg.Prometheus)
		if err != nil {
			return nil, err
		}
	}

	cat, err := catalog.New(cfg.CatalogDriver, logger, cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("unable to set up the %s catalog: %v", cfg.CatalogDriver, err)
	}

	store, closeStore, err := newStore(ctx, logger, clock, cfg.Store)
	if err != nil {
		return nil, err
	}

	if cfg.Collector.Owner == "" {
		cfg.Collector.Owner = cfg.Hostname
	}
	cache := transform.NewFlavorCache(meterCfg.Flavors, meterCfg.VolumeTypes)
	coll, err := collector.New(logger, store, source, clock, meterCfg, cache, cfg.Collector)
	if err != nil {
		closeStore()
		return nil, err
	}

	sched, err := scheduler.New(logger, coll, store, clock, scheduler.Config{
		Schedule:    cfg.Schedule,
		Concurrency: cfg.Concurrency,
		Projects:    meterCfg.Projects,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &UsageMetering{
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		store:      store,
		closeStore: closeStore,
		meterCfg:   meterCfg,
		collector:  coll,
		catalog:    cat,
		engine:     rating.NewEngine(logger, store, cat, clock),
		scheduler:  sched,
	}, nil
}

// Collect runs one cycle for each project id, or for every known project
// when none are given.
func (m *UsageMetering) Collect(ctx context.Context, projectIDs []string) ([]*collector.CycleResult, error) {
	defer m.close()
	if len(projectIDs) == 0 {
		return m.scheduler.RunOnce(ctx)
	}

	configured := make(map[string]collector.ProjectRef, len(m.meterCfg.Projects))
	for _, p := range m.meterCfg.Projects {
		configured[p.ID] = p
	}
	var results []*collector.CycleResult
	for _, id := range projectIDs {
		ref, ok := configured[id]
		if !ok {
			ref = collector.ProjectRef{ID: id}
		}
		result, err := m.collector.CollectProject(ctx, ref)
		if err != nil {
			return results, fmt.Errorf("collection of project %s failed: %w", id, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// Run serves the API and metrics, and runs scheduled collection until ctx is
// cancelled or a server fails.
func (m *UsageMetering) Run(ctx context.Context) error {
	defer m.close()
	var wg sync.WaitGroup
	// buffered big enough to hold the errs of each server we start.
	srvErrChan := make(chan error, 3)

	m.logger.Info("starting usage metering")

	promServer := &http.Server{
		Addr:    m.cfg.MetricsAddress,
		Handler: promhttp.Handler(),
	}
	m.serve(&wg, srvErrChan, "Prometheus metrics", promServer, m.cfg.MetricsTLSConfig)

	var pprofServer *http.Server
	if m.cfg.PprofAddress != "" {
		pprofServer = api.NewPprofServer(m.cfg.PprofAddress)
		m.serve(&wg, srvErrChan, "pprof", pprofServer, TLSConfig{})
	}

	apiRouter := api.NewRouter(m.logger, m.clock, api.Config{Regions: m.cfg.Regions}, m.engine, m.collector, m.store, m.catalog)
	httpServer := &http.Server{
		Addr:    m.cfg.APIAddress,
		Handler: apiRouter,
	}
	m.serve(&wg, srvErrChan, "HTTP API", httpServer, m.cfg.APITLSConfig)

	if reloader, ok := m.catalog.(interface {
		Reload(ctx context.Context) error
	}); ok && m.cfg.CatalogRefresh > 0 {
		go wait.Until(func() {
			if err := reloader.Reload(ctx); err == nil {
				m.logger.Debugf("catalog reloaded")
			}
		}, m.cfg.CatalogRefresh, ctx.Done())
	}

	if m.cfg.DisableScheduler {
		m.logger.Info("scheduled collection is disabled")
	} else {
		m.scheduler.Start()
	}

	var runErr error
	select {
	case <-ctx.Done():
		m.logger.Info("got stop signal, shutting down usage metering")
	case err := <-srvErrChan:
		m.logger.WithError(err).Error("server process failed, shutting down usage metering")
		runErr = fmt.Errorf("server process failed, err: %v", err)
	}

	m.logger.Infof("stopping scheduled collection")
	m.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for name, srv := range map[string]*http.Server{"HTTP API": httpServer, "Prometheus metrics": promServer, "pprof": pprofServer} {
		if srv == nil {
			continue
		}
		m.logger.Infof("stopping %s server", name)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.logger.WithError(err).Warnf("got an error shutting down %s server", name)
		}
	}
	wg.Wait()
	m.logger.Info("usage metering has stopped")
	return runErr
}

func (m *UsageMetering) serve(wg *sync.WaitGroup, errCh chan<- error, name string, srv *http.Server, tls TLSConfig) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		var srvErr error
		if tls.UseTLS {
			m.logger.Infof("%s server listening with TLS on %s", name, srv.Addr)
			srvErr = srv.ListenAndServeTLS(tls.TLSCert, tls.TLSKey)
		} else {
			m.logger.Infof("%s server listening on %s", name, srv.Addr)
			srvErr = srv.ListenAndServe()
		}
		m.logger.WithError(srvErr).Infof("%s server exited", name)
		if srvErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s server error: %v", name, srvErr)
		}
	}()
}

func (m *UsageMetering) close() {
	if err := m.closeStore(); err != nil {
		m.logger.WithError(err).Warn("unable to close the usage store")
	}
}
