package operator

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/usage-metering/pkg/db"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"

	connBackoff    = time.Second * 15
	maxConnRetries = 3
)

type StoreConfig struct {
	Driver      string
	PostgresDSN string
	LogQueries  bool
	// DawnOfTime is where collection of a new project starts. Zero means
	// the start of the current month.
	DawnOfTime time.Time
	LockTTL    time.Duration
}

func (cfg *StoreConfig) Valid() error {
	switch cfg.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("a Postgres DSN is required by the %s store", StoreDriverPostgres)
		}
	default:
		return fmt.Errorf("invalid store driver %q, valid drivers are: %s, %s", cfg.Driver, StoreDriverMemory, StoreDriverPostgres)
	}
	if cfg.LockTTL <= 0 {
		return fmt.Errorf("the lock TTL must be positive, got %s", cfg.LockTTL)
	}
	return nil
}

// newStore returns the configured usage store and a func releasing it.
func newStore(ctx context.Context, logger log.FieldLogger, clock clock.Clock, cfg StoreConfig) (usage.Store, func() error, error) {
	dawn := cfg.DawnOfTime
	if dawn.IsZero() {
		dawn = usage.MonthStart(clock.Now().UTC())
	}
	logger.Infof("new projects are collected from %s", dawn.Format(time.RFC3339))

	switch cfg.Driver {
	case StoreDriverPostgres:
		logger.Debugf("setting up Postgres connection...")
		conn, err := db.NewPostgresConnWithRetry(ctx, logger, cfg.PostgresDSN, connBackoff, maxConnRetries)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to Postgres: %v", err)
		}
		store := usage.NewPostgresStore(db.NewLoggingDB(conn, logger, cfg.LogQueries), logger, dawn, cfg.LockTTL)
		if err := store.Init(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		logger.Debugf("Postgres usage store ready")
		return store, conn.Close, nil
	default:
		return usage.NewMemoryStore(dawn, cfg.LockTTL), func() error { return nil }, nil
	}
}
