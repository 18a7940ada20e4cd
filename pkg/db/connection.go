package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// NewPostgresConnWithRetry opens and pings a Postgres connection, backing off
// between attempts until maxRetries is exhausted or ctx is done.
func NewPostgresConnWithRetry(ctx context.Context, logger log.FieldLogger, connStr string, connBackoff time.Duration, maxRetries int) (*sql.DB, error) {
	var db *sql.DB
	backoff := wait.Backoff{
		Duration: connBackoff,
		Factor:   1.25,
		Steps:    maxRetries,
	}
	cond := func() (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		conn, err := sql.Open("postgres", connStr)
		if err == nil {
			err = conn.PingContext(ctx)
			if err == nil {
				db = conn
				return true, nil
			}
			conn.Close()
		}
		logger.WithError(err).Debugf("error encountered, backing off and trying again: %v", err)
		return false, nil
	}
	err := wait.ExponentialBackoff(backoff, cond)
	if err != nil {
		if err == wait.ErrWaitTimeout {
			return nil, fmt.Errorf("timed out while waiting to connect to postgres")
		}
		return nil, err
	}

	return db, nil
}
