package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/operator-framework/usage-metering/pkg/db"
)

// exclusion_violation, raised by the usage_entries_no_overlap constraint.
const pqExclusionViolation = "23P01"

// Schema creates every table PostgresStore needs. The EXCLUDE constraint is
// what enforces the no-overlap invariant, so concurrent writers that bypass
// the project lock are still rejected.
var Schema = []string{
	`CREATE EXTENSION IF NOT EXISTS btree_gist`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		last_collected TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resources (
		project_id TEXT NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (project_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_entries (
		project_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		service TEXT NOT NULL,
		unit TEXT NOT NULL,
		volume NUMERIC(30,6) NOT NULL,
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT usage_entries_no_overlap EXCLUDE USING gist (
			project_id WITH =,
			resource_id WITH =,
			service WITH =,
			tstzrange(start_at, end_at) WITH &&
		)
	)`,
	`CREATE TABLE IF NOT EXISTS project_locks (
		project_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db         db.TxBeginner
	logger     log.FieldLogger
	dawnOfTime time.Time
	lockTTL    time.Duration
}

var _ Store = &PostgresStore{}

func NewPostgresStore(conn db.TxBeginner, logger log.FieldLogger, dawnOfTime time.Time, lockTTL time.Duration) *PostgresStore {
	return &PostgresStore{
		db:         conn,
		logger:     logger.WithField("component", "postgresStore"),
		dawnOfTime: dawnOfTime.UTC(),
		lockTTL:    lockTTL,
	}
}

// Init creates the schema if it does not exist yet.
func (s *PostgresStore) Init(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("unable to create usage schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertProject(ctx context.Context, id, name string, metadata map[string]string, now time.Time) (*Project, error) {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, metadata, last_collected) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		id, name, metadataJSON, s.dawnOfTime)
	if err != nil {
		return nil, fmt.Errorf("unable to upsert project %s: %w", id, err)
	}
	return s.GetProject(ctx, id)
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, metadata, last_collected FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get project %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, metadata, last_collected FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("unable to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) SetLastCollected(ctx context.Context, projectID string, lastCollected time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET last_collected = $2 WHERE id = $1`, projectID, lastCollected.UTC())
	if err != nil {
		return fmt.Errorf("unable to advance watermark of project %s: %w", projectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MergeResource(ctx context.Context, projectID, resourceID, resourceType string, now time.Time, metadata map[string]string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return mergeResource(ctx, tx, projectID, resourceID, resourceType, now, metadata)
	})
}

func mergeResource(ctx context.Context, tx *sql.Tx, projectID, resourceID, resourceType string, now time.Time, metadata map[string]string) error {
	var raw []byte
	err := tx.QueryRowContext(ctx,
		`SELECT metadata FROM resources WHERE project_id = $1 AND id = $2 FOR UPDATE`,
		projectID, resourceID).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		metadataJSON, err := marshalMetadata(metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO resources (project_id, id, type, metadata, created_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (project_id, id) DO NOTHING`,
			projectID, resourceID, resourceType, metadataJSON, now.UTC())
		if err != nil {
			return fmt.Errorf("unable to create resource %s: %w", resourceID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("unable to get resource %s: %w", resourceID, err)
	}

	existing, err := unmarshalMetadata(raw)
	if err != nil {
		return err
	}
	if !MergeMetadata(existing, metadata) {
		return nil
	}
	metadataJSON, err := marshalMetadata(existing)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE resources SET metadata = $3 WHERE project_id = $1 AND id = $2`,
		projectID, resourceID, metadataJSON)
	if err != nil {
		return fmt.Errorf("unable to update resource %s: %w", resourceID, err)
	}
	return nil
}

func (s *PostgresStore) GetResource(ctx context.Context, projectID, resourceID string) (*Resource, error) {
	var (
		res Resource
		raw []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, id, type, metadata, created_at FROM resources WHERE project_id = $1 AND id = $2`,
		projectID, resourceID).Scan(&res.ProjectID, &res.ID, &res.Type, &raw, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get resource %s: %w", resourceID, err)
	}
	res.Metadata, err = unmarshalMetadata(raw)
	if err != nil {
		return nil, err
	}
	res.CreatedAt = res.CreatedAt.UTC()
	return &res, nil
}

func (s *PostgresStore) AppendUsage(ctx context.Context, entries []UsageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkBatchOverlap(entries); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.insertUsage(ctx, tx, entries)
	})
}

func (s *PostgresStore) CommitWindow(ctx context.Context, projectID string, resources []ResourceUpdate, entries []UsageEntry, lastCollected time.Time) error {
	if err := checkBatchOverlap(entries); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertUsage(ctx, tx, entries); err != nil {
			return err
		}
		for _, update := range resources {
			if err := mergeResource(ctx, tx, projectID, update.ID, update.Type, update.SeenAt, update.Metadata); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE projects SET last_collected = $2 WHERE id = $1`, projectID, lastCollected.UTC())
		if err != nil {
			return fmt.Errorf("unable to advance watermark of project %s: %w", projectID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// inTx runs fn in a transaction that is committed only if fn succeeds.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Warn("unable to rollback transaction")
		}
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) insertUsage(ctx context.Context, tx *sql.Tx, entries []UsageEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO usage_entries (project_id, resource_id, service, unit, volume, start_at, end_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ProjectID, e.ResourceID, e.Service, e.Unit,
			decimal.NewFromFloat(e.Volume).Round(VolumeDigits),
			e.Start.UTC(), e.End.UTC(), e.CreatedAt.UTC())
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqExclusionViolation {
				s.logger.WithFields(log.Fields{
					"project":  e.ProjectID,
					"resource": e.ResourceID,
					"service":  e.Service,
				}).Debugf("rejecting usage batch overlapping %s", e.Range())
				return &OverlapError{ProjectID: e.ProjectID, ResourceID: e.ResourceID, Service: e.Service, Range: e.Range()}
			}
			return fmt.Errorf("unable to store usage for resource %s: %w", e.ResourceID, err)
		}
	}
	return nil
}

func (s *PostgresStore) QueryUsage(ctx context.Context, projectID string, rng Range) ([]UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource_id, service, unit, SUM(volume)
		FROM usage_entries
		WHERE project_id = $1 AND start_at >= $2 AND end_at <= $3
		GROUP BY resource_id, service, unit
		ORDER BY resource_id, service, unit`,
		projectID, rng.Start.UTC(), rng.End.UTC())
	if err != nil {
		return nil, fmt.Errorf("unable to query usage of project %s: %w", projectID, err)
	}
	defer rows.Close()

	summaries := []UsageSummary{}
	for rows.Next() {
		var (
			summary UsageSummary
			volume  decimal.Decimal
		)
		if err := rows.Scan(&summary.ResourceID, &summary.Service, &summary.Unit, &volume); err != nil {
			return nil, fmt.Errorf("unable to scan usage summary: %w", err)
		}
		summary.Volume, _ = volume.Float64()
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) AcquireProjectLock(ctx context.Context, projectID, owner string, now time.Time) (*ProjectLock, error) {
	now = now.UTC()
	if s.lockTTL > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM project_locks WHERE project_id = $1 AND created_at <= $2`,
			projectID, now.Add(-s.lockTTL))
		if err != nil {
			return nil, fmt.Errorf("unable to evict stale lock of project %s: %w", projectID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.WithField("project", projectID).Warnf("evicted stale collection lock older than %s", s.lockTTL)
		}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO project_locks (project_id, owner, created_at) VALUES ($1, $2, $3) ON CONFLICT (project_id) DO NOTHING`,
		projectID, owner, now)
	if err != nil {
		return nil, fmt.Errorf("unable to lock project %s: %w", projectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrLockHeld
	}
	return &ProjectLock{ProjectID: projectID, Owner: owner, CreatedAt: now}, nil
}

func (s *PostgresStore) ReleaseProjectLock(ctx context.Context, projectID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM project_locks WHERE project_id = $1 AND owner = $2`, projectID, owner)
	if err != nil {
		return fmt.Errorf("unable to release lock of project %s: %w", projectID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*Project, error) {
	var (
		p   Project
		raw []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &raw, &p.LastCollected); err != nil {
		return nil, err
	}
	metadata, err := unmarshalMetadata(raw)
	if err != nil {
		return nil, err
	}
	p.Metadata = metadata
	p.LastCollected = p.LastCollected.UTC()
	return &p, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("unable to encode metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(raw []byte) (map[string]string, error) {
	m := make(map[string]string)
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unable to decode metadata: %w", err)
	}
	return m, nil
}
