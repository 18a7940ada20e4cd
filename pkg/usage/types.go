package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockHeld is returned when another collector owns a live lock for the
	// project. It signals expected contention, not a failure.
	ErrLockHeld = errors.New("project lock is held by another collector")
	// ErrOverlap is returned when a write would overlap an existing entry for
	// the same project, resource and service.
	ErrOverlap = errors.New("usage entry overlaps an existing entry")

	ErrNotFound = errors.New("not found")
)

// OverlapError names the entry that violated the no-overlap invariant. It
// matches ErrOverlap with errors.Is.
type OverlapError struct {
	ProjectID  string
	ResourceID string
	Service    string
	Range      Range
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("usage for project %s resource %s service %s over %s overlaps an existing entry",
		e.ProjectID, e.ResourceID, e.Service, e.Range)
}

func (e *OverlapError) Is(target error) bool {
	return target == ErrOverlap
}

type Project struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastCollected time.Time         `json:"lastCollected"`
}

// Resource metadata only ever grows: fields missing from the stored map are
// filled in, existing fields are never replaced.
type Resource struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectID"`
	Type      string            `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ResourceUpdate is a resource seen during a collection window, merged into
// the stored resource the same way MergeResource does.
type ResourceUpdate struct {
	ID       string
	Type     string
	Metadata map[string]string
	SeenAt   time.Time
}

type UsageEntry struct {
	ProjectID  string    `json:"projectID"`
	ResourceID string    `json:"resourceID"`
	Service    string    `json:"service"`
	Unit       string    `json:"unit"`
	Volume     float64   `json:"volume"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (e UsageEntry) Range() Range {
	return Range{Start: e.Start, End: e.End}
}

type key struct {
	projectID, resourceID, service string
}

func (e UsageEntry) key() key {
	return key{e.ProjectID, e.ResourceID, e.Service}
}

// UsageSummary is the summed volume of every entry matching one
// (resource, service, unit) triple.
type UsageSummary struct {
	ResourceID string  `json:"resourceID"`
	Service    string  `json:"service"`
	Unit       string  `json:"unit"`
	Volume     float64 `json:"volume"`
}

type ProjectLock struct {
	ProjectID string    `json:"projectID"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stale reports whether the lock is older than ttl at now. A zero ttl disables
// staleness.
func (l ProjectLock) Stale(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(l.CreatedAt) >= ttl
}

type ProjectStore interface {
	// UpsertProject returns the existing project, or creates one whose
	// watermark is seeded from the store's dawn of time.
	UpsertProject(ctx context.Context, id, name string, metadata map[string]string, now time.Time) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	SetLastCollected(ctx context.Context, projectID string, lastCollected time.Time) error
}

type ResourceStore interface {
	MergeResource(ctx context.Context, projectID, resourceID, resourceType string, now time.Time, metadata map[string]string) error
	GetResource(ctx context.Context, projectID, resourceID string) (*Resource, error)
}

type UsageStore interface {
	// AppendUsage writes all entries atomically. If any entry overlaps a
	// stored entry (or another entry in the batch) nothing is written and an
	// error matching ErrOverlap is returned.
	AppendUsage(ctx context.Context, entries []UsageEntry) error
	// CommitWindow merges resources, appends entries and moves the
	// project's watermark to lastCollected in one atomic step. Nothing is
	// written unless all of it is.
	CommitWindow(ctx context.Context, projectID string, resources []ResourceUpdate, entries []UsageEntry, lastCollected time.Time) error
	QueryUsage(ctx context.Context, projectID string, rng Range) ([]UsageSummary, error)
}

type ProjectLocker interface {
	// AcquireProjectLock never blocks. It returns ErrLockHeld when a live
	// lock exists; stale locks are replaced.
	AcquireProjectLock(ctx context.Context, projectID, owner string, now time.Time) (*ProjectLock, error)
	ReleaseProjectLock(ctx context.Context, projectID, owner string) error
}

type Store interface {
	ProjectStore
	ResourceStore
	UsageStore
	ProjectLocker
}

// MergeMetadata fills keys missing from existing with values from update and
// reports whether anything changed. existing must be non-nil.
func MergeMetadata(existing, update map[string]string) bool {
	changed := false
	for k, v := range update {
		if _, ok := existing[k]; ok {
			continue
		}
		existing[k] = v
		changed = true
	}
	return changed
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// checkBatchOverlap rejects a batch whose own entries overlap each other.
func checkBatchOverlap(entries []UsageEntry) error {
	seen := make(map[key][]Range)
	for _, e := range entries {
		if e.Range().Length() <= 0 {
			return fmt.Errorf("usage entry for resource %s service %s has an empty range %s", e.ResourceID, e.Service, e.Range())
		}
		k := e.key()
		for _, rng := range seen[k] {
			if rng.Overlaps(e.Range()) {
				return &OverlapError{ProjectID: e.ProjectID, ResourceID: e.ResourceID, Service: e.Service, Range: e.Range()}
			}
		}
		seen[k] = append(seen[k], e.Range())
	}
	return nil
}
