package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// VolumeDigits is the fixed decimal precision volumes are persisted with.
const VolumeDigits = 6

// MemoryStore is a Store held entirely in process memory.
type MemoryStore struct {
	dawnOfTime time.Time
	lockTTL    time.Duration

	mu        sync.Mutex
	projects  map[string]*Project
	resources map[string]map[string]*Resource
	entries   map[key][]UsageEntry
	locks     map[string]ProjectLock
}

var _ Store = &MemoryStore{}

func NewMemoryStore(dawnOfTime time.Time, lockTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		dawnOfTime: dawnOfTime.UTC(),
		lockTTL:    lockTTL,
		projects:   make(map[string]*Project),
		resources:  make(map[string]map[string]*Resource),
		entries:    make(map[key][]UsageEntry),
		locks:      make(map[string]ProjectLock),
	}
}

func (s *MemoryStore) UpsertProject(ctx context.Context, id, name string, metadata map[string]string, now time.Time) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[id]; ok {
		return copyProject(p), nil
	}
	p := &Project{
		ID:            id,
		Name:          name,
		Metadata:      copyMetadata(metadata),
		LastCollected: s.dawnOfTime,
	}
	s.projects[id] = p
	return copyProject(p), nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProject(p), nil
}

func (s *MemoryStore) ListProjects(ctx context.Context) ([]*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, copyProject(p))
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].ID < projects[j].ID
	})
	return projects, nil
}

func (s *MemoryStore) SetLastCollected(ctx context.Context, projectID string, lastCollected time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.LastCollected = lastCollected.UTC()
	return nil
}

func (s *MemoryStore) MergeResource(ctx context.Context, projectID, resourceID, resourceType string, now time.Time, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(projectID, ResourceUpdate{ID: resourceID, Type: resourceType, Metadata: metadata, SeenAt: now})
	return nil
}

func (s *MemoryStore) mergeLocked(projectID string, update ResourceUpdate) {
	byID, ok := s.resources[projectID]
	if !ok {
		byID = make(map[string]*Resource)
		s.resources[projectID] = byID
	}
	if res, ok := byID[update.ID]; ok {
		MergeMetadata(res.Metadata, update.Metadata)
		return
	}
	byID[update.ID] = &Resource{
		ID:        update.ID,
		ProjectID: projectID,
		Type:      update.Type,
		Metadata:  copyMetadata(update.Metadata),
		CreatedAt: update.SeenAt.UTC(),
	}
}

func (s *MemoryStore) GetResource(ctx context.Context, projectID, resourceID string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[projectID][resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *res
	out.Metadata = copyMetadata(res.Metadata)
	return &out, nil
}

func (s *MemoryStore) AppendUsage(ctx context.Context, entries []UsageEntry) error {
	if err := checkBatchOverlap(entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(entries)
}

func (s *MemoryStore) CommitWindow(ctx context.Context, projectID string, resources []ResourceUpdate, entries []UsageEntry, lastCollected time.Time) error {
	if err := checkBatchOverlap(entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(entries); err != nil {
		return err
	}
	for _, update := range resources {
		s.mergeLocked(projectID, update)
	}
	p.LastCollected = lastCollected.UTC()
	return nil
}

func (s *MemoryStore) appendLocked(entries []UsageEntry) error {
	// validate the whole batch before touching any state
	for _, e := range entries {
		for _, existing := range s.entries[e.key()] {
			if existing.Range().Overlaps(e.Range()) {
				return &OverlapError{ProjectID: e.ProjectID, ResourceID: e.ResourceID, Service: e.Service, Range: e.Range()}
			}
		}
	}
	for _, e := range entries {
		e.Volume, _ = decimal.NewFromFloat(e.Volume).Round(VolumeDigits).Float64()
		e.Start = e.Start.UTC()
		e.End = e.End.UTC()
		s.entries[e.key()] = append(s.entries[e.key()], e)
	}
	return nil
}

func (s *MemoryStore) QueryUsage(ctx context.Context, projectID string, rng Range) ([]UsageSummary, error) {
	type groupKey struct {
		resourceID, service, unit string
	}
	sums := make(map[groupKey]decimal.Decimal)

	s.mu.Lock()
	for k, entries := range s.entries {
		if k.projectID != projectID {
			continue
		}
		for _, e := range entries {
			if !rng.Contains(e.Range()) {
				continue
			}
			gk := groupKey{e.ResourceID, e.Service, e.Unit}
			sums[gk] = sums[gk].Add(decimal.NewFromFloat(e.Volume))
		}
	}
	s.mu.Unlock()

	summaries := make([]UsageSummary, 0, len(sums))
	for gk, sum := range sums {
		volume, _ := sum.Float64()
		summaries = append(summaries, UsageSummary{
			ResourceID: gk.resourceID,
			Service:    gk.service,
			Unit:       gk.unit,
			Volume:     volume,
		})
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *MemoryStore) AcquireProjectLock(ctx context.Context, projectID, owner string, now time.Time) (*ProjectLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[projectID]; ok && !existing.Stale(now, s.lockTTL) {
		return nil, ErrLockHeld
	}
	lock := ProjectLock{ProjectID: projectID, Owner: owner, CreatedAt: now.UTC()}
	s.locks[projectID] = lock
	return &lock, nil
}

func (s *MemoryStore) ReleaseProjectLock(ctx context.Context, projectID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// a stale lock may have been taken over; only the owner may delete it
	if existing, ok := s.locks[projectID]; ok && existing.Owner == owner {
		delete(s.locks, projectID)
	}
	return nil
}

func copyProject(p *Project) *Project {
	out := *p
	out.Metadata = copyMetadata(p.Metadata)
	return &out
}

func sortSummaries(summaries []UsageSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return a.Unit < b.Unit
	})
}
