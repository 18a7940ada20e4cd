package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/usage-metering/pkg/collector"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

var testNow = time.Date(2020, 3, 3, 12, 0, 0, 0, time.UTC)

type fakeCollector struct {
	mu       sync.Mutex
	calls    map[string]collector.ProjectRef
	fail     map[string]bool
	inFlight int32
	maxSeen  int32
	// block, when set, holds every cycle until it is closed or ctx is done
	block chan struct{}
	delay time.Duration
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{calls: make(map[string]collector.ProjectRef), fail: make(map[string]bool)}
}

func (f *fakeCollector) CollectProject(ctx context.Context, project collector.ProjectRef) (*collector.CycleResult, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[project.ID] = project
	fail := f.fail[project.ID]
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	time.Sleep(f.delay)
	if fail {
		return nil, errors.New("meter source unavailable")
	}
	return &collector.CycleResult{ProjectID: project.ID}, nil
}

func (f *fakeCollector) called() map[string]collector.ProjectRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]collector.ProjectRef, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

func testStore(t *testing.T, ids ...string) *usage.MemoryStore {
	store := usage.NewMemoryStore(testNow.Add(-24*time.Hour), time.Hour)
	for _, id := range ids {
		_, err := store.UpsertProject(context.Background(), id, "stored "+id, nil, testNow)
		require.NoError(t, err)
	}
	return store
}

func TestRunOnce(t *testing.T) {
	coll := newFakeCollector()
	coll.fail["p2"] = true
	cfg := Config{
		Concurrency: 2,
		Projects: []collector.ProjectRef{
			{ID: "p1", Name: "configured p1"},
			{ID: "p4"},
		},
	}
	s, err := New(logrus.New(), coll, testStore(t, "p1", "p2", "p3"), clock.NewFakeClock(testNow), cfg)
	require.NoError(t, err)

	results, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	// the failing project does not stop the others
	require.Len(t, results, 3)
	assert.Equal(t, "p1", results[0].ProjectID)
	assert.Equal(t, "p3", results[1].ProjectID)
	assert.Equal(t, "p4", results[2].ProjectID)

	calls := coll.called()
	assert.Len(t, calls, 4)
	assert.Equal(t, "configured p1", calls["p1"].Name)
	assert.Equal(t, "stored p3", calls["p3"].Name)
}

func TestRunOnce_BoundedParallelism(t *testing.T) {
	coll := newFakeCollector()
	coll.delay = 20 * time.Millisecond
	ids := []string{"a", "b", "c", "d", "e", "f"}
	s, err := New(logrus.New(), coll, testStore(t, ids...), clock.NewFakeClock(testNow), Config{Concurrency: 2})
	require.NoError(t, err)

	results, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, len(ids))
	assert.True(t, atomic.LoadInt32(&coll.maxSeen) <= 2, "saw %d concurrent cycles", coll.maxSeen)
}

type failingLister struct{}

func (failingLister) ListProjects(ctx context.Context) ([]*usage.Project, error) {
	return nil, errors.New("connection refused")
}

func TestRunOnce_ListError(t *testing.T) {
	s, err := New(logrus.New(), newFakeCollector(), failingLister{}, clock.NewFakeClock(testNow), Config{})
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestTryRun_SkipsOverlappingRuns(t *testing.T) {
	coll := newFakeCollector()
	coll.block = make(chan struct{})
	s, err := New(logrus.New(), coll, testStore(t, "p1"), clock.NewFakeClock(testNow), Config{})
	require.NoError(t, err)

	done := make(chan bool)
	go func() {
		done <- s.tryRun()
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&coll.inFlight) == 1
	}, time.Second, time.Millisecond)

	assert.False(t, s.tryRun())

	close(coll.block)
	assert.True(t, <-done)
	assert.True(t, s.tryRun())
}

func TestStop_WaitsForInFlightRun(t *testing.T) {
	coll := newFakeCollector()
	coll.block = make(chan struct{})
	s, err := New(logrus.New(), coll, testStore(t, "p1"), clock.NewFakeClock(testNow), Config{})
	require.NoError(t, err)
	s.Start()

	done := make(chan struct{})
	go func() {
		s.tryRun()
		close(done)
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&coll.inFlight) == 1
	}, time.Second, time.Millisecond)

	s.Stop()
	assert.Equal(t, int32(0), atomic.LoadInt32(&coll.inFlight), "Stop returned before the in-flight cycle")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("in-flight run never returned")
	}

	// no runs after Stop
	assert.False(t, s.tryRun())
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(logrus.New(), newFakeCollector(), testStore(t), clock.NewFakeClock(testNow), Config{Schedule: "every day"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}
