package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/usage-metering/pkg/catalog"
	catalogmock "github.com/operator-framework/usage-metering/pkg/catalog/mock"
	"github.com/operator-framework/usage-metering/pkg/collector"
	"github.com/operator-framework/usage-metering/pkg/rating"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

var (
	testMonth  = time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	testNow    = time.Date(2020, 3, 3, 12, 0, 0, 0, time.UTC)
	testLogger = logrus.New()
)

type fakeCollector struct {
	result *collector.CycleResult
	err    error
	called []collector.ProjectRef
}

func (f *fakeCollector) CollectProject(ctx context.Context, project collector.ProjectRef) (*collector.CycleResult, error) {
	f.called = append(f.called, project)
	return f.result, f.err
}

// conflictingRater fails every quotation with a merge conflict.
type conflictingRater struct {
	*rating.Engine
}

func (conflictingRater) Quotation(ctx context.Context, projectID string, regions []string) (*rating.Quotation, error) {
	return nil, &rating.MergeConflictError{Category: "Compute", Key: "RegionOne.m1.tiny"}
}

type testEnv struct {
	store     *usage.MemoryStore
	catalog   *catalog.StaticCatalog
	collector *fakeCollector
	engine    *rating.Engine
	clock     *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.Background()
	store := usage.NewMemoryStore(testMonth, time.Hour)
	_, err := store.UpsertProject(ctx, "p1", "project one", nil, testMonth)
	require.NoError(t, err)
	require.NoError(t, store.MergeResource(ctx, "p1", "vm1", "Virtual Machine", testMonth, map[string]string{"name": "web"}))
	require.NoError(t, store.CommitWindow(ctx, "p1", nil, []usage.UsageEntry{{
		ProjectID:  "p1",
		ResourceID: "vm1",
		Service:    "m1.tiny",
		Unit:       "second",
		Volume:     3600,
		Start:      testNow.Add(-2 * time.Hour),
		End:        testNow.Add(-time.Hour),
	}}, testNow.Add(-time.Hour)))

	cat := catalog.NewStaticCatalog(nil, []catalog.Invoice{{
		ID: "inv-1", ProjectID: "p1", Region: "RegionOne",
		Start: testMonth.AddDate(0, -1, 0), End: testMonth, Total: decimal.RequireFromString("9.99"), Status: "paid",
	}})
	for _, region := range []string{"RegionOne", "RegionTwo"} {
		cat.AddProduct(region, catalog.Product{Name: "m1.tiny", Category: "Compute", Rate: decimal.RequireFromString("0.01"), Unit: "hour"})
	}

	fakeClock := clock.NewFakeClock(testNow)
	return &testEnv{
		store:     store,
		catalog:   cat,
		collector: &fakeCollector{result: &collector.CycleResult{ProjectID: "p1"}},
		engine:    rating.NewEngine(testLogger, store, cat, fakeClock),
		clock:     fakeClock,
	}
}

func (e *testEnv) router(rater Rater, health HealthChecker) http.Handler {
	if rater == nil {
		rater = e.engine
	}
	if health == nil {
		health = e.catalog
	}
	cfg := Config{Regions: []string{"RegionOne", "RegionTwo"}}
	return NewRouter(testLogger, e.clock, cfg, rater, e.collector, e.store, health)
}

func do(t *testing.T, h http.Handler, method, target string) (int, map[string]interface{}) {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func TestMeasurements(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(nil, nil)

	tests := map[string]struct {
		query        string
		expectedCode int
		expectedLen  int
		errContains  string
	}{
		"current month by default": {
			expectedCode: http.StatusOK,
			expectedLen:  1,
		},
		"explicit range": {
			query:        fmt.Sprintf("?start=%d&end=%d", testMonth.Unix(), testNow.Unix()),
			expectedCode: http.StatusOK,
			expectedLen:  1,
		},
		"range before usage": {
			query:        fmt.Sprintf("?start=%d&end=%d", testMonth.AddDate(0, -1, 0).Unix(), testMonth.Unix()),
			expectedCode: http.StatusOK,
			expectedLen:  0,
		},
		"missing end": {
			query:        fmt.Sprintf("?start=%d", testMonth.Unix()),
			expectedCode: http.StatusBadRequest,
			errContains:  "missing or empty: end",
		},
		"not a timestamp": {
			query:        "?start=yesterday&end=today",
			expectedCode: http.StatusBadRequest,
			errContains:  "couldn't parse start",
		},
		"inverted range": {
			query:        fmt.Sprintf("?start=%d&end=%d", testNow.Unix(), testMonth.Unix()),
			expectedCode: http.StatusBadRequest,
			errContains:  "start must be before end",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			code, body := do(t, h, http.MethodGet, "/api/v1/projects/p1/measurements"+test.query)
			require.Equal(t, test.expectedCode, code, body)
			if test.errContains != "" {
				assert.Contains(t, body["error"], test.errContains)
				return
			}
			assert.Equal(t, "p1", body["projectID"])
			assert.Len(t, body["measurements"], test.expectedLen)
			if test.expectedLen > 0 {
				m := body["measurements"].([]interface{})[0].(map[string]interface{})
				assert.Equal(t, "web", m["resourceName"])
				assert.Equal(t, 3600.0, m["volume"])
			}
		})
	}
}

func TestQuotations(t *testing.T) {
	env := newTestEnv(t)

	code, body := do(t, env.router(nil, nil), http.MethodGet, "/api/v1/projects/p1/quotations?region=RegionTwo")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "0.01", body["totalCost"])
	assert.Equal(t, []interface{}{"RegionTwo"}, body["regions"])

	code, body = do(t, env.router(nil, nil), http.MethodGet, "/api/v1/projects/p1/quotations?all_regions=true")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "0.02", body["totalCost"])
	assert.Equal(t, []interface{}{"RegionOne", "RegionTwo"}, body["regions"])

	code, body = do(t, env.router(conflictingRater{env.engine}, nil), http.MethodGet, "/api/v1/projects/p1/quotations?all_regions=true")
	require.Equal(t, http.StatusConflict, code, body)
	assert.Contains(t, body["error"], "conflicting line items")
}

func TestInvoicesAndProducts(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(nil, nil)

	query := fmt.Sprintf("?region=RegionOne&start=%d&end=%d", testMonth.AddDate(0, -2, 0).Unix(), testNow.Unix())
	code, body := do(t, h, http.MethodGet, "/api/v1/projects/p1/invoices"+query)
	require.Equal(t, http.StatusOK, code, body)
	invoices := body["invoices"].([]interface{})
	require.Len(t, invoices, 1)
	assert.Equal(t, "inv-1", invoices[0].(map[string]interface{})["id"])

	code, body = do(t, h, http.MethodGet, "/api/v1/products?region=RegionTwo")
	require.Equal(t, http.StatusOK, code, body)
	products := body["products"].(map[string]interface{})
	assert.Len(t, products, 1)
	assert.Contains(t, products, "RegionTwo")

	code, body = do(t, h, http.MethodGet, "/api/v1/products")
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["products"], 2)
}

func TestCollect(t *testing.T) {
	env := newTestEnv(t)

	code, body := do(t, env.router(nil, nil), http.MethodPost, "/api/v1/projects/p1/collect")
	require.Equal(t, http.StatusOK, code, body)
	require.Len(t, env.collector.called, 1)
	assert.Equal(t, "p1", env.collector.called[0].ID)
	assert.Equal(t, "project one", env.collector.called[0].Name)

	env.collector.result = &collector.CycleResult{ProjectID: "new", Skipped: true}
	code, body = do(t, env.router(nil, nil), http.MethodPost, "/api/v1/projects/new/collect")
	require.Equal(t, http.StatusConflict, code, body)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, collector.ProjectRef{ID: "new"}, env.collector.called[1])

	env.collector.result, env.collector.err = nil, fmt.Errorf("prometheus unreachable")
	code, body = do(t, env.router(nil, nil), http.MethodPost, "/api/v1/projects/p1/collect")
	require.Equal(t, http.StatusInternalServerError, code, body)
	assert.Contains(t, body["error"], "prometheus unreachable")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	code, body := do(t, env.router(nil, nil), http.MethodGet, "/healthy")
	require.Equal(t, http.StatusOK, code, body)
	code, _ = do(t, env.router(nil, nil), http.MethodGet, "/ready")
	require.Equal(t, http.StatusOK, code)

	// the watermark is an hour old, a day later it is stale
	env.clock.Step(24 * time.Hour)
	code, body = do(t, env.router(nil, nil), http.MethodGet, "/healthy")
	require.Equal(t, http.StatusServiceUnavailable, code, body)
	details := body["details"].(map[string]interface{})
	stale := details["staleProjects"].([]interface{})
	require.Len(t, stale, 1)
	assert.Equal(t, "p1", stale[0].(map[string]interface{})["id"])

	// readiness only depends on the store
	code, _ = do(t, env.router(nil, nil), http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealth_CatalogUnhealthy(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	env := newTestEnv(t)
	cat := catalogmock.NewMockCatalog(ctrl)
	cat.EXPECT().Healthy(gomock.Any()).Return(false)

	code, body := do(t, env.router(nil, cat), http.MethodGet, "/healthy")
	require.Equal(t, http.StatusServiceUnavailable, code, body)
	details := body["details"].(map[string]interface{})
	assert.Equal(t, false, details["catalogHealthy"])
	assert.Nil(t, details["staleProjects"])
}
