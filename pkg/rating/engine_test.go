package rating

import (
	"context"
	"errors"
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
	"github.com/operator-framework/usage-metering/pkg/usage"
)

var (
	testMonth = time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	// 60 hours into March
	testNow = time.Date(2020, 3, 3, 12, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testCatalog() *catalog.StaticCatalog {
	c := catalog.NewStaticCatalog(nil, []catalog.Invoice{{
		ID:        "inv-1",
		ProjectID: "p1",
		Region:    "RegionOne",
		Start:     testMonth.AddDate(0, -1, 0),
		End:       testMonth,
		Total:     d("4.20"),
		Status:    "paid",
	}})
	for _, region := range []string{"RegionOne", "RegionTwo"} {
		c.AddProduct(region, catalog.Product{Name: "m1.tiny", Category: "Compute", Rate: d("0.01"), Unit: "hour"})
		c.AddProduct(region, catalog.Product{Name: "b1.standard", Category: "Block Storage", Rate: d("0.0005"), Unit: "gigabyte"})
	}
	c.AddProduct("RegionOne", catalog.Product{Name: "n1.network", Category: "Network", Rate: d("0.005"), Unit: "hour"})
	c.AddProduct("RegionTwo", catalog.Product{Name: "n1.network", Category: "Network", Rate: d("0.004"), Unit: "hour"})
	return c
}

func testStore(t *testing.T, entries ...usage.UsageEntry) *usage.MemoryStore {
	ctx := context.Background()
	store := usage.NewMemoryStore(testMonth, time.Hour)
	_, err := store.UpsertProject(ctx, "p1", "project one", nil, testMonth)
	require.NoError(t, err)
	require.NoError(t, store.MergeResource(ctx, "p1", "vm1", "Virtual Machine", testMonth, map[string]string{"name": "web"}))
	require.NoError(t, store.AppendUsage(ctx, entries))
	return store
}

func entry(resourceID, service, unit string, volume float64, start time.Time, hours int) usage.UsageEntry {
	return usage.UsageEntry{
		ProjectID:  "p1",
		ResourceID: resourceID,
		Service:    service,
		Unit:       unit,
		Volume:     volume,
		Start:      start,
		End:        start.Add(time.Duration(hours) * time.Hour),
		CreatedAt:  start,
	}
}

func TestRateUsage_TinyInstanceForOneHour(t *testing.T) {
	store := testStore(t, entry("vm1", "m1.tiny", "second", 3600, testMonth, 1))
	engine := NewEngine(logrus.New(), store, testCatalog(), clock.NewFakeClock(testNow))

	detail, err := engine.RateUsage(context.Background(), "p1", usage.Range{Start: testMonth, End: testNow}, "RegionOne")
	require.NoError(t, err)

	require.Len(t, detail, 1)
	compute := detail["Compute"]
	require.NotNil(t, compute)
	items := compute.Breakdown["RegionOne.m1.tiny"]
	require.Len(t, items, 1)
	assert.Equal(t, "web", items[0].ResourceName)
	assert.Equal(t, "vm1", items[0].ResourceID)
	assert.True(t, d("1").Equal(items[0].Quantity), items[0].Quantity.String())
	assert.True(t, d("0.01").Equal(items[0].Cost), items[0].Cost.String())
	assert.Equal(t, "0.01", items[0].Rate)
	assert.Equal(t, "hour", items[0].Unit)
	assert.True(t, d("0.01").Equal(compute.TotalCost))
}

func TestRateUsage(t *testing.T) {
	store := testStore(t,
		entry("vm1", "m1.tiny", "second", 3600, testMonth, 1),
		entry("vm1", "m1.tiny", "second", 1800, testMonth.Add(time.Hour), 1),
		entry("vol1", "b1.standard", "byte", 20*1024*1024*1024, testMonth, 2),
		entry("lb1", "octavia.lb", "hour", 2, testMonth, 2),
	)
	engine := NewEngine(logrus.New(), store, testCatalog(), clock.NewFakeClock(testNow))

	detail, err := engine.RateUsage(context.Background(), "p1", usage.Range{Start: testMonth, End: testNow}, "RegionOne")
	require.NoError(t, err)
	require.Len(t, detail, 3)

	// 5400 seconds bill as two started hours
	tiny := detail["Compute"].Breakdown["RegionOne.m1.tiny"][0]
	assert.True(t, d("2").Equal(tiny.Quantity))
	assert.True(t, d("0.02").Equal(tiny.Cost))

	vol := detail["Block Storage"].Breakdown["RegionOne.b1.standard"][0]
	assert.Equal(t, "vol1", vol.ResourceName)
	assert.True(t, d("20").Equal(vol.Quantity))
	assert.True(t, d("0.01").Equal(vol.Cost))

	unrated := detail[UnratedCategory]
	require.NotNil(t, unrated)
	lb := unrated.Breakdown["RegionOne.octavia.lb"][0]
	assert.Equal(t, MissingRate, lb.Rate)
	assert.True(t, lb.Cost.IsZero())
	assert.True(t, d("2").Equal(lb.Quantity))
	assert.True(t, unrated.TotalCost.IsZero())

	assert.True(t, d("0.03").Equal(detail.TotalCost()))
}

func TestRateUsage_UnconvertibleUnit(t *testing.T) {
	store := testStore(t, entry("vm1", "m1.tiny", "byte", 10, testMonth, 1))
	engine := NewEngine(logrus.New(), store, testCatalog(), clock.NewFakeClock(testNow))

	_, err := engine.RateUsage(context.Background(), "p1", usage.Range{Start: testMonth, End: testNow}, "RegionOne")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conversion")
}

func TestRateUsage_CatalogError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cat := catalogmock.NewMockCatalog(ctrl)
	cat.EXPECT().Products(gomock.Any(), []string{"RegionOne"}).Return(nil, errors.New("sheet unavailable"))

	engine := NewEngine(logrus.New(), testStore(t), cat, clock.NewFakeClock(testNow))
	_, err := engine.RateUsage(context.Background(), "p1", usage.Range{Start: testMonth, End: testNow}, "RegionOne")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sheet unavailable")
}

func TestQuotation_AllRegions(t *testing.T) {
	store := testStore(t,
		entry("vm1", "m1.tiny", "second", 3600, testMonth, 1),
		entry("net1", "n1.network", "hour", 24, testMonth, 24),
	)
	engine := NewEngine(logrus.New(), store, testCatalog(), clock.NewFakeClock(testNow))

	q, err := engine.Quotation(context.Background(), "p1", []string{"RegionTwo", "RegionOne"})
	require.NoError(t, err)
	assert.Equal(t, []string{"RegionOne", "RegionTwo"}, q.Regions)
	assert.Equal(t, testMonth, q.Start)
	assert.Equal(t, testNow, q.End)

	// the same usage is rated in both regions, then merged
	compute := q.Details["Compute"]
	assert.Len(t, compute.Breakdown, 2)
	assert.True(t, d("0.02").Equal(compute.TotalCost))

	// 48 network hours, 60 free hours, discounted at the cheaper 0.004 rate
	network := q.Details["Network"]
	discount := network.Breakdown["discount.n1.network"]
	require.Len(t, discount, 1)
	assert.True(t, d("48").Equal(discount[0].Quantity))
	assert.True(t, d("-0.19").Equal(discount[0].Cost), discount[0].Cost.String())
	// 0.12 + 0.10 - 0.19
	assert.True(t, d("0.03").Equal(network.TotalCost), network.TotalCost.String())

	assert.True(t, d("0.05").Equal(q.TotalCost), q.TotalCost.String())
}

func TestQuotation_NoRegions(t *testing.T) {
	engine := NewEngine(logrus.New(), testStore(t), testCatalog(), clock.NewFakeClock(testNow))
	_, err := engine.Quotation(context.Background(), "p1", nil)
	assert.Error(t, err)
}

func TestInvoices(t *testing.T) {
	engine := NewEngine(logrus.New(), testStore(t), testCatalog(), clock.NewFakeClock(testNow))
	invoices, err := engine.Invoices(context.Background(), "p1", "RegionOne", usage.Range{Start: testMonth.AddDate(-1, 0, 0), End: testNow})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "inv-1", invoices[0].ID)
}

func TestMeasurements(t *testing.T) {
	store := testStore(t,
		entry("vm1", "m1.tiny", "second", 3600, testMonth, 1),
		entry("vm2", "m1.tiny", "second", 600, testMonth, 1),
	)
	engine := NewEngine(logrus.New(), store, testCatalog(), clock.NewFakeClock(testNow))

	measurements, err := engine.Measurements(context.Background(), "p1", usage.Range{Start: testMonth, End: testNow})
	require.NoError(t, err)
	require.Len(t, measurements, 2)
	assert.Equal(t, "web", measurements[0].ResourceName)
	assert.Equal(t, "vm2", measurements[1].ResourceName)
	assert.Equal(t, 600.0, measurements[1].Volume)
}
