package rating

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeHours(t *testing.T) {
	assert.True(t, FreeHours(testMonth).IsZero())
	assert.True(t, d("60").Equal(FreeHours(testNow)))
	assert.True(t, d("0.5").Equal(FreeHours(testMonth.Add(30*time.Minute))))
}

func networkItem(id string, hours int64, rate string) LineItem {
	qty := decimal.NewFromInt(hours)
	return LineItem{
		ResourceName: id,
		ResourceID:   id,
		Quantity:     qty,
		Cost:         qty.Mul(d(rate)).Round(PriceDigits),
		Rate:         rate,
		Unit:         "hour",
	}
}

func TestApplyFreeTierDiscount(t *testing.T) {
	tests := map[string]struct {
		now           time.Time
		items         map[string][]LineItem
		discountHours string
		discountCost  string
	}{
		"capped by elapsed hours": {
			now:           testNow,
			items:         map[string][]LineItem{"RegionOne.n1.network": {networkItem("net1", 100, "0.005")}},
			discountHours: "60",
			discountCost:  "-0.3",
		},
		"capped by observed hours": {
			now:           testNow,
			items:         map[string][]LineItem{"RegionOne.n1.network": {networkItem("net1", 10, "0.005")}},
			discountHours: "10",
			discountCost:  "-0.05",
		},
		"summed across regions and resources": {
			now: testNow,
			items: map[string][]LineItem{
				"RegionOne.n1.network": {networkItem("net1", 20, "0.005"), networkItem("net2", 20, "0.005")},
				"RegionTwo.n1.network": {networkItem("net3", 30, "0.005")},
			},
			discountHours: "60",
			discountCost:  "-0.3",
		},
		"start of month": {
			now:           testMonth,
			items:         map[string][]LineItem{"RegionOne.n1.network": {networkItem("net1", 10, "0.005")}},
			discountHours: "0",
			discountCost:  "0",
		},
		"never above the charge": {
			now:           testNow,
			items:         map[string][]LineItem{"RegionOne.n1.network": {networkItem("net1", 1, "0.004"), networkItem("net2", 1, "0.004")}},
			discountHours: "2",
			discountCost:  "0",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			category := newCategoryDetail()
			for key, items := range test.items {
				for _, i := range items {
					category.add(key, i)
				}
			}
			charged := category.TotalCost
			detail := Detail{"Network": category}

			ApplyFreeTierDiscount(detail, test.now)

			discount := category.Breakdown["discount.n1.network"]
			require.Len(t, discount, 1)
			assert.True(t, d(test.discountHours).Equal(discount[0].Quantity), discount[0].Quantity.String())
			assert.True(t, d(test.discountCost).Equal(discount[0].Cost), discount[0].Cost.String())
			assert.True(t, charged.Add(discount[0].Cost).Equal(category.TotalCost))
			assert.False(t, category.TotalCost.IsNegative())
			assert.NotContains(t, category.Breakdown, "discount.n1.router")
		})
	}
}

func TestApplyFreeTierDiscount_IgnoresOtherServices(t *testing.T) {
	detail := Detail{
		"Compute": categoryOf("RegionOne.m1.tiny", item("vm1", "0.01")),
		"Network": categoryOf("RegionOne.n1.router", networkItem("router", 5, "0.01")),
	}
	ApplyFreeTierDiscount(detail, testNow)

	assert.Len(t, detail["Compute"].Breakdown, 1)
	router := detail["Network"].Breakdown["discount.n1.router"]
	require.Len(t, router, 1)
	assert.True(t, d("-0.05").Equal(router[0].Cost))
	assert.True(t, detail["Network"].TotalCost.IsZero())
}
