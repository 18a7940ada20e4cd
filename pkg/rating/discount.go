package rating

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/operator-framework/usage-metering/pkg/usage"
)

// FreeTierServices are discounted up to the hours elapsed in the current
// month, summed across all regions.
var FreeTierServices = []string{"n1.network", "n1.router"}

const discountKeyPrefix = "discount."

// FreeHours is the number of hours between the start of now's month and now.
func FreeHours(now time.Time) decimal.Decimal {
	now = now.UTC()
	return decimal.NewFromFloat(now.Sub(usage.MonthStart(now)).Hours())
}

// ApplyFreeTierDiscount appends one negative line item per free tier service
// found in detail and lowers the category total by the same amount. The
// discounted hours are capped by both the observed hours and FreeHours(now).
func ApplyFreeTierDiscount(detail Detail, now time.Time) {
	free := FreeHours(now)
	names := make([]string, 0, len(detail))
	for name := range detail {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		category := detail[name]
		for _, service := range FreeTierServices {
			discount, ok := freeTierDiscount(category, service, free)
			if !ok {
				continue
			}
			category.add(discountKeyPrefix+service, discount)
		}
	}
}

func freeTierDiscount(category *CategoryDetail, service string, free decimal.Decimal) (LineItem, bool) {
	var (
		hours, cost decimal.Decimal
		rate        *decimal.Decimal
		unit        string
		found       bool
	)
	for key, items := range category.Breakdown {
		if strings.HasPrefix(key, discountKeyPrefix) || !strings.HasSuffix(key, "."+service) {
			continue
		}
		for _, item := range items {
			r, err := decimal.NewFromString(item.Rate)
			if err != nil {
				continue
			}
			found = true
			hours = hours.Add(item.Quantity)
			cost = cost.Add(item.Cost)
			// cheapest regional rate
			if rate == nil || r.LessThan(*rate) {
				rate = &r
			}
			unit = item.Unit
		}
	}
	if !found {
		return LineItem{}, false
	}

	discounted := decimal.Min(hours, free)
	amount := rate.Mul(discounted).Round(PriceDigits)
	if amount.GreaterThan(cost) {
		amount = cost
	}
	return LineItem{
		ResourceName: "free tier " + service,
		ResourceID:   service,
		Cost:         amount.Neg(),
		Quantity:     discounted,
		Rate:         rate.String(),
		Unit:         unit,
	}, true
}
