package rating

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PriceDigits is the number of decimal places costs are rounded to.
const PriceDigits = 2

// MissingRate marks a line item whose service has no price in the catalog.
const MissingRate = "missing"

// UnratedCategory groups line items whose service has no price.
const UnratedCategory = "Unrated"

// ObjectStorageCategory is reported once across regions, never summed.
const ObjectStorageCategory = "Object Storage"

type LineItem struct {
	ResourceName string          `json:"resource_name"`
	ResourceID   string          `json:"resource_id"`
	Cost         decimal.Decimal `json:"cost"`
	Quantity     decimal.Decimal `json:"quantity"`
	// Rate is the decimal unit price, or MissingRate.
	Rate string `json:"rate"`
	Unit string `json:"unit"`
}

func (l LineItem) equal(o LineItem) bool {
	return l.ResourceName == o.ResourceName &&
		l.ResourceID == o.ResourceID &&
		l.Rate == o.Rate &&
		l.Unit == o.Unit &&
		l.Cost.Equal(o.Cost) &&
		l.Quantity.Equal(o.Quantity)
}

// CategoryDetail holds every line item of a category, keyed by
// "<region>.<service>".
type CategoryDetail struct {
	TotalCost decimal.Decimal       `json:"total_cost"`
	Breakdown map[string][]LineItem `json:"breakdown"`
}

func newCategoryDetail() *CategoryDetail {
	return &CategoryDetail{
		TotalCost: decimal.Zero,
		Breakdown: make(map[string][]LineItem),
	}
}

func (c *CategoryDetail) add(key string, item LineItem) {
	c.Breakdown[key] = append(c.Breakdown[key], item)
	c.TotalCost = c.TotalCost.Add(item.Cost).Round(PriceDigits)
}

func (c *CategoryDetail) copy() *CategoryDetail {
	out := &CategoryDetail{
		TotalCost: c.TotalCost,
		Breakdown: make(map[string][]LineItem, len(c.Breakdown)),
	}
	for key, items := range c.Breakdown {
		out.Breakdown[key] = append([]LineItem(nil), items...)
	}
	return out
}

// Detail is a cost breakdown keyed by product category.
type Detail map[string]*CategoryDetail

func (d Detail) category(name string) *CategoryDetail {
	c, ok := d[name]
	if !ok {
		c = newCategoryDetail()
		d[name] = c
	}
	return c
}

// TotalCost sums the totals of every category.
func (d Detail) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, c := range d {
		total = total.Add(c.TotalCost)
	}
	return total.Round(PriceDigits)
}

func (d Detail) sort() {
	for _, c := range d {
		for _, items := range c.Breakdown {
			sort.SliceStable(items, func(i, j int) bool {
				return items[i].ResourceID < items[j].ResourceID
			})
		}
	}
}
