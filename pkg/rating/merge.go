package rating

import (
	"fmt"
)

// MergeConflictError is returned when two details disagree on a value that
// cannot be summed.
type MergeConflictError struct {
	Category string
	Key      string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("conflicting line items for %s in category %s", e.Key, e.Category)
}

// MergeDetails combines per-region details into one. Category totals are
// summed, except for object storage where the detail with the highest total
// wins. Breakdown entries present in more than one detail must be identical.
// The inputs are left untouched.
func MergeDetails(details ...Detail) (Detail, error) {
	merged := Detail{}
	for _, detail := range details {
		for name, category := range detail {
			existing, ok := merged[name]
			if !ok {
				merged[name] = category.copy()
				continue
			}

			if name == ObjectStorageCategory {
				if category.TotalCost.GreaterThan(existing.TotalCost) {
					merged[name] = category.copy()
				}
				continue
			}

			if err := mergeCategory(name, existing, category); err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}

func mergeCategory(name string, into, from *CategoryDetail) error {
	for key, items := range from.Breakdown {
		existing, ok := into.Breakdown[key]
		if !ok {
			into.Breakdown[key] = append([]LineItem(nil), items...)
			continue
		}
		if !lineItemsEqual(existing, items) {
			return &MergeConflictError{Category: name, Key: key}
		}
	}
	into.TotalCost = into.TotalCost.Add(from.TotalCost).Round(PriceDigits)
	return nil
}

func lineItemsEqual(a, b []LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}
