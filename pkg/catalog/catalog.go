package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/operator-framework/usage-metering/pkg/usage"
)

// Product is the price of one service in one region.
type Product struct {
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Rate        decimal.Decimal `json:"rate"`
	Unit        string          `json:"unit"`
	Description string          `json:"description,omitempty"`
}

// Products holds prices keyed by region, then by category.
type Products map[string]map[string][]Product

// Lookup finds the product billed for service in region.
func (p Products) Lookup(region, service string) (Product, bool) {
	for _, products := range p[region] {
		for _, product := range products {
			if product.Name == service {
				return product, true
			}
		}
	}
	return Product{}, false
}

func (p Products) add(region string, product Product) {
	categories, ok := p[region]
	if !ok {
		categories = make(map[string][]Product)
		p[region] = categories
	}
	categories[product.Category] = append(categories[product.Category], product)
}

// filter returns the products of regions, or all of them when regions is
// empty.
func (p Products) filter(regions []string) Products {
	if len(regions) == 0 {
		return p
	}
	out := make(Products, len(regions))
	for _, region := range regions {
		if categories, ok := p[region]; ok {
			out[region] = categories
		}
	}
	return out
}

func (p Products) sort() {
	for _, categories := range p {
		for _, products := range categories {
			sort.Slice(products, func(i, j int) bool {
				return products[i].Name < products[j].Name
			})
		}
	}
}

type Invoice struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectID"`
	Region    string          `json:"region"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	Total     decimal.Decimal `json:"total"`
	Status    string          `json:"status"`
}

//go:generate mockgen -destination=mock/mock_catalog.go -package=mock github.com/operator-framework/usage-metering/pkg/catalog Catalog

// Catalog is the price list and invoice history of the billing system.
type Catalog interface {
	// Products returns the prices of regions, all regions if none are given.
	Products(ctx context.Context, regions []string) (Products, error)
	// Invoices returns the invoices of a project in region issued for
	// periods overlapping rng.
	Invoices(ctx context.Context, region, projectID string, rng usage.Range) ([]Invoice, error)
	Healthy(ctx context.Context) bool
}

type Config struct {
	// Source is where the rate sheet is read from. The csv driver takes a
	// local path or an s3://bucket/key URL, the static driver a local path
	// to a YAML price list.
	Source string
	// InvoiceSource optionally points at an invoice sheet, same format rules.
	InvoiceSource string
	// S3Region is used when a source lives in S3.
	S3Region string
}

type Factory func(logger logrus.FieldLogger, cfg Config) (Catalog, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{
		"csv":    newCSVCatalog,
		"static": newStaticCatalog,
	}
)

// Register makes a catalog driver available under name.
func Register(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New builds the catalog driver registered under name.
func New(name string, logger logrus.FieldLogger, cfg Config) (Catalog, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown catalog driver %q, valid drivers are: %s", name, strings.Join(Drivers(), ", "))
	}
	return factory(logger.WithField("catalog", name), cfg)
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func filterInvoices(invoices []Invoice, region, projectID string, rng usage.Range) []Invoice {
	out := []Invoice{}
	for _, inv := range invoices {
		if inv.Region != region || inv.ProjectID != projectID {
			continue
		}
		if !rng.Overlaps(usage.Range{Start: inv.Start, End: inv.End}) {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
