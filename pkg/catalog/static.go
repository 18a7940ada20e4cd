package catalog

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/operator-framework/usage-metering/pkg/usage"
)

// priceList is the YAML or JSON document read by the static driver.
//
//	products:
//	  RegionOne:
//	  - name: m1.tiny
//	    category: Compute
//	    rate: "0.01"
//	    unit: hour
//	invoices:
//	- id: inv-1
//	  projectID: p1
//	  region: RegionOne
//	  start: 2020-02-01T00:00:00Z
//	  end: 2020-03-01T00:00:00Z
//	  total: "9.99"
//	  status: paid
type priceList struct {
	Products map[string][]Product `json:"products"`
	Invoices []Invoice            `json:"invoices,omitempty"`
}

// StaticCatalog serves a fixed price list held in memory.
type StaticCatalog struct {
	products Products
	invoices []Invoice
}

var _ Catalog = &StaticCatalog{}

func NewStaticCatalog(products Products, invoices []Invoice) *StaticCatalog {
	if products == nil {
		products = Products{}
	}
	return &StaticCatalog{products: products, invoices: invoices}
}

// newStaticCatalog reads the price list at cfg.Source once. Unlike the csv
// driver it is never reloaded.
func newStaticCatalog(logger logrus.FieldLogger, cfg Config) (Catalog, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("static catalog requires a price list source")
	}
	data, err := ioutil.ReadFile(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("unable to read price list %s: %v", cfg.Source, err)
	}
	c, err := ParsePriceList(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", cfg.Source, err)
	}
	logger.Debugf("loaded %d regions and %d invoices", len(c.products), len(c.invoices))
	return c, nil
}

// ParsePriceList builds a StaticCatalog from a YAML or JSON price list.
func ParsePriceList(data []byte) (*StaticCatalog, error) {
	var list priceList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unable to decode price list: %v", err)
	}
	c := NewStaticCatalog(nil, list.Invoices)
	for region, products := range list.Products {
		for _, product := range products {
			if product.Name == "" {
				return nil, fmt.Errorf("region %s has a product without a name", region)
			}
			c.AddProduct(region, product)
		}
	}
	c.products.sort()
	return c, nil
}

// AddProduct registers a product for region.
func (c *StaticCatalog) AddProduct(region string, product Product) {
	c.products.add(region, product)
}

func (c *StaticCatalog) Products(ctx context.Context, regions []string) (Products, error) {
	return c.products.filter(regions), nil
}

func (c *StaticCatalog) Invoices(ctx context.Context, region, projectID string, rng usage.Range) ([]Invoice, error) {
	return filterInvoices(c.invoices, region, projectID, rng), nil
}

func (c *StaticCatalog) Healthy(ctx context.Context) bool {
	return true
}
