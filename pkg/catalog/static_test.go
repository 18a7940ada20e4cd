package catalog

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/usage-metering/pkg/usage"
)

const testPriceList = `
products:
  RegionOne:
  - name: m1.small
    category: Compute
    rate: "0.02"
    unit: hour
  - name: m1.tiny
    category: Compute
    rate: "0.01"
    unit: hour
    description: Tiny instance
  RegionTwo:
  - name: b1.standard
    category: Block Storage
    rate: 0.0005
    unit: gigabyte
invoices:
- id: inv-1
  projectID: p1
  region: RegionOne
  start: 2020-02-01T00:00:00Z
  end: 2020-03-01T00:00:00Z
  total: "9.99"
  status: paid
`

func TestStaticCatalog_PriceList(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	ctx := context.Background()
	c, err := newStaticCatalog(logrus.New(), Config{Source: writeSheet(t, dir, "prices.yaml", testPriceList)})
	require.NoError(t, err)

	products, err := c.Products(ctx, []string{"RegionOne"})
	require.NoError(t, err)
	require.Len(t, products["RegionOne"]["Compute"], 2)
	assert.Equal(t, "m1.small", products["RegionOne"]["Compute"][0].Name)
	assert.NotContains(t, products, "RegionTwo")

	product, ok := products.Lookup("RegionOne", "m1.tiny")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.01").Equal(product.Rate))
	assert.Equal(t, "Tiny instance", product.Description)

	all, err := c.Products(ctx, nil)
	require.NoError(t, err)
	product, ok = all.Lookup("RegionTwo", "b1.standard")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.0005").Equal(product.Rate))

	rng := usage.Range{
		Start: time.Date(2020, time.February, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, time.March, 15, 0, 0, 0, 0, time.UTC),
	}
	invoices, err := c.Invoices(ctx, "RegionOne", "p1", rng)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "inv-1", invoices[0].ID)
	assert.True(t, decimal.RequireFromString("9.99").Equal(invoices[0].Total))
}

func TestParsePriceList_Invalid(t *testing.T) {
	tests := map[string]struct {
		list        string
		errContains string
	}{
		"not yaml": {
			list:        "products: [",
			errContains: "unable to decode price list",
		},
		"product without a name": {
			list:        "products:\n  RegionOne:\n  - rate: \"1\"\n",
			errContains: "without a name",
		},
		"invalid rate": {
			list:        "products:\n  RegionOne:\n  - name: m1.tiny\n    rate: cheap\n",
			errContains: "unable to decode price list",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePriceList([]byte(test.list))
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.errContains)
		})
	}
}

func TestNewStaticCatalog_MissingFile(t *testing.T) {
	_, err := newStaticCatalog(logrus.New(), Config{Source: "/does/not/exist.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to read price list")
}
