package catalog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/operator-framework/usage-metering/pkg/usage"
)

var (
	rateSheetColumns    = []string{"region", "category", "name", "rate", "unit", "description"}
	invoiceSheetColumns = []string{"region", "project_id", "invoice_id", "start", "end", "total", "status"}
)

// CSVCatalog reads its rate sheet, and optionally an invoice sheet, from
// CSV files on disk or in S3. Sheets are loaded on Reload and kept in memory.
type CSVCatalog struct {
	logger logrus.FieldLogger
	cfg    Config
	s3     s3iface.S3API

	mu       sync.RWMutex
	products Products
	invoices []Invoice
	loadErr  error
}

var _ Catalog = &CSVCatalog{}

func newCSVCatalog(logger logrus.FieldLogger, cfg Config) (Catalog, error) {
	return NewCSVCatalog(context.Background(), logger, cfg, nil)
}

// NewCSVCatalog loads the sheets of cfg. s3Client may be nil, in which case
// one is created when a sheet lives in S3.
func NewCSVCatalog(ctx context.Context, logger logrus.FieldLogger, cfg Config, s3Client s3iface.S3API) (*CSVCatalog, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("csv catalog requires a rate sheet source")
	}
	if s3Client == nil && (isS3(cfg.Source) || isS3(cfg.InvoiceSource)) {
		awsCfg := aws.NewConfig()
		if cfg.S3Region != "" {
			awsCfg = awsCfg.WithRegion(cfg.S3Region)
		}
		awsSession, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, fmt.Errorf("unable to create AWS session: %v", err)
		}
		s3Client = s3.New(awsSession)
	}
	c := &CSVCatalog{
		logger: logger,
		cfg:    cfg,
		s3:     s3Client,
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every sheet. On error the previously loaded sheets are
// kept and the catalog reports itself unhealthy until a reload succeeds.
func (c *CSVCatalog) Reload(ctx context.Context) error {
	products, err := c.loadProducts(ctx)
	if err == nil && c.cfg.InvoiceSource != "" {
		var invoices []Invoice
		invoices, err = c.loadInvoices(ctx)
		if err == nil {
			c.mu.Lock()
			c.invoices = invoices
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadErr = err
	if err != nil {
		c.logger.WithError(err).Error("unable to load catalog sheets")
		return err
	}
	c.products = products
	return nil
}

func (c *CSVCatalog) Products(ctx context.Context, regions []string) (Products, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.products == nil {
		return nil, fmt.Errorf("rate sheet not loaded: %v", c.loadErr)
	}
	return c.products.filter(regions), nil
}

func (c *CSVCatalog) Invoices(ctx context.Context, region, projectID string, rng usage.Range) ([]Invoice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filterInvoices(c.invoices, region, projectID, rng), nil
}

func (c *CSVCatalog) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadErr == nil
}

func (c *CSVCatalog) loadProducts(ctx context.Context) (Products, error) {
	records, err := c.readSheet(ctx, c.cfg.Source, rateSheetColumns)
	if err != nil {
		return nil, err
	}
	products := Products{}
	for i, record := range records {
		rate, err := decimal.NewFromString(record["rate"])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid rate %q: %v", c.cfg.Source, i+2, record["rate"], err)
		}
		products.add(record["region"], Product{
			Name:        record["name"],
			Category:    record["category"],
			Rate:        rate,
			Unit:        record["unit"],
			Description: record["description"],
		})
	}
	products.sort()
	return products, nil
}

func (c *CSVCatalog) loadInvoices(ctx context.Context) ([]Invoice, error) {
	records, err := c.readSheet(ctx, c.cfg.InvoiceSource, invoiceSheetColumns)
	if err != nil {
		return nil, err
	}
	invoices := make([]Invoice, 0, len(records))
	for i, record := range records {
		line := i + 2
		start, err := time.Parse(time.RFC3339, record["start"])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid start: %v", c.cfg.InvoiceSource, line, err)
		}
		end, err := time.Parse(time.RFC3339, record["end"])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid end: %v", c.cfg.InvoiceSource, line, err)
		}
		total, err := decimal.NewFromString(record["total"])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid total: %v", c.cfg.InvoiceSource, line, err)
		}
		invoices = append(invoices, Invoice{
			ID:        record["invoice_id"],
			ProjectID: record["project_id"],
			Region:    record["region"],
			Start:     start.UTC(),
			End:       end.UTC(),
			Total:     total,
			Status:    record["status"],
		})
	}
	return invoices, nil
}

// readSheet returns every row of a CSV sheet keyed by column name. The header
// row must contain all of columns, in any order.
func (c *CSVCatalog) readSheet(ctx context.Context, source string, columns []string) ([]map[string]string, error) {
	body, err := c.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	r := csv.NewReader(body)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("unable to read header of %s: %v", source, err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range columns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%s is missing the %s column", source, col)
		}
	}

	var records []map[string]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unable to read %s: %v", source, err)
		}
		record := make(map[string]string, len(columns))
		for _, col := range columns {
			record[col] = strings.TrimSpace(row[index[col]])
		}
		records = append(records, record)
	}
	return records, nil
}

func isS3(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

func (c *CSVCatalog) open(ctx context.Context, source string) (io.ReadCloser, error) {
	if !isS3(source) {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("unable to open %s: %v", source, err)
		}
		return f, nil
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 location %s: %v", source, err)
	}
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve '%s': %v", source, err)
	}
	return out.Body, nil
}
