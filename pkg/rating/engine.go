package rating

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/usage-metering/pkg/catalog"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

var ratingDurationHistogram = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "usage_metering",
		Name:      "rating_duration_seconds",
		Help:      "Duration of rating requests.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	},
	[]string{"operation", "result"},
)

func init() {
	prometheus.MustRegister(ratingDurationHistogram)
}

// Store is the read side of the usage ledger the engine rates.
type Store interface {
	QueryUsage(ctx context.Context, projectID string, rng usage.Range) ([]usage.UsageSummary, error)
	GetResource(ctx context.Context, projectID, resourceID string) (*usage.Resource, error)
}

// Engine prices stored usage against a catalog. It only reads, so it can
// run alongside collection cycles.
type Engine struct {
	logger  logrus.FieldLogger
	store   Store
	catalog catalog.Catalog
	clock   clock.Clock
}

func NewEngine(logger logrus.FieldLogger, store Store, cat catalog.Catalog, clock clock.Clock) *Engine {
	return &Engine{
		logger:  logger.WithField("component", "rating"),
		store:   store,
		catalog: cat,
		clock:   clock,
	}
}

// Measurement is a usage summary with the display name of its resource.
type Measurement struct {
	usage.UsageSummary
	ResourceName string `json:"resourceName"`
}

type Quotation struct {
	ProjectID string          `json:"projectID"`
	Regions   []string        `json:"regions"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	TotalCost decimal.Decimal `json:"totalCost"`
	Details   Detail          `json:"details"`
}

func observe(operation string, start time.Time, err *error) {
	result := "success"
	if *err != nil {
		result = "failed"
	}
	ratingDurationHistogram.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// Measurements returns the usage of a project in rng.
func (e *Engine) Measurements(ctx context.Context, projectID string, rng usage.Range) (measurements []Measurement, err error) {
	defer observe("measurements", time.Now(), &err)
	summaries, err := e.store.QueryUsage(ctx, projectID, rng)
	if err != nil {
		return nil, err
	}
	names := newNameResolver(e.store, projectID)
	measurements = make([]Measurement, 0, len(summaries))
	for _, s := range summaries {
		name, err := names.resolve(ctx, s.ResourceID)
		if err != nil {
			return nil, err
		}
		measurements = append(measurements, Measurement{UsageSummary: s, ResourceName: name})
	}
	return measurements, nil
}

// RateUsage prices the usage of a project in rng with the prices of region.
// Services without a price are reported in UnratedCategory with a zero cost
// instead of failing the request.
func (e *Engine) RateUsage(ctx context.Context, projectID string, rng usage.Range, region string) (detail Detail, err error) {
	defer observe("rate", time.Now(), &err)
	products, err := e.catalog.Products(ctx, []string{region})
	if err != nil {
		return nil, fmt.Errorf("unable to get products for region %s: %w", region, err)
	}
	summaries, err := e.store.QueryUsage(ctx, projectID, rng)
	if err != nil {
		return nil, err
	}

	logger := e.logger.WithFields(logrus.Fields{
		"project": projectID,
		"region":  region,
		"range":   rng.String(),
	})
	names := newNameResolver(e.store, projectID)
	detail = Detail{}
	for _, s := range summaries {
		name, err := names.resolve(ctx, s.ResourceID)
		if err != nil {
			return nil, err
		}
		key := region + "." + s.Service

		product, ok := products.Lookup(region, s.Service)
		if !ok {
			logger.Warnf("no price for service %s", s.Service)
			detail.category(UnratedCategory).add(key, LineItem{
				ResourceName: name,
				ResourceID:   s.ResourceID,
				Cost:         decimal.Zero,
				Quantity:     decimal.NewFromFloat(s.Volume).Round(usage.VolumeDigits),
				Rate:         MissingRate,
				Unit:         s.Unit,
			})
			continue
		}

		volume, err := ConvertUnit(s.Volume, s.Unit, product.Unit)
		if err != nil {
			return nil, fmt.Errorf("unable to rate %s of resource %s: %w", s.Service, s.ResourceID, err)
		}
		quantity := decimal.NewFromFloat(volume).Round(usage.VolumeDigits)
		detail.category(product.Category).add(key, LineItem{
			ResourceName: name,
			ResourceID:   s.ResourceID,
			Cost:         quantity.Mul(product.Rate).Round(PriceDigits),
			Quantity:     quantity,
			Rate:         product.Rate.String(),
			Unit:         product.Unit,
		})
	}
	detail.sort()
	return detail, nil
}

// Quotation rates the current month of a project, from the first of the
// month to now, in every region. Details of several regions are merged
// before the free tier discount is applied.
func (e *Engine) Quotation(ctx context.Context, projectID string, regions []string) (q *Quotation, err error) {
	defer observe("quotation", time.Now(), &err)
	if len(regions) == 0 {
		return nil, errors.New("at least one region is required")
	}
	now := e.clock.Now().UTC()
	rng := usage.Range{Start: usage.MonthStart(now), End: now}

	details := make([]Detail, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			detail, err := e.RateUsage(gctx, projectID, rng, region)
			if err != nil {
				return err
			}
			details[i] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	detail := details[0]
	if len(details) > 1 {
		detail, err = MergeDetails(details...)
		if err != nil {
			return nil, err
		}
	}
	ApplyFreeTierDiscount(detail, now)

	sorted := append([]string(nil), regions...)
	sort.Strings(sorted)
	return &Quotation{
		ProjectID: projectID,
		Regions:   sorted,
		Start:     rng.Start,
		End:       rng.End,
		TotalCost: detail.TotalCost(),
		Details:   detail,
	}, nil
}

// Invoices returns the invoices the catalog holds for a project.
func (e *Engine) Invoices(ctx context.Context, projectID, region string, rng usage.Range) ([]catalog.Invoice, error) {
	return e.catalog.Invoices(ctx, region, projectID, rng)
}

func (e *Engine) Products(ctx context.Context, regions []string) (catalog.Products, error) {
	return e.catalog.Products(ctx, regions)
}

type nameResolver struct {
	store     Store
	projectID string
	names     map[string]string
}

func newNameResolver(store Store, projectID string) *nameResolver {
	return &nameResolver{store: store, projectID: projectID, names: make(map[string]string)}
}

// resolve returns the "name" metadata of a resource, or its id.
func (r *nameResolver) resolve(ctx context.Context, resourceID string) (string, error) {
	if name, ok := r.names[resourceID]; ok {
		return name, nil
	}
	name := resourceID
	res, err := r.store.GetResource(ctx, r.projectID, resourceID)
	switch {
	case errors.Is(err, usage.ErrNotFound):
	case err != nil:
		return "", err
	default:
		if n := res.Metadata["name"]; n != "" {
			name = n
		}
	}
	r.names[resourceID] = name
	return name, nil
}
