package api

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/usage-metering/pkg/catalog"
	"github.com/operator-framework/usage-metering/pkg/collector"
	"github.com/operator-framework/usage-metering/pkg/rating"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

const (
	APIV1Prefix = "/api/v1"

	DefaultStaleAfter = 24 * time.Hour
)

// Rater is the rating side of the API.
type Rater interface {
	Measurements(ctx context.Context, projectID string, rng usage.Range) ([]rating.Measurement, error)
	Quotation(ctx context.Context, projectID string, regions []string) (*rating.Quotation, error)
	Invoices(ctx context.Context, projectID, region string, rng usage.Range) ([]catalog.Invoice, error)
	Products(ctx context.Context, regions []string) (catalog.Products, error)
}

type ProjectCollector interface {
	CollectProject(ctx context.Context, project collector.ProjectRef) (*collector.CycleResult, error)
}

type ProjectLister interface {
	GetProject(ctx context.Context, id string) (*usage.Project, error)
	ListProjects(ctx context.Context) ([]*usage.Project, error)
}

type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

type Config struct {
	// Regions are rated when a quotation asks for all regions.
	Regions []string
	// DefaultRegion is used when a request names no region.
	DefaultRegion string
	// StaleAfter is how old a watermark may get before /healthy fails.
	StaleAfter time.Duration
}

type server struct {
	logger log.FieldLogger
	rand   *lockedRand
	clock  clock.Clock
	cfg    Config

	rater     Rater
	collector ProjectCollector
	projects  ProjectLister
	catalog   HealthChecker

	healthCheckSingleFlight singleflight.Group
}

type requestLogger struct {
	log.FieldLogger
}

func (l *requestLogger) Print(v ...interface{}) {
	l.FieldLogger.Info(v...)
}

func NewRouter(
	logger log.FieldLogger,
	clock clock.Clock,
	cfg Config,
	rater Rater,
	collector ProjectCollector,
	projects ProjectLister,
	catalog HealthChecker,
) chi.Router {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.DefaultRegion == "" && len(cfg.Regions) > 0 {
		cfg.DefaultRegion = cfg.Regions[0]
	}

	router := chi.NewRouter()
	logger = logger.WithField("component", "api")
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &requestLogger{logger}}))
	router.Use(prometheusMiddleware)

	srv := &server{
		logger:    logger,
		rand:      &lockedRand{rand: rand.New(rand.NewSource(clock.Now().UnixNano()))},
		clock:     clock,
		cfg:       cfg,
		rater:     rater,
		collector: collector,
		projects:  projects,
		catalog:   catalog,
	}

	router.Route(APIV1Prefix, func(r chi.Router) {
		r.Get("/products", srv.getProductsHandler)
		r.Route("/projects/{project}", func(r chi.Router) {
			r.Get("/measurements", srv.getMeasurementsHandler)
			r.Get("/quotations", srv.getQuotationsHandler)
			r.Get("/invoices", srv.getInvoicesHandler)
			r.Post("/collect", srv.collectHandler)
		})
	})
	router.Get("/healthy", srv.healthinessHandler)
	router.Get("/ready", srv.readinessHandler)

	return router
}

// parseRange reads start and end unix timestamps from the query. Missing
// bounds default to the start of the current month and now.
func (srv *server) parseRange(r *http.Request) (usage.Range, error) {
	now := srv.clock.Now().UTC()
	start, end := r.FormValue("start"), r.FormValue("end")
	if start == "" && end == "" {
		return usage.Range{Start: usage.MonthStart(now), End: now}, nil
	}
	if err := checkForFields([]string{"start", "end"}, r.Form); err != nil {
		return usage.Range{}, err
	}
	rng, err := usage.ParseUnixRange(start, end)
	if err != nil {
		return usage.Range{}, err
	}
	if rng.Length() <= 0 {
		return usage.Range{}, errors.New("start must be before end")
	}
	return rng, nil
}

func (srv *server) region(r *http.Request) string {
	if region := r.FormValue("region"); region != "" {
		return region
	}
	return srv.cfg.DefaultRegion
}

func (srv *server) getMeasurementsHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	projectID := chi.URLParam(r, "project")
	if err := r.ParseForm(); err != nil {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "couldn't parse URL query params: %v", err)
		return
	}
	rng, err := srv.parseRange(r)
	if err != nil {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "%v", err)
		return
	}

	measurements, err := srv.rater.Measurements(r.Context(), projectID, rng)
	if err != nil {
		logger.WithError(err).Errorf("error getting measurements for project %s", projectID)
		writeErrorResponse(logger, w, r, http.StatusInternalServerError, "error getting measurements: %v", err)
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, struct {
		ProjectID    string               `json:"projectID"`
		Start        time.Time            `json:"start"`
		End          time.Time            `json:"end"`
		Measurements []rating.Measurement `json:"measurements"`
	}{projectID, rng.Start, rng.End, measurements})
}

func (srv *server) getQuotationsHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	projectID := chi.URLParam(r, "project")
	if err := r.ParseForm(); err != nil {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "couldn't parse URL query params: %v", err)
		return
	}

	regions := []string{srv.region(r)}
	if r.FormValue("all_regions") == "true" {
		regions = srv.cfg.Regions
	}
	if len(regions) == 0 || regions[0] == "" {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "the following fields are missing or empty: region")
		return
	}

	quotation, err := srv.rater.Quotation(r.Context(), projectID, regions)
	var conflict *rating.MergeConflictError
	switch {
	case errors.As(err, &conflict):
		logger.WithError(err).Warnf("unable to merge quotations of project %s", projectID)
		writeErrorResponse(logger, w, r, http.StatusConflict, "%v", err)
		return
	case err != nil:
		logger.WithError(err).Errorf("error rating project %s", projectID)
		writeErrorResponse(logger, w, r, http.StatusInternalServerError, "error getting quotation: %v", err)
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, quotation)
}

func (srv *server) getInvoicesHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	projectID := chi.URLParam(r, "project")
	if err := r.ParseForm(); err != nil {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "couldn't parse URL query params: %v", err)
		return
	}
	rng, err := srv.parseRange(r)
	if err != nil {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "%v", err)
		return
	}
	region := srv.region(r)
	if region == "" {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "the following fields are missing or empty: region")
		return
	}

	invoices, err := srv.rater.Invoices(r.Context(), projectID, region, rng)
	if err != nil {
		logger.WithError(err).Errorf("error getting invoices for project %s", projectID)
		writeErrorResponse(logger, w, r, http.StatusInternalServerError, "error getting invoices: %v", err)
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, struct {
		ProjectID string            `json:"projectID"`
		Region    string            `json:"region"`
		Invoices  []catalog.Invoice `json:"invoices"`
	}{projectID, region, invoices})
}

func (srv *server) getProductsHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	if err := r.ParseForm(); err != nil {
		writeErrorResponse(logger, w, r, http.StatusBadRequest, "couldn't parse URL query params: %v", err)
		return
	}
	products, err := srv.rater.Products(r.Context(), listParam(r.Form, "region"))
	if err != nil {
		logger.WithError(err).Error("error getting products")
		writeErrorResponse(logger, w, r, http.StatusInternalServerError, "error getting products: %v", err)
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, struct {
		Products catalog.Products `json:"products"`
	}{products})
}

// collectHandler runs a collection cycle for one project right away. The
// cycle takes the project lock like scheduled runs do.
func (srv *server) collectHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	projectID := chi.URLParam(r, "project")

	ref := collector.ProjectRef{ID: projectID}
	project, err := srv.projects.GetProject(r.Context(), projectID)
	switch {
	case errors.Is(err, usage.ErrNotFound):
	case err != nil:
		logger.WithError(err).Errorf("error getting project %s", projectID)
		writeErrorResponse(logger, w, r, http.StatusInternalServerError, "error getting project: %v", err)
		return
	default:
		ref.Name = project.Name
		ref.Metadata = project.Metadata
	}

	result, err := srv.collector.CollectProject(r.Context(), ref)
	if err != nil {
		logger.WithError(err).Errorf("error collecting project %s", projectID)
		writeErrorResponse(logger, w, r, http.StatusInternalServerError, "error collecting project: %v", err)
		return
	}
	code := http.StatusOK
	if result.Skipped {
		code = http.StatusConflict
	}
	writeResponseAsJSON(logger, w, code, result)
}
