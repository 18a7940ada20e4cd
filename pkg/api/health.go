package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

type statusResponse struct {
	Status  string      `json:"status"`
	Details interface{} `json:"details,omitempty"`
}

type staleProject struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LastCollected time.Time `json:"lastCollected"`
}

type healthReport struct {
	StoreError     string         `json:"storeError,omitempty"`
	CatalogHealthy bool           `json:"catalogHealthy"`
	StaleProjects  []staleProject `json:"staleProjects,omitempty"`
}

func (h healthReport) healthy() bool {
	return h.StoreError == "" && h.CatalogHealthy && len(h.StaleProjects) == 0
}

// readinessHandler reports whether the usage store can be read.
func (srv *server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	report := srv.checkHealthSingleFlight(r.Context(), logger)
	if report.StoreError != "" {
		writeResponseAsJSON(logger, w, http.StatusServiceUnavailable,
			statusResponse{
				Status:  "not ready",
				Details: "cannot read from the usage store",
			})
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, statusResponse{Status: "ok"})
}

// healthinessHandler fails when the store or the catalog is unavailable, or
// when a project's watermark has not moved for longer than StaleAfter, which
// means its collection keeps failing.
func (srv *server) healthinessHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	report := srv.checkHealthSingleFlight(r.Context(), logger)
	if !report.healthy() {
		writeResponseAsJSON(logger, w, http.StatusServiceUnavailable,
			statusResponse{
				Status:  "not healthy",
				Details: report,
			})
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, statusResponse{Status: "ok", Details: report})
}

func (srv *server) checkHealthSingleFlight(ctx context.Context, logger logrus.FieldLogger) healthReport {
	const key = "health"
	v, _, _ := srv.healthCheckSingleFlight.Do(key, func() (interface{}, error) {
		defer srv.healthCheckSingleFlight.Forget(key)
		return srv.checkHealth(ctx, logger), nil
	})
	return v.(healthReport)
}

func (srv *server) checkHealth(ctx context.Context, logger logrus.FieldLogger) healthReport {
	report := healthReport{CatalogHealthy: srv.catalog.Healthy(ctx)}
	if !report.CatalogHealthy {
		logger.Warn("catalog is not healthy")
	}

	projects, err := srv.projects.ListProjects(ctx)
	if err != nil {
		logger.WithError(err).Error("cannot list projects")
		report.StoreError = err.Error()
		return report
	}
	now := srv.clock.Now()
	for _, p := range projects {
		if now.Sub(p.LastCollected) > srv.cfg.StaleAfter {
			report.StaleProjects = append(report.StaleProjects, staleProject{
				ID:            p.ID,
				Name:          p.Name,
				LastCollected: p.LastCollected,
			})
		}
	}
	sort.Slice(report.StaleProjects, func(i, j int) bool {
		return report.StaleProjects[i].ID < report.StaleProjects[j].ID
	})
	if len(report.StaleProjects) > 0 {
		logger.Warnf("%d projects have not been collected for more than %s", len(report.StaleProjects), srv.cfg.StaleAfter)
	}
	return report
}
