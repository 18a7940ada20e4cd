package metersource

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/prometheus/client_golang/api"
	prom "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	log "github.com/sirupsen/logrus"

	"github.com/operator-framework/usage-metering/pkg/usage"
)

const (
	DefaultQueryTemplate   = `{{ .Meter }}{project_id="{{ .ProjectID }}"}`
	DefaultResourceIDLabel = "resource_id"
	DefaultSourceLabel     = "source"
	DefaultStep            = time.Minute
	DefaultTimeout         = 30 * time.Second
)

type PrometheusConfig struct {
	Address string
	// QueryTemplate renders the PromQL for a meter. It is executed with
	// .Meter, .ProjectID, .Start and .End and has the sprig functions.
	QueryTemplate   string
	ResourceIDLabel string
	SourceLabel     string
	Step            time.Duration
	// Timeout bounds every GetMeter call.
	Timeout time.Duration
}

func (cfg *PrometheusConfig) setDefaults() {
	if cfg.QueryTemplate == "" {
		cfg.QueryTemplate = DefaultQueryTemplate
	}
	if cfg.ResourceIDLabel == "" {
		cfg.ResourceIDLabel = DefaultResourceIDLabel
	}
	if cfg.SourceLabel == "" {
		cfg.SourceLabel = DefaultSourceLabel
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
}

// PrometheusSource reads meters from a Prometheus compatible query_range API.
// Every series label except the metric name becomes sample metadata.
type PrometheusSource struct {
	logger   log.FieldLogger
	promConn prom.API
	cfg      PrometheusConfig
	queryTpl *template.Template
}

var _ Source = &PrometheusSource{}

// NewPrometheusClient connects to the Prometheus at address.
func NewPrometheusClient(address string) (prom.API, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("can't connect to prometheus: %v", err)
	}
	return prom.NewAPI(client), nil
}

func NewPrometheusSource(logger log.FieldLogger, promConn prom.API, cfg PrometheusConfig) (*PrometheusSource, error) {
	cfg.setDefaults()
	tpl, err := template.New("meter-query").Funcs(sprig.TxtFuncMap()).Parse(cfg.QueryTemplate)
	if err != nil {
		return nil, fmt.Errorf("error parsing query template: %v", err)
	}
	return &PrometheusSource{
		logger:   logger.WithField("component", "prometheusSource"),
		promConn: promConn,
		cfg:      cfg,
		queryTpl: tpl,
	}, nil
}

type queryTemplateData struct {
	Meter     string
	ProjectID string
	Start     time.Time
	End       time.Time
}

func (s *PrometheusSource) renderQuery(projectID, meter string, start, end time.Time) (string, error) {
	var buf bytes.Buffer
	err := s.queryTpl.Execute(&buf, queryTemplateData{
		Meter:     meter,
		ProjectID: projectID,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return "", fmt.Errorf("error rendering query for meter %s: %v", meter, err)
	}
	return buf.String(), nil
}

func (s *PrometheusSource) GetMeter(ctx context.Context, projectID, meter string, start, end time.Time) ([]Sample, error) {
	query, err := s.renderQuery(projectID, meter, start, end)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	pVal, warnings, err := s.promConn.QueryRange(ctx, query, prom.Range{
		Start: start,
		End:   end,
		Step:  s.cfg.Step,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to perform Prometheus query for meter %s: %w", meter, err)
	}
	for _, w := range warnings {
		s.logger.WithField("meter", meter).Warnf("prometheus warning: %s", w)
	}

	matrix, ok := pVal.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("expected a matrix in response to query, got a %v", pVal.Type())
	}
	// query_range evaluates at both ends, the sample at end belongs to the
	// next window.
	samples := s.matrixToSamples(matrix, usage.Range{Start: start, End: end})
	SortSamples(samples)
	return samples, nil
}

func (s *PrometheusSource) matrixToSamples(matrix model.Matrix, window usage.Range) []Sample {
	var samples []Sample
	for _, series := range matrix {
		resourceID := string(series.Metric[model.LabelName(s.cfg.ResourceIDLabel)])
		source := string(series.Metric[model.LabelName(s.cfg.SourceLabel)])

		for _, pair := range series.Values {
			ts := pair.Timestamp.Time().UTC()
			if !window.Within(ts) {
				continue
			}
			metadata := make(map[string]string, len(series.Metric))
			for name, value := range series.Metric {
				if name == model.MetricNameLabel {
					continue
				}
				metadata[string(name)] = string(value)
			}

			var volume *float64
			// staleness markers and gaps come back as NaN
			if v := float64(pair.Value); !math.IsNaN(v) {
				volume = &v
			}
			samples = append(samples, Sample{
				ResourceID: resourceID,
				Source:     source,
				Timestamp:  ts,
				Volume:     volume,
				Metadata:   metadata,
			})
		}
	}
	return samples
}
