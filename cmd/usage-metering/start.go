package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/operator-framework/usage-metering/pkg/operator"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts scheduled collection and serves the usage API",
	Run:   startUsageMetering,
}

func init() {
	addCollectionFlags(startCmd.Flags())

	startCmd.Flags().BoolVar(&cfg.DisableScheduler, "disable-scheduler", false, "only serve the API, projects are collected through it")
	startCmd.Flags().DurationVar(&cfg.CatalogRefresh, "catalog-refresh-interval", operator.DefaultCatalogRefresh, "how often the price catalog is reloaded, 0 disables reloading")

	startCmd.Flags().StringVar(&cfg.APIAddress, "api-listen", ":8080", "the address the HTTP API listens on")
	startCmd.Flags().StringVar(&cfg.MetricsAddress, "metrics-listen", ":8082", "the address the Prometheus metrics endpoint listens on")
	startCmd.Flags().StringVar(&cfg.PprofAddress, "pprof-listen", "", "if non-empty, the address a pprof server listens on")

	startCmd.Flags().BoolVar(&cfg.APITLSConfig.UseTLS, "use-tls", false, "If true, uses TLS to secure HTTP API traffic")
	startCmd.Flags().StringVar(&cfg.APITLSConfig.TLSCert, "tls-cert", "", "If use-tls is true, specifies the path to the TLS certificate.")
	startCmd.Flags().StringVar(&cfg.APITLSConfig.TLSKey, "tls-key", "", "If use-tls is true, specifies the path to the TLS private key.")

	startCmd.Flags().BoolVar(&cfg.MetricsTLSConfig.UseTLS, "metrics-use-tls", false, "If true, uses TLS to secure Prometheus Metrics endpoint traffic")
	startCmd.Flags().StringVar(&cfg.MetricsTLSConfig.TLSCert, "metrics-tls-cert", "", "If metrics-use-tls is true, specifies the path to the TLS certificate to use for the Metrics endpoint.")
	startCmd.Flags().StringVar(&cfg.MetricsTLSConfig.TLSKey, "metrics-tls-key", "", "If metrics-use-tls is true, specifies the path to the TLS private key to use for the Metrics endpoint.")
}

func startUsageMetering(cmd *cobra.Command, args []string) {
	logger, err := setup()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	signalStopCtx := setupSignals()
	runUsageMetering(signalStopCtx, logger, cfg)
}

func runUsageMetering(ctx context.Context, logger log.FieldLogger, cfg operator.Config) {
	m, err := operator.New(ctx, logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("unable to setup usage metering")
	}
	if err = m.Run(ctx); err != nil {
		logger.WithError(err).Fatal("error occurred while usage metering was running")
	}
	logger.Infof("usage metering has stopped")
}
