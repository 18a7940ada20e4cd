package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/operator-framework/usage-metering/cmd/helpers"
	"github.com/operator-framework/usage-metering/pkg/catalog"
	"github.com/operator-framework/usage-metering/pkg/metersource"
	"github.com/operator-framework/usage-metering/pkg/operator"
	"github.com/operator-framework/usage-metering/pkg/scheduler"
)

const envPrefix = "USAGE_METERING"

var (
	defaultPromHost = "http://prometheus:9090/"

	// cfg is shared by every command, each registers the flags it needs.
	cfg operator.Config

	dawnOfTimeStr       string
	logLevelStr         string
	logFullTimestamp    bool
	logDisableTimestamp bool
)

var rootCmd = &cobra.Command{
	Use:   "usage-metering",
	Short: "collects cloud resource usage and rates it against a price catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func init() {
	// globally set time to UTC
	time.Local = time.UTC

	rootCmd.PersistentFlags().StringVar(&logLevelStr, "log-level", log.InfoLevel.String(), "log level")
	rootCmd.PersistentFlags().BoolVar(&logFullTimestamp, "log-timestamp", true, "log full timestamp if true, otherwise log time since startup")
	rootCmd.PersistentFlags().BoolVar(&logDisableTimestamp, "disable-timestamp", false, "disable timestamp logging")

	rootCmd.AddCommand(startCmd, collectCmd, driversCmd)
}

// addCollectionFlags registers the flags of everything needed to collect and
// rate usage.
func addCollectionFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.Store.Driver, "store-driver", operator.StoreDriverMemory, "the usage store, memory or postgres")
	fs.StringVar(&cfg.Store.PostgresDSN, "postgres-dsn", "", "the connection string of the Postgres usage store")
	fs.BoolVar(&cfg.Store.LogQueries, "log-queries", false, "log every query made to the usage store")
	fs.StringVar(&dawnOfTimeStr, "dawn-of-time", "", "RFC3339 timestamp new projects are collected from, defaults to the start of the current month")
	fs.DurationVar(&cfg.Store.LockTTL, "lock-ttl", operator.DefaultLockTTL, "age after which a project lock is considered abandoned")

	fs.StringVar(&cfg.MeterConfigPath, "meter-config", "", "path to the meter mapping configuration file")
	fs.StringVar(&cfg.Prometheus.Address, "prometheus-host", defaultPromHost, "the URL string for connecting to Prometheus")
	fs.StringVar(&cfg.Prometheus.QueryTemplate, "prometheus-query-template", metersource.DefaultQueryTemplate, "template rendering the PromQL query of a meter")
	fs.StringVar(&cfg.Prometheus.ResourceIDLabel, "prometheus-resource-id-label", metersource.DefaultResourceIDLabel, "the series label holding the resource id")
	fs.StringVar(&cfg.Prometheus.SourceLabel, "prometheus-source-label", metersource.DefaultSourceLabel, "the series label holding the sample source")
	fs.DurationVar(&cfg.Prometheus.Step, "prometheus-step", metersource.DefaultStep, "the query step size for Prometheus range queries")
	fs.DurationVar(&cfg.Prometheus.Timeout, "prometheus-timeout", metersource.DefaultTimeout, "timeout of a single Prometheus query")

	fs.StringVar(&cfg.CatalogDriver, "catalog-driver", "csv", "the price catalog driver")
	fs.StringVar(&cfg.Catalog.Source, "catalog-source", "", "the csv rate sheet or the static price list, only the csv driver reads s3://bucket/key URLs")
	fs.StringVar(&cfg.Catalog.InvoiceSource, "catalog-invoice-source", "", "invoice sheet location, a local path or an s3://bucket/key URL")
	fs.StringVar(&cfg.Catalog.S3Region, "catalog-s3-region", "us-east-1", "the AWS region of catalog sheets stored in S3")
	fs.StringSliceVar(&cfg.Regions, "regions", []string{"RegionOne"}, "regions rated by all-region quotations, the first one is the default region")

	fs.StringVar(&cfg.Schedule, "schedule", scheduler.DefaultSchedule, "cron schedule of collection runs")
	fs.IntVar(&cfg.Concurrency, "concurrency", scheduler.DefaultConcurrency, "how many projects are collected in parallel")
	fs.DurationVar(&cfg.Collector.CycleTimeout, "cycle-timeout", operator.DefaultCycleTimeout, "timeout of one project's collection cycle, must be below --lock-ttl")
	fs.DurationVar(&cfg.Collector.MeterTimeout, "meter-timeout", operator.DefaultMeterTimeout, "timeout of one meter source call")
	fs.IntVar(&cfg.Collector.MaxWindowsPerCycle, "max-windows-per-cycle", 0, "if non-zero, caps how many windows a cycle collects")
}

func main() {
	rootCmd.ParseFlags(os.Args[1:])

	for _, cmd := range []*cobra.Command{startCmd, collectCmd} {
		if err := helpers.SetFlagsFromEnv(cmd.Flags(), envPrefix); err != nil {
			log.WithError(err).Fatalf("error setting flags from environment variables: %v", err)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("error executing command: %v", err)
	}
}

// setup builds the logger and finishes the config of the running command.
func setup() (log.FieldLogger, error) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:    logFullTimestamp,
		DisableTimestamp: logDisableTimestamp,
	})
	logger, err := helpers.SetupLogger(logLevelStr, false, log.Fields{"app": "usage-metering"})
	if err != nil {
		return nil, err
	}

	cfg.Store.DawnOfTime, err = helpers.ParseTimestamp("dawn-of-time", dawnOfTimeStr)
	if err != nil {
		return nil, err
	}
	cfg.Hostname, err = os.Hostname()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

func setupSignals() context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-sigs
		log.Infof("got signal %s, performing shutdown", sig)
		cancel()
	}()
	return ctx
}

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "lists the available price catalog drivers",
	Run: func(cmd *cobra.Command, _ []string) {
		for _, name := range catalog.Drivers() {
			cmd.Println(name)
		}
	},
}
