package main

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/operator-framework/usage-metering/pkg/collector"
	"github.com/operator-framework/usage-metering/pkg/operator"
)

var collectCmd = &cobra.Command{
	Use:   "collect [project-id...]",
	Short: "runs one collection cycle for the given projects, or for every known project",
	Run:   collectOnce,
}

func init() {
	addCollectionFlags(collectCmd.Flags())
}

func collectOnce(cmd *cobra.Command, args []string) {
	logger, err := setup()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	ctx := setupSignals()

	m, err := operator.New(ctx, logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("unable to setup usage metering")
	}
	results, collectErr := m.Collect(ctx, args)
	if err := printResults(cmd.OutOrStdout(), results); err != nil {
		logger.WithError(err).Error("unable to print the collection results")
	}
	if collectErr != nil {
		logger.WithError(collectErr).Fatal("collection failed")
	}
}

func printResults(w io.Writer, results []*collector.CycleResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "no projects to collect")
		return err
	}
	out, err := yaml.Marshal(results)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
