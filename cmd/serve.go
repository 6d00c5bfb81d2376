package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/crucible-dev/crucible/internal/server"
	"github.com/crucible-dev/crucible/pkg/crucible"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveExperiments []string

var serveCmd = &cobra.Command{
	Use:   "serve [server.yml]",
	Short: "Start the experiment server",
	Long: `Start the experiment server based on an optional server.yml.
If no config file is given, the defaults are used: listen on port 40052,
no agent tokens (authentication disabled) and reports written to ./reports.

Experiments can be queued at startup with the --experiment flag and at any
time afterwards by POSTing their yaml to /experiments.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger()

		config, err := loadServerConfig(args)
		if err != nil {
			logrus.Fatalf("Failed to read server config - %v", err)
		}

		coordinator := crucible.NewCoordinator(
			crucible.JSONReportStore{Dir: config.ReportDir},
			config.Coordinator,
			log,
		)

		for _, file := range serveExperiments {
			experimentYaml, err := os.Open(file)
			if err != nil {
				logrus.Fatalf("Failed to open experiment yaml %s - %v", file, err)
			}
			experiment, err := crucible.GetExperimentFromConfig(experimentYaml)
			experimentYaml.Close()
			if err != nil {
				logrus.Fatalf("Failed to read experiment config from %s - %v", file, err)
			}
			if err := coordinator.Start(experiment); err != nil {
				logrus.Fatalf("Failed to start experiment %s - %v", experiment.Name, err)
			}
		}

		if _, err := server.NewServer(server.HTTP, config.Port, coordinator, config.Tokens); err != nil {
			logrus.Fatalf("Failed to start webserver - %v", err)
		}
		log.Infof("Serving on port %d", config.Port)

		// The maintenance loop doubles as the foreground loop of the process.
		coordinator.RunMaintenance(context.Background())
	},
}

func loadServerConfig(args []string) (*server.Config, error) {
	if len(args) == 0 {
		return server.GetConfigFromConfig(strings.NewReader(""))
	}
	file, err := os.Open(args[0])
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return server.GetConfigFromConfig(file)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringArrayVarP(&serveExperiments, "experiment", "e", nil, "Experiment yaml to queue at startup. Can be repeated")
}
