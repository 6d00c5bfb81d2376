package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crucible-dev/crucible/internal/agent"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent agent.yml",
	Short: "Run a worker agent against an experiment server",
	Long: `Run a worker agent based on an agent.yml.
The agent registers with the configured server, leases tasks up to its
capacity, executes them in docker containers and reports the outcomes back.
It keeps polling until it is interrupted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		agentYaml, err := os.Open(args[0])
		if err != nil {
			logrus.Fatalf("Failed to open agent yaml - %v", err)
		}
		a, err := agent.GetAgentFromConfig(agentYaml)
		agentYaml.Close()
		if err != nil {
			logrus.Fatalf("Failed to read agent config from yaml - %v", err)
		}
		a.Log = newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.Run(ctx); err != nil {
			logrus.Fatalf("Agent terminated - %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
