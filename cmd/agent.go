package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jupark12/build-broker/client"
	"github.com/jupark12/build-broker/storage"
	"github.com/jupark12/build-broker/worker"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a build agent that polls the broker for jobs",
	Long: `Run a build agent. The agent claims one job at a time, downloads and
unpacks its source archive, runs the command configured for the job's build
mode and uploads the first file the command writes to $BUILDQ_OUTPUT_DIR.

Build modes map to shell commands under agent.build_modes in the config file.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().String("broker", "", "broker base URL")
	agentCmd.Flags().String("worker-id", "", "worker id reported to the broker (default hostname)")
	bindFlag("agent.broker_url", agentCmd.Flags(), "broker")
	bindFlag("agent.worker_id", agentCmd.Flags(), "worker-id")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	var opts []client.Option
	if cfg.Agent.Token != "" {
		opts = append(opts, client.WithToken(cfg.Agent.Token))
	}
	api := client.New(cfg.Agent.BrokerURL, opts...)

	w, err := worker.NewWorker(worker.Config{
		WorkerID:     cfg.Agent.WorkerID,
		PollInterval: cfg.Agent.PollInterval,
		WorkDir:      cfg.Agent.WorkDir,
		BuildTimeout: cfg.Agent.BuildTimeout,
		BuildModes:   cfg.Agent.BuildModes,
		KeepWorkDir:  cfg.Agent.KeepWorkDir,
	}, api, store, logger.Named("agent"))
	if err != nil {
		return err
	}

	logger.Info("Agent started",
		zap.String("broker", cfg.Agent.BrokerURL),
		zap.String("worker_id", w.ID))
	return w.Run(ctx)
}
