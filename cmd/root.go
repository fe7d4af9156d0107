// Package cmd implements the buildq command line: the broker, the build
// agent and a few client commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jupark12/build-broker/config"
	"github.com/jupark12/build-broker/observability"
)

var (
	cfgFile string

	// v collects defaults, the config file, BUILDQ_* variables and any
	// flags bound with bindFlag. A changed flag wins over everything else.
	v = viper.New()
)

type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "none", BuildDate: "unknown"}

// SetVersionInfo records build metadata injected through ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "buildq",
	Short: "Remote build dispatch broker",
	Long: `buildq accepts zipped source uploads, queues them as build jobs and hands
them to build agents that poll for work. Agents stream their build output
back through the broker to WebSocket subscribers.

Examples:
  buildq serve --config buildq.yaml
  buildq agent --worker-id mac-mini-1
  buildq submit app.zip --email dev@example.com`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	bindFlag("logging.level", rootCmd.PersistentFlags(), "log-level")
}

func bindFlag(key string, flags *pflag.FlagSet, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

// loadConfig reads settings once flags are parsed and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}
