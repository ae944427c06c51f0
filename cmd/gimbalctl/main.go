package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gimbalctl/internal/config"
	"github.com/shaunagostinho/gimbalctl/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "gimbalctl",
		Short: "Ground-station link to a two-axis gimbal",
		Long: `gimbalctl talks to a pan/tilt gimbal over a serial port or TCP.

It tracks the mount's telemetry, sends acknowledged commands and serves
a small web dashboard with a JSON API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		serveCmd(opts),
		portsCmd(),
		simulateCmd(opts),
		sendCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

// load reads the config and installs the process logger from it.
func (o *rootOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath, logging.Logger())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	lc := cfg.LoggingSettings()
	if o.logLevel != "" {
		lc.Level = o.logLevel
	}
	log := logging.Configure("gimbalctl", lc)
	if err := cfg.Validate(); err != nil {
		return nil, log, err
	}
	return cfg, log, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gimbalctl %s (%s)\n", version, commit)
		},
	}
}
