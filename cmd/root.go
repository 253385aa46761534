package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-harden/internal/config"
	"github.com/tinkerbelle-io/tb-harden/internal/logging"
)

var (
	// Flags
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagDryRun    bool
	flagNodeName  string
)

var rootCmd = &cobra.Command{
	Use:   "tb-harden",
	Short: "CIS benchmark remediation for Kubernetes control-plane nodes",
	Long: `tb-harden applies CIS Kubernetes benchmark fixes to the static pod manifests
and kubelet configuration of a node. Every change is backed up, written
atomically, gated on component health and rolled back when the component does
not come back. A failed rollback stops the run and prints a recovery runbook.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env: TB_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text, json (env: TB_LOG_FORMAT)")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Report what would change without writing anything")
	rootCmd.PersistentFlags().StringVar(&flagNodeName, "node-name", "", "Node name used for the cluster view and audit records (env: TB_NODE_NAME)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tb-harden %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// loadConfig reads the config file, applies flag overrides and installs the
// logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig, flagConfig != "")
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if flagNodeName != "" {
		cfg.NodeName = flagNodeName
	}
	if cfg.NodeName == "" {
		cfg.NodeName = resolveNodeName()
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// resolveNodeName falls back to NODE_NAME (set by the DaemonSet downward
// API), then the hostname.
func resolveNodeName() string {
	if v, ok := os.LookupEnv("NODE_NAME"); ok && v != "" {
		return v
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
