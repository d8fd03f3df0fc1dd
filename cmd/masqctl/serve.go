package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/masqctl/masqctl/internal/config"
	"github.com/masqctl/masqctl/internal/daemon"
	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the masqctl control plane and supervise the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warnings, path, err := loadConfig()
		if err != nil {
			return err
		}

		out, closeLog, err := logging.OpenFile(cfg.Log.File)
		if err != nil {
			return err
		}
		defer closeLog()
		logger := logging.New(logging.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})
		for _, w := range warnings {
			logger.Warn("config warning", "warning", w)
		}
		logger.Info("loaded config", "path", path, "mode", cfg.Daemon.Mode)

		d, err := daemon.New(daemon.Options{Config: cfg, Logger: logger})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return d.Run(ctx)
	},
}

var (
	checkDaemonConfig string
	checkWithBinary   bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate masqctl.toml and, optionally, a dnsmasq config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warnings, path, err := loadConfigOrDefault()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, warn := range warnings {
			fmt.Fprintf(w, "warning: %s\n", warn)
		}
		if path != "" {
			fmt.Fprintf(w, "%s: ok\n", path)
		}

		if checkDaemonConfig == "" {
			return nil
		}
		content, err := os.ReadFile(checkDaemonConfig)
		if err != nil {
			return fmt.Errorf("cannot read daemon config: %w", err)
		}
		v := dnsconf.New(cfg.Server.MaxConfigBytes, cfg.Daemon.Binary, checkWithBinary || cfg.Daemon.TestWithBinary)
		res, err := dnsconf.ResultOf(v.Validate(cmd.Context(), content))
		if err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("%s: %s", checkDaemonConfig, res.Error)
		}
		fmt.Fprintf(w, "%s: ok\n", checkDaemonConfig)
		return nil
	},
}

// loadConfig resolves and loads masqctl.toml.
func loadConfig() (*config.Config, []string, string, error) {
	path, err := config.Resolve(configPath)
	if err != nil {
		return nil, nil, "", err
	}
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return nil, warnings, path, err
	}
	return cfg, warnings, path, nil
}

// loadConfigOrDefault falls back to built-in defaults when no config file
// exists and none was named explicitly.
func loadConfigOrDefault() (*config.Config, []string, string, error) {
	if configPath == "" && os.Getenv(config.EnvConfigPath) == "" {
		if _, err := config.Resolve(""); err != nil {
			return config.Default(), nil, "", nil
		}
	}
	return loadConfig()
}

func init() {
	checkCmd.Flags().StringVar(&checkDaemonConfig, "dnsmasq", "", "dnsmasq config file to validate")
	checkCmd.Flags().BoolVar(&checkWithBinary, "binary", false, "also run the daemon binary's own syntax check")
	rootCmd.AddCommand(serveCmd, checkCmd)
}
