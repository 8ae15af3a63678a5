package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/EgorLis/fibaro-intercom/internal/config"
	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	gf := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "intercomctl",
		Short:         "FIBARO Intercom control daemon and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&gf.configPath, "config", "c", os.Getenv("INTERCOM_CONFIG"), "path to YAML config")
	pf.StringVar(&gf.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.StringVar(&gf.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&gf.logFormat, "log-format", "", "log format override (json, console)")

	cmd.AddCommand(
		runCmd(gf),
		openRelayCmd(gf),
		probeCmd(gf),
		snapshotCmd(gf),
	)
	return cmd
}

// load читает конфиг и настраивает логгер; флаги сильнее файла и окружения.
func (gf *globalFlags) load() (config.Config, error) {
	if err := config.LoadDotEnv(gf.envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	if gf.logLevel != "" {
		cfg.Log.Level = gf.logLevel
	}
	if gf.logFormat != "" {
		cfg.Log.Format = gf.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	ilog.Configure(cfg.Logging())
	return cfg, nil
}
