package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/tickhost/internal/config"
	"github.com/zjrosen/tickhost/internal/log"
)

var (
	version  = "dev"
	cfgFile  string
	logFile  string
	logLevel string

	cfg     config.Config
	cfgUsed string
	logDone func()
)

var rootCmd = &cobra.Command{
	Use:   "tickhost",
	Short: "Run tick-driven systems with dependency resolution and ordered execution",
	Long: `tickhost runs systems in one or more execution domains. Each domain ticks
on its own goroutine; systems declare what they need, start once it exists,
and update in an order derived from their before/after constraints.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logDone != nil {
			logDone()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .tickhost/config.yaml, then ~/.config/tickhost/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write logs to this file instead of stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"minimum log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd, configCmd)
}

// setup loads config and initializes logging before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations["skip-config"] == "true" {
		return nil
	}
	var err error
	cfg, cfgUsed, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return initLogging(cfg.Log)
}

func initLogging(lc config.LogConfig) error {
	level, ok := log.ParseLevel(lc.Level)
	if !ok {
		return fmt.Errorf("unknown log level %q", lc.Level)
	}
	if lc.File != "" {
		done, err := log.Init(lc.File)
		if err != nil {
			return err
		}
		logDone = done
	} else {
		log.InitWriter(os.Stderr)
	}
	log.SetMinLevel(level)
	log.Debug(log.CatConfig, "logging initialized", "level", level, "config", cfgUsed)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
