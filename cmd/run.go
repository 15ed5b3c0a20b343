package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/tickhost/internal/demo"
	"github.com/zjrosen/tickhost/internal/host"
	"github.com/zjrosen/tickhost/internal/log"
)

const shutdownTimeout = 5 * time.Second

var (
	runDemo           bool
	runDemoDomain     string
	runTransportDelay time.Duration
	runReportEvery    time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured domain until interrupted",
	Long: `Run every configured domain until interrupted.

Each domain ticks at its configured tick_rate. With --demo, a clock, three
ordered stages and a sender that waits for a transport are installed so the
resolution and ordering behaviour can be watched in the logs.

Examples:
  # Run with the default config
  tickhost run

  # Run the demo systems, splitting them across two domains
  tickhost run --demo --demo-domain render --log-level debug`,
	RunE: runHost,
}

func init() {
	runCmd.Flags().BoolVar(&runDemo, "demo", false,
		"install the demo systems")
	runCmd.Flags().StringVar(&runDemoDomain, "demo-domain", "",
		"domain for the demo sender and reporter (default: the first domain)")
	runCmd.Flags().DurationVar(&runTransportDelay, "transport-delay", 2*time.Second,
		"how long the demo transport takes to appear")
	runCmd.Flags().DurationVar(&runReportEvery, "report-every", 5*time.Second,
		"how often the demo reporter logs")
}

func runHost(cmd *cobra.Command, _ []string) error {
	h, err := host.New(cfg, host.WithConfigPath(cfgUsed))
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.Close(ctx); err != nil {
			log.ErrorErr(log.CatHost, "shutdown failed", err)
		}
	}()

	if runDemo {
		primary := h.Domains()[0]
		secondary := primary
		if runDemoDomain != "" {
			secondary = runDemoDomain
		}
		if err := demo.New(runTransportDelay, runReportEvery).Install(h, primary, secondary); err != nil {
			return fmt.Errorf("installing demo: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "tickhost running %v (ctrl+c to stop)\n", h.Domains())
	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
