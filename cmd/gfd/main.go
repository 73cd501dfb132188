// Command gfd runs the singleton Global Fault Detector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmwathe/replicated-counter/internal/config"
	"github.com/mmwathe/replicated-counter/internal/gfd"
	"github.com/mmwathe/replicated-counter/internal/logging"
)

var flagHeartbeatInterval time.Duration

var rootCmd = &cobra.Command{
	Use:   "gfd",
	Short: "run the Global Fault Detector",
	Long: `gfd aggregates every Local Fault Detector's membership report
into one cluster-wide view and forwards changes to the Replication
Manager, routing RM's directives back down to the right LFD.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().DurationVar(&flagHeartbeatInterval, "heartbeat-interval", 2*time.Second, "interval between heartbeats sent to each connected LFD")
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New("gfd", "GFD")
	defer logger.Sync()

	g := gfd.New(gfd.Config{
		ID:                "GFD",
		ListenAddr:        fmt.Sprintf(":%d", config.EnvIntOr("GFD_PORT", config.DefaultGFDPort)),
		RMAddr:            config.RMGFDAddr(),
		HeartbeatInterval: flagHeartbeatInterval,
		Logger:            logger,
	})

	logger.Info("starting global fault detector")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := g.Run(ctx); err != nil {
		return fmt.Errorf("gfd: fatal error: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
