// Command lfd runs one Local Fault Detector, bridging exactly one
// Server replica to the Global Fault Detector.
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
	"github.com/mmwathe/replicated-counter/internal/lfd"
	"github.com/mmwathe/replicated-counter/internal/logging"
)

var flagHeartbeatInterval time.Duration

var rootCmd = &cobra.Command{
	Use:   "lfd",
	Short: "run one Local Fault Detector",
	Long: `lfd listens for its local Server replica, reports its
liveness to the Global Fault Detector via add/remove replica
notifications, and forwards promotion directives back down to it.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().DurationVar(&flagHeartbeatInterval, "heartbeat-interval", 2*time.Second, "interval between heartbeats sent to the local Server")
}

func run(cmd *cobra.Command, args []string) error {
	id := config.MustEnv("MY_LFD_ID")
	logger := logging.New("lfd", id)
	defer logger.Sync()

	l := lfd.New(lfd.Config{
		ID:                id,
		ServerListenAddr:  fmt.Sprintf(":%d", config.LFDServerPort()),
		GFDAddr:           config.GFDAddr(),
		HeartbeatInterval: flagHeartbeatInterval,
		Logger:            logger,
	})

	logger.Info("starting local fault detector")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		return fmt.Errorf("lfd: fatal error: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
