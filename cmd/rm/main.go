// Command rm runs the singleton Replication Manager.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/config"
	"github.com/mmwathe/replicated-counter/internal/logging"
	"github.com/mmwathe/replicated-counter/internal/rm"
)

var flagMode string

var rootCmd = &cobra.Command{
	Use:   "rm",
	Short: "run the Replication Manager",
	Long: `rm tracks cluster membership as reported by the Global Fault
Detector and elects the primary (passive mode) or reliable replica
(active mode), announcing the current primary to connected Clients in
passive mode.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&flagMode, "mode", "passive", `replication discipline: "active" or "passive"`)
}

func run(cmd *cobra.Command, args []string) error {
	mode := rm.ModePassive
	if flagMode == "active" {
		mode = rm.ModeActive
	} else if flagMode != "passive" {
		return fmt.Errorf("invalid --mode %q, want \"active\" or \"passive\"", flagMode)
	}

	logger := logging.New("rm", "RM")
	defer logger.Sync()

	manager := rm.New(rm.Config{
		ID:               "RM",
		Mode:             mode,
		GFDListenAddr:    config.RMGFDAddr(),
		ClientListenAddr: config.RMClientAddr(),
		Logger:           logger,
	})

	logger.Info("starting replication manager", zap.String("mode", flagMode))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("rm: fatal error: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
