// Command server runs one counter replica, speaking either the active
// or passive replication protocol depending on --mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/config"
	"github.com/mmwathe/replicated-counter/internal/logging"
	"github.com/mmwathe/replicated-counter/internal/server"
)

var (
	flagMode               string
	flagCheckpointInterval time.Duration
	flagPeerSyncTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "run one replicated counter server",
	Long: `server runs a single counter replica. It registers with its local
Local Fault Detector, serves Client traffic on its client port, and
exchanges peer-sync/checkpoint traffic with its sibling replicas,
according to the replication mode selected with --mode.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&flagMode, "mode", "passive", `replication discipline: "active" or "passive"`)
	rootCmd.Flags().DurationVar(&flagCheckpointInterval, "checkpoint-interval", 10*time.Second, "passive mode: interval between primary checkpoints")
	rootCmd.Flags().DurationVar(&flagPeerSyncTimeout, "peer-sync-timeout", 3*time.Second, "timeout waiting for state from the primary/reliable replica on startup")
}

func run(cmd *cobra.Command, args []string) error {
	id := config.MustEnv("MY_SERVER_ID")

	mode := server.ModePassive
	if flagMode == "active" {
		mode = server.ModeActive
	} else if flagMode != "passive" {
		return fmt.Errorf("invalid --mode %q, want \"active\" or \"passive\"", flagMode)
	}

	logger := logging.New("server", id)
	defer logger.Sync()

	peers := config.ReplicaHosts()
	peerPort := config.ServerPeerPort(mode == server.ModeActive)

	cfg := server.Config{
		ID:                 id,
		Mode:               mode,
		ClientListenAddr:   fmt.Sprintf(":%d", config.ServerClientPort()),
		PeerListenAddr:     fmt.Sprintf(":%d", peerPort),
		LFDAddr:            fmt.Sprintf("127.0.0.1:%d", config.LFDServerPort()),
		Peers:              peers,
		PeerPort:           peerPort,
		CheckpointInterval: flagCheckpointInterval,
		PeerSyncTimeout:    flagPeerSyncTimeout,
		Logger:             logger,
	}

	logger.Info("starting replica",
		zap.String("mode", flagMode),
		zap.String("client_addr", cfg.ClientListenAddr),
		zap.String("peer_addr", cfg.PeerListenAddr))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: fatal error: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
