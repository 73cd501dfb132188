// Command client issues one counter operation against the replica
// cluster, in either active (multicast) or passive (primary-tracking)
// mode, and prints the resulting state.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmwathe/replicated-counter/internal/client"
	"github.com/mmwathe/replicated-counter/internal/config"
	"github.com/mmwathe/replicated-counter/internal/logging"
)

var flagMode string
var flagTimeout time.Duration

var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "issue counter operations against the replica cluster",
}

func buildClient() (*client.Client, error) {
	id := config.MustEnv("MY_CLIENT_ID")
	logger := logging.New("client", id)

	replicas := make(map[string]string)
	for sid, host := range config.ReplicaHosts() {
		replicas[sid] = fmt.Sprintf("%s:%d", host, config.ServerClientPort())
	}

	mode := client.ModePassive
	if flagMode == "active" {
		mode = client.ModeActive
	} else if flagMode != "passive" {
		return nil, fmt.Errorf("invalid --mode %q, want \"active\" or \"passive\"", flagMode)
	}

	c := client.New(client.Config{
		ID:             id,
		Mode:           mode,
		Replicas:       replicas,
		RMAddr:         config.RMClientAddr(),
		RequestTimeout: flagTimeout,
		Logger:         logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("client: failed to start: %w", err)
	}
	return c, nil
}

func runOp(op func(*client.Client, context.Context) (int64, error)) error {
	c, err := buildClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	state, err := op(c, ctx)
	if err != nil {
		return err
	}
	fmt.Println(state)
	return nil
}

var increaseCmd = &cobra.Command{
	Use:   "increase",
	Short: "increment the counter by one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(func(c *client.Client, ctx context.Context) (int64, error) { return c.Increase(ctx) })
	},
}

var decreaseCmd = &cobra.Command{
	Use:   "decrease",
	Short: "decrement the counter by one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(func(c *client.Client, ctx context.Context) (int64, error) { return c.Decrease(ctx) })
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "read the counter without mutating it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(func(c *client.Client, ctx context.Context) (int64, error) { return c.Ping(ctx) })
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "increment the counter by one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(func(c *client.Client, ctx context.Context) (int64, error) { return c.Update(ctx) })
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagMode, "mode", "passive", `replication discipline: "active" or "passive"`)
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "overall timeout for connecting and completing the request")
	rootCmd.AddCommand(increaseCmd, decreaseCmd, updateCmd, pingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
