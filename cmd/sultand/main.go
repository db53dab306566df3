// Command sultand bootstraps a single core node: storage, shards, the
// sharding coordinator, the consensus engine, and the block producer/sync
// loop. RPC/HTTP surfaces, full CLI argument parsing and node-identity
// generation are bootstrap glue, not covered here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	core "sultan-core/core"
)

var (
	configPath string
	envPath    string
)

func main() {
	root := &cobra.Command{
		Use:   "sultand",
		Short: "sultan-core node daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./config.yaml", "path to node configuration")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to environment overlay file")
	root.AddCommand(startCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := core.LoadConfig(configPath, envPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := core.NewLogger()
	audit, err := core.NewAuditLogger()
	if err != nil {
		return fmt.Errorf("build audit logger: %w", err)
	}

	walDir := cfg.Storage.DataDir + "/wal"
	coordinator, err := core.NewCoordinator(cfg.Shard, walDir, logger, audit)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	consensus := core.NewConsensusEngine(true, logger, audit)
	chain := core.NewChain()
	mempool := core.NewMempool(10_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := core.NewNode(ctx, core.NodeConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
	}, logger)
	if err != nil {
		return fmt.Errorf("build network node: %w", err)
	}
	defer node.Close()

	pending := core.NewPendingBlockTracker(1024, 64)
	syncTracker := core.NewSyncTracker(chain.Height)
	listener := core.NewGossipListener(node, consensus, pending, syncTracker, logger)
	listener.Start(ctx)

	var selfAddr core.Address
	producer := core.NewBlockProducer(mempool, coordinator, consensus, chain, node, selfAddr, logger)
	go producer.Start(ctx)

	logger.Info("sultand node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("sultand node shutting down")
	cancel()
	return nil
}
