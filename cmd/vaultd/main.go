// Command vaultd runs the veilstream vault daemon: it opens the vault,
// registers the configured storage nodes, and keeps the replica sweeper
// and anchor poll loop running until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilstream/veilstream"
	"github.com/veilstream/veilstream/internal/config"
	"github.com/veilstream/veilstream/internal/ledgerrpc"
	"github.com/veilstream/veilstream/internal/transport"
	"github.com/veilstream/veilstream/pkg/logging"
	"github.com/veilstream/veilstream/pkg/model"
)

func main() {
	configPath := flag.String("config", "vaultd.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(parseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("vaultd error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.File, logger *slog.Logger) error {
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}

	ledgerClient := ledgerrpc.New(cfg.Ledger.Endpoint, cfg.Ledger.Contract, cfg.Ledger.From, nil)

	vault, err := veilstream.New(veilstream.Config{
		DataDir:   cfg.DataDir,
		MasterKey: masterKey,
		Logger:    logger,
		Chunker:   cfg.ChunkerConfig(),
		Replica:   cfg.ReplicaConfig(),
		Anchor:    cfg.AnchorConfig(),
	}, transport.NewHTTP(nil), ledgerClient)
	if err != nil {
		return err
	}

	if err := vault.Start(ctx); err != nil {
		return err
	}

	for _, n := range cfg.Nodes {
		err := vault.RegisterNode(model.StorageNode{
			NodeID:          n.NodeID,
			Address:         n.Address,
			StorageCapacity: n.Capacity,
			Status:          model.NodeActive,
		})
		if err != nil {
			logger.Warn("node registration failed", "node", n.NodeID, "error", err)
		}
	}

	logger.Info("vaultd started", "data", cfg.DataDir, "nodes", len(cfg.Nodes))
	return vault.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
