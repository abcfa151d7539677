package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	raft "github.com/mvance/raftcore"
	"github.com/mvance/raftcore/internal/config"
	"github.com/mvance/raftcore/internal/kvstore"
	"github.com/mvance/raftcore/internal/logger"
	"github.com/mvance/raftcore/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftnode",
	Short: "raftnode runs a single member of a raftcore cluster",
	Long: `raftnode boots one Raft server from a YAML configuration file,
serving client operations against an in-memory key-value demo state
machine and exposing a Prometheus /metrics endpoint.`,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the node's YAML configuration file")
	rootCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	store := kvstore.New(cfg.SnapshotThreshold)

	opts := []raft.Option{raft.WithLogger(log)}
	if cfg.ElectionTimeoutMin > 0 {
		opts = append(opts, raft.WithElectionTimeoutMin(cfg.ElectionTimeoutMin))
	}
	if cfg.ElectionTimeoutMax > 0 {
		opts = append(opts, raft.WithElectionTimeoutMax(cfg.ElectionTimeoutMax))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, raft.WithHeartbeatInterval(cfg.HeartbeatInterval))
	}
	if cfg.RPCTimeout > 0 {
		opts = append(opts, raft.WithRPCTimeout(cfg.RPCTimeout))
	}
	if cfg.LeaseDuration > 0 {
		opts = append(opts, raft.WithLeaseDuration(cfg.LeaseDuration))
	}
	if cfg.SnapshotThreshold > 0 {
		opts = append(opts, raft.WithSnapshotThreshold(cfg.SnapshotThreshold))
	}
	opts = append(opts, raft.WithSnapshotCompression(cfg.CompressSnapshots))

	node, err := raft.NewRaft(cfg.NodeID, cfg.ClusterMap(), store, cfg.DataDir, opts...)
	if err != nil {
		return fmt.Errorf("failed to construct raft node: %w", err)
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start raft node: %w", err)
	}
	defer node.Stop()

	collector := metrics.NewCollector(node, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
		defer server.Close()
	}

	log.Infof("raftnode %s listening at %s", cfg.NodeID, cfg.ClusterMap()[cfg.NodeID])

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	return nil
}

func buildLogger(cfg *config.Config) (raft.Logger, error) {
	if cfg.LogJSON {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		return logger.NewJSONLogger(level)
	}
	return logger.NewLogger()
}
