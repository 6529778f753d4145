package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/hedopia/communicators/internal/cluster"
	"github.com/hedopia/communicators/internal/driver"
	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol"
	_ "github.com/hedopia/communicators/internal/protocol/scheme"
	"github.com/hedopia/communicators/internal/restapi"
	"github.com/hedopia/communicators/internal/sink"
	"github.com/hedopia/communicators/pkg/config"
)

var (
	configPath = flag.String("config", "configs/communicators.yaml", "Path to configuration file")
	nodeIndex  = flag.Int("node-index", -1, "This node's cluster index, matched against each node.node_target_urls entry's /index answer (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *nodeIndex >= 0 {
		cfg.Node.NodeIndex = *nodeIndex
	}

	nodeID := fmt.Sprintf("node-%d", cfg.Node.NodeIndex)
	logger, err := logging.InitializeFromConfig(nodeID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	startupID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(context.Background(), startupID)
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "communicators node starting", map[string]interface{}{
		"nodeIndex":  cfg.Node.NodeIndex,
		"configFile": *configPath,
	})

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to create data directory", err)
		os.Exit(1)
	}

	outputSink, err := buildSink(cfg.Sinks)
	if err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to build sink", err)
		os.Exit(1)
	}
	if closer, ok := outputSink.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	clusterSvc := cluster.NewService(cluster.ServiceConfig{
		BasePath:          cfg.Cluster.BasePath,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		LeaderLostTimeout: cfg.LeaderLostTimeout(),
		QuorumOverride:    cfg.Cluster.QuorumOverride,
		ConnectTimeout:    cfg.ConnectTimeout(),
		ReadTimeout:       cfg.ReadTimeout(),
	}, cfg.Node.NodeIndex)

	driverSvc := driver.NewService(driver.Config{
		LoadBalance:            cfg.Driver.LoadBalanceEnabled,
		BasePath:               cfg.Driver.BasePath,
		DefaultResponseTimeout: cfg.Protocol.DefaultResponseTimeout(),
		DefaultRetryDelay:      cfg.Protocol.DefaultRetryDelay(),
		DefaultMaxRetryConnect: cfg.Protocol.DefaultMaxRetryConnect,
	}, clusterSvc, outputSink)

	router := mux.NewRouter()
	cluster.RegisterRoutes(router, cfg.Cluster.BasePath, clusterSvc)
	restapi.RegisterRoutes(router, cfg.Driver.BasePath, driverSvc)
	handler := logging.HTTPMiddleware(router)

	addr := fmt.Sprintf("%s:%d", cfg.REST.BindAddress, cfg.REST.BindPort)
	httpServer := &http.Server{Addr: addr, Handler: handler}

	serverErr := make(chan error, 1)
	go func() {
		logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "http server listening", map[string]interface{}{"addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Give the listener a moment to bind before probing node_target_urls for
	// self-resolution (Start dials peers, including potentially itself).
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := clusterSvc.Start(shutdownCtx, cfg.Node.NodeTargetUrls); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to start cluster service", err)
		os.Exit(1)
	}
	driverSvc.Start(shutdownCtx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "shutdown signal received", nil)
	case err := <-serverErr:
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "http server failed", err)
	}

	cancel()
	driverSvc.Stop()
	clusterSvc.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logging.Warn(ctx, logging.ComponentMain, logging.ActionStop, "http server shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}

	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "communicators node stopped", nil)
}

func buildSink(configs []config.SinkConfig) (protocol.Sink, error) {
	var sinks []protocol.Sink
	for _, sc := range configs {
		s, err := buildOneSink(sc)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", sc.Name, err)
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return sink.NewLogSink("{deviceId} {tagId}={value}"), nil
	case 1:
		return sinks[0], nil
	default:
		return sink.NewMultiSink(sinks), nil
	}
}

func buildOneSink(sc config.SinkConfig) (protocol.Sink, error) {
	switch sc.Type {
	case "file":
		return sink.NewFileSink(sc.Path, syncPolicyOf(sc.SyncPolicy))
	case "rest":
		return sink.NewRestSink(sc.TargetUrls, sc.Template, 5*time.Second), nil
	case "kafka":
		if len(sc.Brokers) == 0 {
			return nil, fmt.Errorf("kafka sink requires at least one broker address")
		}
		return sink.NewKafkaSink(sc.Brokers[0], sc.Topic, sc.Template, 5*time.Second), nil
	case "log":
		return sink.NewLogSink(sc.Template), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", sc.Type)
	}
}

func syncPolicyOf(s string) sink.SyncPolicy {
	switch s {
	case "always":
		return sink.SyncAlways
	case "everysec":
		return sink.SyncEverySec
	default:
		return sink.SyncNo
	}
}
