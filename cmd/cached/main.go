// Command cached serves an engine over HTTP, optionally serving its local
// replica to peers over gRPC and joining a gossip cluster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/IvanBrykalov/quorumcache/config"
	"github.com/IvanBrykalov/quorumcache/engine"
	"github.com/IvanBrykalov/quorumcache/membership"
	"github.com/IvanBrykalov/quorumcache/metrics/prom"
	"github.com/IvanBrykalov/quorumcache/transport/grpcx"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	dump := flag.Bool("dump-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dump {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("cached exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := engine.Options{Config: cfg, Logger: logger}
	if cfg.Metrics.Enabled {
		opts.Metrics = prom.New(reg, cfg.Metrics.Namespace, prometheus.Labels{"node": cfg.Replication.NodeID})
	}

	eng, err := engine.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("engine close failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 2)

	var grpcSrv *grpc.Server
	if self := eng.LocalReplica(); self != nil {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
		}
		grpcSrv = grpcx.NewServer(self, logger)
		go func() {
			logger.Info("replica gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	if cfg.Gossip.Enabled && eng.Coordinator() != nil {
		ml, err := membership.Start(membership.Config{
			NodeID:   cfg.Replication.NodeID,
			BindAddr: cfg.Gossip.BindAddr,
			BindPort: cfg.Gossip.BindPort,
			Seeds:    cfg.Gossip.Seeds,
			GRPCAddr: cfg.Server.GRPCAddr,
		}, eng.Coordinator(), logger)
		if err != nil {
			return fmt.Errorf("start membership: %w", err)
		}
		defer func() { _ = ml.Shutdown(5 * time.Second) }()
	}

	router := mux.NewRouter()
	if cfg.Metrics.Enabled {
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	(&api{eng: eng, log: logger}).routes(router)

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("shutdown complete")
	return nil
}
