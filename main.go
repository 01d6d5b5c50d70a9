package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/iqlusioninc/iqkms/pkg/ethsigner"
	"github.com/iqlusioninc/iqkms/pkg/keyring"
	"github.com/iqlusioninc/iqkms/pkg/log"
	"github.com/iqlusioninc/iqkms/pkg/rpc"
	"github.com/iqlusioninc/iqkms/pkg/signing"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

const (
	shutdownTimeout       = 5 * time.Second
	metricsSampleInterval = 5 * time.Second
)

func main() {
	logger := newBootstrapLogger()
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		if err := runCli(logger, os.Args[1], os.Args[2:], os.Stdout); err != nil {
			logger.Fatal("command failed", "command", os.Args[1], "error", err)
		}
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	logger = newRootLogger(config.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Fatal("daemon failure", "error", err)
	}
	logger.Info("shutdown complete")
}

// signerStack is the keyring together with the buffer in front of it.
type signerStack struct {
	*keyring.Keyring
	*signing.Buffer
}

func run(ctx context.Context, config *Config, logger log.Logger) error {
	db, err := ConnectToDB(config.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}
	sqlDB, err := sqlHandle(db)
	if err != nil {
		return err
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	keysConf, err := LoadKeysConfig(config.ConfigDirPath)
	if err != nil {
		return err
	}
	kr, err := BuildKeyring(keysConf, config.GenerateKeys, logger)
	if err != nil {
		return fmt.Errorf("failed to build keyring: %w", err)
	}
	defer kr.Close()

	buffer := signing.NewBuffer(signing.NewService(kr), config.BufferDepth)
	// Runs before kr.Close: websocket handlers outlive rpcServer.Shutdown, so
	// in-flight signs are drained before the keys are zeroed.
	defer func() {
		if err := buffer.Close(context.Background()); err != nil {
			logger.Error("failed to drain signing buffer", "error", err)
		}
	}()
	signer := ethsigner.New(buffer)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetricsWithRegistry(registry)

	nodeConfig := rpc.WebsocketNodeConfig{
		Logger:                   logger,
		OnConnectHandler:         metrics.HandleConnect,
		OnDisconnectHandler:      metrics.HandleDisconnect,
		OnMessageReceivedHandler: metrics.HandleMessageReceived,
		OnMessageSentHandler:     metrics.HandleMessageSent,
		OnRequestHandledHandler:  metrics.RecordRequest,
	}
	if config.AuthSecret != "" {
		authManager, err := NewAuthManager(config.AuthSecret)
		if err != nil {
			return fmt.Errorf("failed to initialize auth manager: %w", err)
		}
		nodeConfig.Authenticate = authManager.Authenticate
		logger.Info("bearer token authentication enabled")
	} else {
		logger.Warn("bearer token authentication disabled, any client that can connect may sign")
	}

	rpcNode, err := rpc.NewWebsocketNode(nodeConfig)
	if err != nil {
		return fmt.Errorf("failed to create RPC node: %w", err)
	}
	NewRPCRouter(rpcNode, signer, kr, NewAuditLogStore(db), metrics, logger)

	rpcMux := http.NewServeMux()
	rpcMux.Handle(config.RPCEndpoint, rpcNode)
	rpcServer := &http.Server{
		Addr:              config.RPCListenAddr,
		Handler:           rpcMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(config.MetricsEndpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	metricsServer := &http.Server{
		Addr:              config.MetricsListenAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		metrics.RecordMetricsPeriodically(gctx, signerStack{kr, buffer}, metricsSampleInterval, logger)
		return nil
	})

	g.Go(func() error {
		logger.Info("Prometheus metrics available", "listenAddr", config.MetricsListenAddr, "endpoint", config.MetricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failure: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("RPC server available", "listenAddr", config.RPCListenAddr, "endpoint", config.RPCEndpoint, "keys", kr.Len())
		if err := rpcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("RPC server failure: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics server", "error", err)
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down RPC server", "error", err)
		}
		return nil
	})

	return g.Wait()
}
