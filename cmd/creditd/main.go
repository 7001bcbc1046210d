package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crosscredit/chainclient"
	"crosscredit/datasync"
	"crosscredit/executor"
	"crosscredit/indexer"
	"crosscredit/nonce"
	"crosscredit/observability/logging"
	"crosscredit/observability/otel"
	"crosscredit/registry"
	"crosscredit/signer"
	"crosscredit/snapshot"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logging.Setup("creditd", "bootstrap").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup("creditd", cfg.Environment)
	log.Info("starting creditd", "config", cfg.Sanitized())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := func(context.Context) error { return nil }
	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdownTelemetry, err = otel.Init(ctx, otel.Config{
			ServiceName: "creditd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			log.Error("init telemetry", "error", err)
			os.Exit(1)
		}
	}

	reg := registry.Default()
	if cfg.RegistryPath != "" {
		reg, err = registry.Load(cfg.RegistryPath)
		if err != nil {
			log.Error("load chain registry", "path", cfg.RegistryPath, "error", err)
			os.Exit(1)
		}
	}

	store, err := snapshot.OpenStore(cfg.SnapshotPath)
	if err != nil {
		log.Error("open snapshot store", "path", cfg.SnapshotPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	wallet, err := signer.NewEnvWallet(cfg.WalletKeyEnv)
	if err != nil {
		log.Error("load session wallet", "env", cfg.WalletKeyEnv, "error", err)
		os.Exit(1)
	}
	log.Info("session wallet loaded", "address", wallet.Address().Hex())

	chains, err := chainclient.Dial(ctx, reg)
	if err != nil {
		log.Error("dial chain rpcs", "error", err)
		os.Exit(1)
	}
	defer chains.Close()

	relay := indexer.NewClient(cfg.IndexerURL, cfg.IndexerToken)
	log.Info("indexer client ready", "url", cfg.IndexerURL, logging.Secret("token", cfg.IndexerToken))
	tracker := nonce.NewTracker(chains, log)
	sig := signer.New(wallet, reg)
	exec := executor.New(chains, relay, sig, tracker, reg, wallet, log)
	coord := datasync.NewCoordinator(relay, chains, store, tracker, log,
		datasync.WithPollInterval(cfg.PollInterval))

	go tracker.Run(ctx)
	go coord.Run(ctx)

	server := NewServer(coord, exec, relay, reg, cfg.LTVBps, cfg.RatePerMin, cfg.GaslessDefault, log)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(server, "creditd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Error("telemetry shutdown", "error", err)
	}
	log.Info("creditd stopped")
}
