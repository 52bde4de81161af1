// Package main implements the reference job source for prefixminer.
// It serves jobs over HTTP, either on a fixed previous hash or built from
// Bitcoin Core block templates, and validates the solutions posted back.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/prefixminer/internal/bitcoin"
	"github.com/bardlex/prefixminer/internal/config"
	"github.com/bardlex/prefixminer/internal/jobserver"
	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/internal/sinks"
	"github.com/bardlex/prefixminer/internal/validation"
	"github.com/bardlex/prefixminer/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName+"-jobserver", cfg.Version, cfg.LogLevel, cfg.LogFormatOr("json"))
	logger.Info("starting jobserver",
		"version", cfg.Version,
		"listen", cfg.ListenAddress(),
		"difficulty", cfg.JobDifficulty,
		"bitcoin_host", cfg.BitcoinRPCHost,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("jobserver failed")
		os.Exit(1)
	}

	logger.Info("jobserver stopped")
}

// run serves until ctx is cancelled, then shuts the HTTP server down
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	params, err := chainParams(cfg)
	if err != nil {
		return err
	}

	source, closeSource, err := newSource(ctx, cfg, params, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	set := sinks.Build(ctx, cfg, sinks.LongRunning, logger)
	defer func() {
		if err := set.Close(); err != nil {
			logger.WithError(err).Warn("failed to close event sinks")
		}
	}()

	var sink report.Sink
	if set.Len() > 0 {
		sink = set.Fanout
	}

	// The address check uses the configured network only when one is set
	var addressParams *chaincfg.Params
	if cfg.AddressNetwork != "" {
		addressParams = params
	}

	srv := jobserver.NewServer(source, validation.NewSolutionValidator(cfg.JobDifficulty, addressParams), sink, logger)
	if set.Database != nil {
		srv.SetStatsProvider(set.Database)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run(runCtx, cfg.JobRefresh)
	}()

	if cfg.BitcoinZMQAddr != "" {
		startBlockNotifications(runCtx, cfg.BitcoinZMQAddr, srv, logger)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			_ = httpServer.Close()
			return fmt.Errorf("job refresh loop stopped: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	accepted, rejected := srv.Stats()
	logger.Info("submissions handled", "accepted", accepted, "rejected", rejected)
	return nil
}

// chainParams resolves ADDRESS_NETWORK, defaulting to mainnet
func chainParams(cfg *config.Config) (*chaincfg.Params, error) {
	if cfg.AddressNetwork == "" {
		return &chaincfg.MainNetParams, nil
	}
	return bitcoin.NetworkParams(cfg.AddressNetwork)
}

// newSource picks the Bitcoin Core template source when an RPC host is
// configured and the static source otherwise
func newSource(ctx context.Context, cfg *config.Config, params *chaincfg.Params, logger *log.Logger) (jobserver.Source, func(), error) {
	if cfg.BitcoinRPCHost == "" {
		logger.Info("serving static jobs", "prev_hash", cfg.StaticPrevHash)
		return jobserver.NewStaticSource(cfg.StaticPrevHash), func() {}, nil
	}

	client, err := bitcoin.NewRPCClient(bitcoin.RPCConfig{
		Host:     cfg.BitcoinRPCHost,
		Port:     cfg.BitcoinRPCPort,
		User:     cfg.BitcoinRPCUser,
		Password: cfg.BitcoinRPCPassword,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Bitcoin Core: %w", err)
	}
	logger.Info("connected to Bitcoin Core")

	return jobserver.NewTemplateJobSource(client, cfg.PayoutAddress, params), client.Close, nil
}

// startBlockNotifications refreshes the job on every hashblock notification.
// Failures are logged; the ticker keeps jobs fresh without ZMQ.
func startBlockNotifications(ctx context.Context, endpoint string, srv *jobserver.Server, logger *log.Logger) {
	notifier, err := bitcoin.NewZMQNotifier(endpoint, logger)
	if err != nil {
		logger.WithError(err).Warn("block notifications disabled")
		return
	}

	if err := listenForBlocks(ctx, notifier, srv, logger); err != nil {
		logger.WithError(err).Warn("block notifications disabled")
		_ = notifier.Close()
	}
}

// listenForBlocks subscribes notifier to hashblock and feeds it to srv in
// the background. The notifier is closed when ctx is done.
func listenForBlocks(ctx context.Context, notifier bitcoin.BlockNotifier, srv *jobserver.Server, logger *log.Logger) error {
	if err := notifier.Subscribe(bitcoin.TopicHashBlock); err != nil {
		return err
	}
	if err := notifier.Connect(); err != nil {
		return err
	}

	handler := bitcoin.NewBlockNotificationHandler(logger)
	handler.SetNewBlockHandler(srv.OnNewBlock)

	go func() {
		defer func() { _ = notifier.Close() }()
		if err := notifier.Listen(ctx, handler.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("ZMQ listener stopped")
		}
	}()
	return nil
}
