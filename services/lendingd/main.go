package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"ofzlend/internal/passphrase"
	"ofzlend/observability/logging"
	"ofzlend/observability/metrics"
	telemetry "ofzlend/observability/otel"
	"ofzlend/services/lending/engine"
	"ofzlend/services/lending/evm"
	"ofzlend/services/lending/portfolio"
	"ofzlend/services/lending/server"
	"ofzlend/services/lending/store"
	"ofzlend/services/lendingd/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("lendingd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lendingd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("lendingd configured", cfg.LogAttrs()...)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	backend, err := evm.Dial(dialCtx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info("connected to chain", logging.MaskURL("rpc", cfg.Chain.RPCURL))

	pass, err := passphrase.NewSource(cfg.Wallet.PassphraseEnv, cfg.Wallet.PassphraseFile).Get()
	if err != nil {
		return err
	}
	signer, err := evm.LoadKeystoreSigner(cfg.Wallet.Keystore, pass)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Store.Path, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close store", slog.Any("error", err))
		}
	}()

	evmCfg := evm.Config{
		SRUB:          common.HexToAddress(cfg.Contracts.SRUB),
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval.Duration,
		GasMultiplier: cfg.Chain.GasMultiplier,
	}
	if cfg.Chain.ChainID > 0 {
		evmCfg.ChainID = big.NewInt(cfg.Chain.ChainID)
	}
	chain, err := evm.NewClient(backend, signer, evmCfg)
	if err != nil {
		return err
	}

	m := metrics.Lending()
	hub := server.NewHub(logger)
	lending, err := engine.New(engine.Config{
		Session:        engine.Session{Address: signer.Address()},
		Spender:        evmCfg.SRUB,
		Params:         cfg.RiskParameters(),
		SettleDelay:    cfg.Engine.SettleDelay.Duration,
		ConfirmTimeout: cfg.Engine.ConfirmTimeout.Duration,
	}, chain, chain, chain, chain,
		engine.WithEngineNotifier(engine.MultiNotifier{engine.LogNotifier(logger), hub}),
		engine.WithEngineJournal(db),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer lending.Close()
	logger.Info("wallet session opened", logging.MaskField("owner", signer.Address().Hex()))

	if _, err := lending.VerifyParameters(ctx); err != nil {
		logger.Warn("verify protocol parameters", slog.Any("error", err))
	}
	if rec, ok, err := db.PendingRecord(); err != nil {
		logger.Warn("load pending transaction", slog.Any("error", err))
	} else if ok {
		if err := lending.Resume(rec); err != nil {
			logger.Warn("resume pending transaction", slog.String("id", rec.ID), slog.Any("error", err))
		} else {
			logger.Info("resumed pending transaction", slog.String("id", rec.ID), logging.MaskField("op", string(rec.Operation)))
		}
	}
	if _, err := lending.Dashboard(ctx, true); err != nil {
		logger.Warn("initial position refresh", slog.Any("error", err))
	}

	var holdings server.Portfolio
	if cfg.Contracts.PortfolioEnabled() {
		svc, err := buildPortfolio(cfg, chain, db, logger, m)
		if err != nil {
			return err
		}
		holdings = svc
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Engine:    lending,
		Portfolio: holdings,
		History:   db,
		Hub:       hub,
		Auth:      auth,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		OriginPatterns: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        m,
		WaitTimeout:    cfg.Engine.ConfirmTimeout.Duration,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down lendingd")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	return nil
}

func buildPortfolio(cfg config.Config, chain *evm.Client, cache portfolio.Cache, logger *slog.Logger, m *metrics.LendingMetrics) (*portfolio.Service, error) {
	scanner, err := portfolio.NewScanner(chain, portfolio.ScannerConfig{
		Factory:    common.HexToAddress(cfg.Contracts.BondFactory),
		StartBlock: cfg.Contracts.StartBlock,
		Window:     cfg.Contracts.ScanWindow,
	}, cache, logger, m)
	if err != nil {
		return nil, err
	}
	var multicall common.Address
	if cfg.Contracts.Multicall != "" {
		multicall = common.HexToAddress(cfg.Contracts.Multicall)
	}
	names := portfolio.NewShortNames(cfg.MarketData.URL, cfg.MarketData.Timeout.Duration, logger)
	return portfolio.NewService(chain, scanner, multicall, common.HexToAddress(cfg.Contracts.BondOracle), names, logger)
}
