package autosender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"autosender/crypto"
	"autosender/observability/logging"
	telemetry "autosender/observability/otel"
	"autosender/services/autosender/catalog"
	"autosender/services/autosender/ledger"
	"autosender/services/autosender/pacing"
	"autosender/services/autosender/wallet"
	"autosender/storage"
)

// Main runs the autosender daemon using the provided command line flags.
func Main() error {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "autosender.yaml", "path to autosender config (.yaml or .toml)")
	flag.BoolVar(&once, "once", false, "run a single campaign and exit")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	logger, logCloser := logging.Setup("autosender", cfg.Env, logging.Options{
		File: logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
		Format: cfg.Log.Format,
		Level:  cfg.LogLevel(),
	})
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(stopCtx, 30*time.Second)
	chain, closeChain, err := wallet.DialEVMClient(dialCtx, cfg.RPC.Endpoint, evmConfig(cfg))
	cancel()
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer closeChain()
	logger.Info("rpc connected", slog.String("chain_id", chain.ChainID().String()))

	custody := crypto.NewCustody(crypto.NewPassphraseSource(cfg.PassphraseEnvs()).Get)
	engine, store, err := Build(cfg, chain, custody, WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runCtx, cancelRun := context.WithCancel(stopCtx)
	defer cancelRun()
	group, groupCtx := errgroup.WithContext(runCtx)

	if listen := strings.TrimSpace(cfg.Admin.Listen); listen != "" {
		httpServer := &http.Server{
			Addr:         listen,
			Handler:      otelhttp.NewHandler(NewAdminServer(engine, nil), "autosender-admin"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		group.Go(func() error {
			logger.Info("admin listening", slog.String("addr", listen))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				_ = httpServer.Close()
			}
			return nil
		})
	}

	group.Go(func() error {
		defer cancelRun()
		if once {
			if err := engine.RunCampaign(groupCtx); err != nil && groupCtx.Err() == nil {
				return err
			}
			return nil
		}
		return engine.Run(groupCtx)
	})
	return group.Wait()
}

// Build wires the stores, catalog, recipients and pacing described by cfg into
// an engine driving chain. The returned store must be closed by the caller. A
// corrupt ledger aborts with an error wrapping ErrLedgerCorrupt.
func Build(cfg Config, chain wallet.Client, custody Custody, opts ...EngineOption) (*Engine, storage.Store, error) {
	tokens, err := catalog.LoadTokens(cfg.Tokens)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		tokens = nil
	case err != nil:
		return nil, nil, &ConfigError{Field: "tokens", Err: err}
	}
	cat, err := catalog.New(cfg.NativeAsset(), tokens)
	if err != nil {
		return nil, nil, &ConfigError{Field: "tokens", Err: err}
	}
	recipients, err := catalog.LoadRecipients(cfg.Recipients)
	if err != nil {
		return nil, nil, &ConfigError{Field: "recipients", Err: err}
	}
	policy, err := pacing.New(cfg.PacingConfig(), cat, pacing.SystemRandom())
	if err != nil {
		return nil, nil, &ConfigError{Field: "pacing", Err: err}
	}

	store, err := storage.Open(cfg.Ledger.Backend, cfg.Ledger.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger store: %w", err)
	}
	led, err := ledger.Open(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	engine, err := NewEngine(EngineConfig{
		Chain:       chain,
		Custody:     custody,
		Credentials: cfg.Credentials(),
		Catalog:     cat,
		Recipients:  recipients,
		Ledger:      led,
		Pacing:      policy,
		Retry:       cfg.RetryPolicy(),
		Interval:    cfg.Schedule.Interval.Duration,
	}, opts...)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return engine, store, nil
}

func evmConfig(cfg Config) wallet.EVMConfig {
	evm := wallet.EVMConfig{
		CallTimeout:    cfg.RPC.CallTimeout.Duration,
		Confirmations:  cfg.RPC.Confirmations,
		PollInterval:   cfg.RPC.PollInterval.Duration,
		ConfirmTimeout: cfg.RPC.ConfirmTimeout.Duration,
		RateLimit:      cfg.RPC.RateLimit,
		Burst:          cfg.RPC.Burst,
	}
	if cfg.RPC.ChainID > 0 {
		evm.ChainID = new(big.Int).SetUint64(cfg.RPC.ChainID)
	}
	return evm
}

func telemetryConfig(cfg Config) telemetry.Config {
	endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint)
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		endpoint = value
	}
	headers := cfg.Telemetry.Headers
	if value := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); strings.TrimSpace(value) != "" {
		headers = value
	}
	return telemetry.Config{
		ServiceName: "autosender",
		Environment: cfg.Env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(headers),
		Metrics:     cfg.Telemetry.Enabled,
		Traces:      cfg.Telemetry.Enabled,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
}
