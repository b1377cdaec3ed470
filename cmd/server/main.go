package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transfer-ledger/internal/config"
	"transfer-ledger/internal/domain"
	"transfer-ledger/internal/events"
	"transfer-ledger/internal/httpapi"
	"transfer-ledger/internal/store"
	"transfer-ledger/internal/store/memory"
	"transfer-ledger/internal/telemetry"
	"transfer-ledger/internal/transfer"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "transfer-ledger"

// ledgerStore is what the server needs from either store implementation.
type ledgerStore interface {
	domain.Ledger
	httpapi.Reader
	EnsureAccount(ctx context.Context, acc domain.Account) error
}

func main() {
	start := time.Now()

	cfg := config.Load()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("startup begin",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
		zap.Bool("migrate", cfg.Migrate),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Startup context
	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	defer startCancel()

	shutdownTracer, err := telemetry.InitTracer(startCtx, serviceName, cfg.OTLPEndpoint, cfg.Environment, logger)
	if err != nil {
		logger.Fatal("tracer init failed", zap.Error(err))
	}
	defer shutdownTracer()

	st, closeStore, err := openStore(startCtx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	if err := seedAccounts(startCtx, st, cfg.SeedAccounts, logger); err != nil {
		logger.Fatal("seeding accounts failed", zap.Error(err))
	}

	engineOpts := []transfer.Option{transfer.WithLogger(logger)}
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("nats connect failed", zap.Error(err))
		}
		defer pub.Close()
		engineOpts = append(engineOpts, transfer.WithNotifier(pub))
		logger.Info("publishing transfer events", zap.String("nats_url", cfg.NATSURL))
	}
	eng := transfer.New(st, engineOpts...)

	h := httpapi.NewHandlers(eng, st,
		httpapi.WithLogger(logger),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
		httpapi.WithTransientRetries(cfg.TransientRetries, 0),
	)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, httpapi.RouterConfig{MaxInflight: cfg.MaxInflight}),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	servers := []*http.Server{srv}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	logger.Info("ready",
		zap.Duration("startup", time.Since(start).Truncate(time.Millisecond)),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledgerStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory ledger, state is lost on exit")
		return memory.New(memory.WithLockTimeout(cfg.LockTimeout)), func() {}, nil
	}

	logger.Info("parsing DB config", zap.Int("max_conns", cfg.MaxConns))
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	pcfg.MaxConns = int32(cfg.MaxConns)
	pcfg.MinConns = 1
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	if cfg.Migrate {
		logger.Info("running migrations")
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("migrations complete")
	} else {
		logger.Info("migrations disabled")
	}

	return store.New(pool, store.WithLockTimeout(cfg.LockTimeout)), pool.Close, nil
}

func seedAccounts(ctx context.Context, st ledgerStore, raw string, logger *zap.Logger) error {
	accounts, err := config.ParseSeedAccounts(raw)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if err := st.EnsureAccount(ctx, acc); err != nil {
			return err
		}
		logger.Info("seed account ensured",
			zap.String("account_id", acc.ID),
			zap.String("currency", acc.Currency),
		)
	}
	return nil
}
