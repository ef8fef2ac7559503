package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"accountmarket/auth"
	"accountmarket/config"
	"accountmarket/db"
	"accountmarket/dispute"
	"accountmarket/escrow"
	"accountmarket/httpapi"
	"accountmarket/janitor"
	"accountmarket/ledger"
	"accountmarket/logging"
	"accountmarket/metrics"
	"accountmarket/notify"
	"accountmarket/purchase"
	"accountmarket/report"
	"accountmarket/sale"
	"accountmarket/workflow"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	var configPath, envFile string
	var noJanitor bool
	flagSet := pflag.NewFlagSet("accountmarket-api", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML configuration")
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file loaded into the environment before configuration")
	flagSet.BoolVar(&noJanitor, "no-janitor", false, "serve HTTP without running the background sweeps")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if envFile != "" {
		// variables already set in the environment win over the file
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if noJanitor {
		cfg.Janitor.Disabled = true
	}
	logger := logging.Setup(cfg.Service, cfg.Env, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Serve(ctx)
}

// app owns every long-lived resource of the process. The ledger handle is
// opened once here and injected into every component.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   ledger.Store
	closers []func() error
	janitor *janitor.Janitor
	handler http.Handler
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := db.OpenLedger(ctx, db.Options{
		Driver:      cfg.Ledger.Driver,
		DatabaseURL: cfg.Ledger.DatabaseURL,
		SQLitePath:  cfg.Ledger.SQLitePath,
		Migrate:     cfg.Ledger.Migrate,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap ledger: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sinks := notify.Multi{notify.LogSink{Logger: logger}}
	if len(cfg.Kafka.Brokers) > 0 {
		k := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		a.closers = append(a.closers, k.Close)
		sinks = append(sinks, k)
	}
	notifier := notify.NewNotifier(sinks, logger, m)
	drain := cfg.HTTP.ShutdownTimeout.Duration
	if drain <= 0 {
		drain = 10 * time.Second
	}
	a.closers = append(a.closers, func() error {
		drainCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		return notifier.Close(drainCtx)
	})

	rate, err := cfg.CommissionRate()
	if err != nil {
		a.Close()
		return nil, err
	}
	quoter, err := sale.NewQuoter(rate)
	if err != nil {
		a.Close()
		return nil, err
	}
	key, err := cfg.SealKey()
	if err != nil {
		a.Close()
		return nil, err
	}
	sealer, err := escrow.NewSealer(key)
	if err != nil {
		a.Close()
		return nil, err
	}
	authSvc, err := auth.NewService(cfg.Auth.JWTSecret,
		auth.WithTTL(cfg.Auth.TokenTTL.Duration),
		auth.WithOperators(cfg.Auth.Operators),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	d := workflow.New(store, workflow.Options{
		Quoter:   quoter,
		Policy:   cfg.EscrowPolicy(),
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
	})
	engine := escrow.NewEngine(d, sealer)

	srv := httpapi.New(httpapi.Config{
		Ledger:    store,
		Auth:      authSvc,
		Purchases: purchase.NewCoordinator(d, engine),
		Escrow:    engine,
		Sales:     sale.NewLedger(store),
		Disputes:  dispute.NewService(d),
		Reports:   report.NewTriage(store, report.Options{Notifier: notifier, Metrics: m}),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		LoginLimit: httpapi.RateLimit{
			RequestsPerMinute: cfg.HTTP.LoginPerMinute,
			Burst:             cfg.HTTP.LoginBurst,
		},
		Logger: logger,
	})
	a.handler = srv.Handler()

	if !cfg.Janitor.Disabled {
		var lease janitor.Lease
		if cfg.Redis.Addr != "" {
			client := janitor.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			a.closers = append(a.closers, client.Close)
			lease = janitor.NewRedisLease(client, cfg.Redis.LeaseKey)
		}
		a.janitor = janitor.New(d, cfg.JanitorConfig(), lease, m, logger)
	}
	return a, nil
}

// Serve runs the HTTP server and the janitor until ctx is done, then drains
// in-flight requests.
func (a *app) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: a.cfg.HTTP.WriteTimeout.Duration,
	}

	janitorDone := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(janitorDone)
		if a.janitor != nil {
			_ = a.janitor.Run(runCtx)
		}
	}()

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		errs <- httpServer.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err = <-errs:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout.Duration)
	defer done()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error("http shutdown", slog.Any("err", serr))
	}
	<-janitorDone

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close resource", slog.Any("err", err))
		}
	}
	a.closers = nil
}
