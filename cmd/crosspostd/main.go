package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"crosspost/internal/api"
	"crosspost/internal/auth"
	"crosspost/internal/broker"
	"crosspost/internal/claim"
	"crosspost/internal/domain"
	"crosspost/internal/publish"
	"crosspost/internal/queue"
	"crosspost/internal/scheduler"
	"crosspost/internal/selector"
	"crosspost/internal/store"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "HTTP bind address")
		dbPath        = flag.String("db", "crosspost.db", "SQLite DB path")
		tick          = flag.Duration("tick", time.Minute, "scheduler tick interval")
		lease         = flag.Duration("lease", 2*time.Minute, "queue lease duration")
		recoverEvery  = flag.Duration("recover", 30*time.Second, "expired lease sweep interval")
		metricsEvery  = flag.Duration("metrics", time.Minute, "region metrics refresh interval")
		rebalanceCron = flag.String("rebalance", "0 * * * *", "cron schedule for the region rebalance sweep")
		pullRate      = flag.Float64("pull-rate", 10, "per-worker pull requests per second (0 disables)")
		adminToken    = flag.String("admin-token", "", "token for the /admin surface")
		dev           = flag.Bool("dev", false, "dev mode: in-memory stores, generated secrets, local runner")
		webhookURL    = flag.String("webhook", "", "publish gateway endpoint for the dev runner")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	signingSecret := os.Getenv("CROSSPOST_TOKEN_SECRET")
	registrationSecret := os.Getenv("CROSSPOST_REGISTRATION_SECRET")
	if *dev {
		if signingSecret == "" {
			signingSecret = "dev-signing-secret"
		}
		if registrationSecret == "" {
			registrationSecret = "dev-registration-secret"
		}
		if *adminToken == "" {
			*adminToken = "dev-admin"
		}
		log.Warn().Msg("dev mode: using generated secrets, do not expose this instance")
	} else if signingSecret == "" || registrationSecret == "" {
		log.Fatal().Msg("CROSSPOST_TOKEN_SECRET and CROSSPOST_REGISTRATION_SECRET must be set")
	}
	if *adminToken == "" {
		log.Fatal().Msg("-admin-token is required outside dev mode")
	}

	var (
		q  queue.Queue
		st store.Store
	)
	if *dev {
		q = queue.NewMemory(*lease)
		st = store.NewMemory()
	} else {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer

		if err := queue.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure queue schema")
		}
		if err := store.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure store schema")
		}
		q = queue.NewSQLite(db, *lease)
		st = store.NewSQLite(db)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authSvc := auth.NewService(signingSecret, registrationSecret, 24*time.Hour)
	claims := claim.NewService(q, st)
	credBroker := broker.New(st)
	sel := selector.New(st, q)
	sched := scheduler.NewService(st, q, sel, *tick)

	if n, err := claims.RecoverExpired(ctx, time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered expired leases")
	}

	go sched.Start(ctx)
	go sweepExpired(ctx, claims, *recoverEvery)
	go refreshMetrics(ctx, sel, *metricsEvery)

	// Rebalance runs on a cron schedule; dry runs stay available on demand
	// through the admin surface.
	jobs := cron.New()
	if _, err := jobs.AddFunc(*rebalanceCron, func() {
		changes, err := sel.Rebalance(ctx, false)
		if err != nil {
			log.Error().Err(err).Msg("scheduled rebalance")
			return
		}
		log.Info().Int("changes", len(changes)).Msg("scheduled rebalance complete")
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", *rebalanceCron).Msg("invalid rebalance schedule")
	}
	jobs.Start()
	defer jobs.Stop()

	var runner *publish.Runner
	if *dev && *webhookURL != "" {
		scope := auth.Scope{WorkerID: "local", Region: "us-east-1", Platforms: domain.Platforms}
		runner = publish.NewRunner(claims, credBroker, publish.NewWebhook(*webhookURL, 30*time.Second), scope, time.Second)
		go runner.Run(ctx)
		log.Info().Str("endpoint", *webhookURL).Msg("dev runner started")
	}

	srv := &http.Server{
		Addr: *addr,
		Handler: api.NewServer(api.Config{
			Auth:       authSvc,
			Claims:     claims,
			Broker:     credBroker,
			Selector:   sel,
			Scheduler:  sched,
			Queue:      q,
			Store:      st,
			AdminToken: *adminToken,
			PullRate:   rate.Limit(*pullRate),
		}),
	}
	go func() {
		log.Info().Str("addr", *addr).Bool("dev", *dev).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	if runner != nil {
		runner.Stop()
	}
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func sweepExpired(ctx context.Context, claims *claim.Service, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n, err := claims.RecoverExpired(ctx, now); err != nil {
				log.Error().Err(err).Msg("recover expired leases")
			} else if n > 0 {
				log.Info().Int("recovered", n).Msg("recovered expired leases")
			}
		}
	}
}

func refreshMetrics(ctx context.Context, sel *selector.Selector, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sel.RefreshMetrics(ctx); err != nil {
				log.Error().Err(err).Msg("refresh region metrics")
			}
		}
	}
}
