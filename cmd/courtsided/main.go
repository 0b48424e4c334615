package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/internal/config"
	"github.com/jordannassie/courtside/internal/handlers"
	"github.com/jordannassie/courtside/internal/health"
	"github.com/jordannassie/courtside/internal/jobs"
	"github.com/jordannassie/courtside/internal/locks"
	"github.com/jordannassie/courtside/internal/notify"
	"github.com/jordannassie/courtside/internal/provider"
	"github.com/jordannassie/courtside/internal/settle"
	"github.com/jordannassie/courtside/internal/store"
	"github.com/jordannassie/courtside/pkg/models"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	log := newLogger(cfg.Log)

	db, err := store.Connect(cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := store.EnsureSchema(ctx, db); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}
	log.Info("connected to database")

	publisher, err := notify.NewStreamPublisher(cfg.Redis.URL, log)
	if err != nil {
		log.WithError(err).Fatal("connect redis")
	}
	if publisher != nil {
		defer publisher.Close()
		log.Info("stream publishing enabled")
	}

	workerID := locks.NewWorkerID()
	log.WithField("worker", workerID).Info("worker identity")

	lockMgr := locks.NewManager(locks.NewPGLeaseStore(db), workerID, log)
	events := store.NewEventStore(db, log)
	queue := settle.NewPGQueue(db)
	payouts := settle.NewPGPayouts(db)
	processor := settle.NewProcessor(queue, payouts, publisher, log)

	feed := provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.RequestsPerSec, log)

	leagues := parseLeagues(cfg.Jobs.Leagues, log)
	discovery := jobs.NewDiscovery(jobs.DiscoveryConfig{
		Leagues:      leagues,
		HoursBack:    cfg.Jobs.DiscoverHoursBack,
		HoursForward: cfg.Jobs.DiscoverHoursFwd,
	}, feed, events, log)
	syncJob := jobs.NewSync(jobs.SyncConfig{Leagues: leagues}, feed, events, queue, publisher, log)
	finalize := jobs.NewFinalize(jobs.FinalizeConfig{
		StuckAfter: time.Duration(cfg.Jobs.FinalizeStuckHours) * time.Hour,
	}, feed, events, queue, publisher, log)

	runner := jobs.NewRunner(jobs.RunnerConfig{
		DiscoverTTL: cfg.LockTTL(),
		FinalizeTTL: cfg.LockTTL(),
		SettleBatch: cfg.Jobs.SettleBatch,
	}, lockMgr, discovery, syncJob, finalize, processor, log)

	tracker := jobs.NewTracker()
	backfill := jobs.NewBackfill(jobs.BackfillConfig{
		Leagues:  leagues,
		LeaseTTL: cfg.LockTTL(),
	}, feed, events, lockMgr, tracker, log)

	monitor := health.NewMonitor(health.Config{}, health.NewPGStore(db), log)

	handler := handlers.NewHandler(runner, lockMgr, events, queue, processor, monitor, backfill, tracker, db, log)
	router := handlers.NewRouter(handler, []string{"*"})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.WithError(err).Fatal("server error")
	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
			_ = srv.Close()
		}
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func parseLeagues(names []string, log *logrus.Logger) []models.League {
	if len(names) == 0 {
		return models.AllLeagues()
	}
	var out []models.League
	for _, n := range names {
		league := models.League(strings.ToUpper(strings.TrimSpace(n)))
		known := false
		for _, l := range models.AllLeagues() {
			if l == league {
				known = true
				break
			}
		}
		if !known {
			log.WithField("league", n).Warn("unknown league in config, skipping")
			continue
		}
		out = append(out, league)
	}
	if len(out) == 0 {
		return models.AllLeagues()
	}
	return out
}
