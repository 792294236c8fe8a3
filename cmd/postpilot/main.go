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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"postpilot/internal/api"
	"postpilot/internal/config"
	"postpilot/internal/poller"
	"postpilot/internal/provider"
	"postpilot/internal/publisher"
	"postpilot/internal/scheduler"
	"postpilot/internal/store"
	"postpilot/internal/telegram"
	"postpilot/internal/trigger"
)

func main() {
	var (
		cfgPath = flag.String("config", "config.yaml", "path to config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	tg, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.Timeout.Std())
	if err != nil {
		log.Fatal().Err(err).Msg("telegram client")
	}
	pc := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout.Std(), cfg.Provider.StatusRate)

	pub := publisher.NewService(st, tg, cfg.Publisher.FetchTimeout.Std())
	poll := poller.NewService(st, pc, pub, cfg.Poller.Workers)
	sched := scheduler.NewService(st)

	run, err := trigger.New(sched, poll, trigger.Config{
		ScheduleSpec: cfg.Scheduler.Cron,
		PollSpec:     cfg.Poller.Cron,
		BatchSize:    cfg.Poller.BatchSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cron trigger")
	}
	run.Start()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(st, sched, poll, pub, cfg.Poller.BatchSize, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	<-run.Stop().Done()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
