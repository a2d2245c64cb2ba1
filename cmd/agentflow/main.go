package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/api"
	"agentflow/internal/handlers/shell"
	"agentflow/internal/handlers/webhook"
	"agentflow/internal/scheduler"
	"agentflow/internal/store"
)

func main() {
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", envOr("AGENTFLOW_ADDR", ":8080"), "HTTP bind address")
		dbPath     = flag.String("db", envOr("AGENTFLOW_DB", "agentflow.db"), "SQLite DB path")
		workers    = flag.Int("workers", 8, "max concurrent handler executions")
		poll       = flag.Duration("poll", 250*time.Millisecond, "due-task poll interval")
		timeout    = flag.Duration("handler-timeout", time.Minute, "per-handler execution timeout")
		rateLimit  = flag.Float64("rate", 0, "max dispatches per second (0 = unlimited)")
		staleAfter = flag.Duration("stale-after", 5*time.Minute, "requeue running tasks untouched this long")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	// Claims left over by a crashed worker go back to pending.
	if n, err := st.RequeueStale(context.Background(), *staleAfter); err == nil && n > 0 {
		log.Info().Int("requeued", n).Msg("requeued stale running tasks")
	}

	registry := scheduler.HandlerMap{
		"webhook": webhook.Webhook{},
		"shell":   shell.Shell{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := scheduler.New(st, registry, scheduler.Config{
		PollInterval:   *poll,
		Workers:        *workers,
		HandlerTimeout: *timeout,
		DispatchRate:   *rateLimit,
	})
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	<-loopDone

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
