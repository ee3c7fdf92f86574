package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"agent-scheduler/internal/jobs"
	"agent-scheduler/internal/projects"
	redisx "agent-scheduler/internal/redis"
	"agent-scheduler/internal/webhook"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "webhook").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Config ----
	httpAddr := getenv("WEBHOOK_HTTP_ADDR", ":8083")
	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		log.Fatal().Msg("WEBHOOK_SECRET is required")
	}
	ratePerSec := atoi(getenv("WEBHOOK_RATE_PER_SEC", "50"), 50)

	// ---- DB ----
	db, err := sql.Open("pgx", pgDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("db open failed")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}

	// ---- Redis ----
	rdb, err := redisx.Dial(ctx, redisx.FromEnv())
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer rdb.Close()

	// ---- Handler ----
	h := &webhook.Handler{
		Secret:      []byte(secret),
		Deployments: webhook.NewDeploymentPostgres(db),
		Projects:    projects.NewPostgres(db),
		Jobs:        jobs.NewPostgres(db),
		Bus:         redisx.NewBus(rdb),
		Dedupe:      redisx.NewDeduper(rdb),
		Limiter:     rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		Log:         log,
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/triggers/webhook", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"webhook"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpAddr).Msg("webhook ingress listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http serve failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// ---- helpers ----

func pgDSN() string {
	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "agent")
	pass := getenv("POSTGRES_PASSWORD", "agent")
	dbname := getenv("POSTGRES_DB", "agent")
	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
