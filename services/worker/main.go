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

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"agent-scheduler/internal/engine"
	"agent-scheduler/internal/jobs"
	redisx "agent-scheduler/internal/redis"
	"agent-scheduler/internal/worker"
)

func main() {
	workerID := uuid.NewString()
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("service", "worker").Str("worker_id", workerID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Config ----
	httpAddr := getenv("WORKER_HTTP_ADDR", ":8082")
	engineURL := getenv("ENGINE_URL", "http://localhost:9090")
	engineKey := os.Getenv("ENGINE_API_KEY")
	pollSec := atoi(getenv("WORKER_POLL_SEC", "5"), 5)

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

	// ---- Runner ----
	r := &worker.Runner{
		WorkerID:     workerID,
		Store:        jobs.NewPostgres(db),
		Engine:       engine.NewClient(engineURL, engineKey),
		Bus:          redisx.NewBus(rdb),
		PollInterval: time.Duration(pollSec) * time.Second,
		Log:          log,
	}
	if err := r.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("runner start failed")
	}

	// ---- Health server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"worker"}`))
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
		log.Info().Str("addr", httpAddr).Msg("worker listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http serve failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	r.Stop()
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
