package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const migrationsDir = "internal/db/migrations"

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "migrate").Logger()
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, pgDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer conn.Close(ctx)

	n, err := migrate(ctx, conn, migrationsDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
	log.Info().Int("applied", n).Msg("migrations up to date")
}

// migrate applies every .sql file under dir, in name order, exactly once.
// Applied files are recorded with a content checksum; a file that changes
// after being applied aborts the run rather than silently diverging.
func migrate(ctx context.Context, conn *pgx.Conn, dir string, log zerolog.Logger) (int, error) {
	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  filename text PRIMARY KEY,
  checksum text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
)`); err != nil {
		return 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	files, err := listMigrations(dir)
	if err != nil {
		return 0, err
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			return n, fmt.Errorf("read %s: %w", f, err)
		}
		sum := sha256.Sum256(sqlBytes)
		sumHex := hex.EncodeToString(sum[:])

		if prev, ok := applied[f]; ok {
			if prev != sumHex {
				return n, fmt.Errorf("%s changed after apply (checksum %s, recorded %s)", f, sumHex, prev)
			}
			log.Debug().Str("file", f).Msg("already applied")
			continue
		}

		start := time.Now()
		if _, err := conn.Exec(ctx, string(sqlBytes)); err != nil {
			return n, fmt.Errorf("apply %s: %w", f, err)
		}
		if _, err := conn.Exec(ctx,
			`INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`, f, sumHex); err != nil {
			return n, fmt.Errorf("record %s: %w", f, err)
		}
		n++
		log.Info().Str("file", f).Dur("took", time.Since(start)).Msg("applied")
	}
	return n, nil
}

func listMigrations(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadApplied(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT filename, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]string{}
	for rows.Next() {
		var fn, sum string
		if err := rows.Scan(&fn, &sum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[fn] = sum
	}
	return applied, rows.Err()
}

// ---- helpers ----

func pgDSN() string {
	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "agent")
	pass := getenv("POSTGRES_PASSWORD", "agent")
	dbname := getenv("POSTGRES_DB", "agent")
	ssl := getenv("POSTGRES_SSLMODE", "disable")
	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=" + ssl
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
