// cmd/migrate applies migrations/*.up.sql against the configured database.
// The schema_migrations table matches golang-migrate (bigint version + dirty
// flag), so the two tools are interchangeable.
//
// Usage:
//
//	go run ./cmd/migrate
//	LINKDEAL_DATABASE_URL=postgres://... go run ./cmd/migrate -dir migrations
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/config"
	"github.com/jmerrifield20/linkdeal/internal/database"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the *.up.sql files")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), *dir, logger); err != nil {
		logger.Error("migrate failed", zap.Error(err))
		os.Exit(1)
	}
}

type migration struct {
	version int64
	file    string
}

func run(ctx context.Context, dir string, logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := collect(dir)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		done, err := isApplied(ctx, db, m.version)
		if err != nil {
			return fmt.Errorf("check %s: %w", m.file, err)
		}
		if done {
			logger.Debug("skip migration", zap.String("file", m.file))
			continue
		}
		if err := apply(ctx, db, dir, m); err != nil {
			return err
		}
		logger.Info("applied migration", zap.String("file", m.file))
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(migrations)))
	return nil
}

func collect(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		ver, err := versionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: ver, file: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func isApplied(ctx context.Context, db *pgxpool.Pool, version int64) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
		version,
	).Scan(&exists)
	return exists, err
}

// apply runs one file and records it in a single transaction. The dirty row
// is committed first so a failed file stays visible.
func apply(ctx context.Context, db *pgxpool.Pool, dir string, m migration) error {
	sql, err := os.ReadFile(filepath.Join(dir, m.file))
	if err != nil {
		return fmt.Errorf("read %s: %w", m.file, err)
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
		 ON CONFLICT (version) DO UPDATE SET dirty = true`, m.version,
	); err != nil {
		return fmt.Errorf("mark dirty %s: %w", m.file, err)
	}

	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", m.file, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE schema_migrations SET dirty = false WHERE version = $1`, m.version); err != nil {
			return fmt.Errorf("mark clean %s: %w", m.file, err)
		}
		return nil
	})
}

// versionFromFile extracts the leading integer: "002_account_linking.up.sql" → 2.
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
