// Package dbtest connects integration tests to a real Postgres. Connection
// parameters come from DB_*_TEST variables with localhost defaults.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/lumashop-service/internal/config"
	"github.com/vasiliy-maslov/lumashop-service/internal/db"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Config returns the Postgres settings for the test database.
func Config() config.PostgresConfig {
	_, file, _, _ := runtime.Caller(0)
	migrations := filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")

	return config.PostgresConfig{
		Host:            getenv("DB_HOST_TEST", "localhost"),
		Port:            getenv("DB_PORT_TEST", "5432"),
		User:            getenv("DB_USER_TEST", "postgres"),
		Password:        getenv("DB_PASSWORD_TEST", "123456"),
		DBName:          getenv("DB_NAME_TEST", "lumashop_test"),
		SSLMode:         getenv("DB_SSLMODE_TEST", "disable"),
		Schema:          "lumashop",
		MaxConns:        20,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MigrationsPath:  migrations,
	}
}

// packageLockKey serialises test packages that share the database; go test
// runs packages in parallel and every package truncates the same tables.
const packageLockKey = 7_301_955

// Open connects and migrates the test database and takes the package lock.
// The returned release func unlocks and closes the pool. Callers treat an
// error as "no database available" and skip their integration tests.
func Open() (*db.Postgres, func(), error) {
	cfg := Config()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pg, err := db.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := db.ApplyMigrations(cfg); err != nil {
		pg.Close()
		return nil, nil, err
	}

	conn, err := pg.Pool.Acquire(context.Background())
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_lock($1)", packageLockKey); err != nil {
		conn.Release()
		pg.Close()
		return nil, nil, err
	}

	release := func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", packageLockKey)
		conn.Release()
		pg.Close()
	}

	return pg, release, nil
}

func Truncate(tb testing.TB, pool *pgxpool.Pool, tables ...string) {
	tb.Helper()
	if len(tables) == 0 {
		tables = []string{"lumashop.orders", "lumashop.products", "lumashop.listings"}
	}
	_, err := pool.Exec(context.Background(), "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE")
	require.NoError(tb, err, "failed to truncate tables")
}
