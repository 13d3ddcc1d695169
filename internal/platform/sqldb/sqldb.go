// Package sqldb opens the run ledger database. PostgreSQL URLs go through the
// pgx stdlib driver; anything else is treated as a SQLite file.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/animus-labs/cubemosaic/internal/platform/env"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func ConfigFromEnv(url string) (Config, error) {
	pingTimeout, err := env.Duration("CUBEMOSAIC_LEDGER_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("CUBEMOSAIC_LEDGER_MAX_OPEN_CONNS", 4)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("CUBEMOSAIC_LEDGER_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("CUBEMOSAIC_LEDGER_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             url,
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("ledger url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("CUBEMOSAIC_LEDGER_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("CUBEMOSAIC_LEDGER_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("CUBEMOSAIC_LEDGER_MAX_IDLE_CONNS must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("CUBEMOSAIC_LEDGER_MAX_IDLE_CONNS must be <= CUBEMOSAIC_LEDGER_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("connection lifetimes must be >= 0")
	}
	return nil
}

// DialectOf picks the driver for a ledger URL.
func DialectOf(url string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(url))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return Postgres
	}
	return SQLite
}

func driverAndDSN(url string) (string, string) {
	if DialectOf(url) == Postgres {
		return "pgx", url
	}
	dsn := strings.TrimPrefix(strings.TrimSpace(url), "sqlite://")
	return "sqlite", dsn
}

func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	driver, dsn := driverAndDSN(cfg.URL)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open: %w", err)
	}

	dialect := DialectOf(cfg.URL)
	if dialect == SQLite {
		// a single writer avoids SQLITE_BUSY between concurrent group records
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping: %w", err)
	}

	return db, dialect, nil
}

var numberedParam = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders into the form the dialect's driver accepts.
func Rebind(d Dialect, query string) string {
	if d == SQLite {
		return numberedParam.ReplaceAllString(query, "?$1")
	}
	return query
}
