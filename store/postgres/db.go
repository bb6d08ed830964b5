// Package postgres is the durable store of the relay: processing records,
// checkpoint cursors and block ancestry, on database/sql with lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	// defaultQueryTimeout is applied to individual queries when the caller
	// context carries no deadline.
	defaultQueryTimeout = 30 * time.Second
)

// Config holds the connection pool settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DB wraps the connection pool.
type DB struct {
	*sql.DB
	logger *logrus.Logger
}

// New opens and pings the database.
//
// Parameters:
// - ctx: the context for the initial ping.
// - cfg: the connection settings.
// - logger: the logger.
//
// Returns:
// - *DB: the connected database.
// - error: an error wrapping ErrDatabaseConnect if the database is unreachable.
func New(ctx context.Context, cfg Config, logger *logrus.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
	}

	return &DB{DB: db, logger: logger}, nil
}

// Migrate applies the embedded schema files in lexical order. Every file is
// idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}
		db.logger.WithField("migration", name).Debug("Applied migration")
	}

	return nil
}

// withTimeout bounds ctx by defaultQueryTimeout unless it already has a deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.WithError(rbErr).Warn("Failed to roll back transaction")
		}
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
