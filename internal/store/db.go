package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenOptions tunes the connection pool and the startup ping retry.
type OpenOptions struct {
	MaxOpenConns   int
	MaxIdleConns   int
	PingTimeout    time.Duration
	MaxElapsedTime time.Duration
}

func defaultOpenOptions() OpenOptions {
	return OpenOptions{
		MaxOpenConns:   20,
		MaxIdleConns:   10,
		PingTimeout:    5 * time.Second,
		MaxElapsedTime: 30 * time.Second,
	}
}

// Open connects to Postgres through the pgx stdlib driver and waits for the
// database to answer a ping, retrying with exponential backoff.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	return OpenWithOptions(ctx, databaseURL, defaultOpenOptions())
}

func OpenWithOptions(ctx context.Context, databaseURL string, opts OpenOptions) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)

	if err := pingWithRetry(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func pingWithRetry(ctx context.Context, db pinger, opts OpenOptions) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = opts.MaxElapsedTime

	operation := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}
