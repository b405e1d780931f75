// Package store is the PostgreSQL persistence layer: the fund projection,
// redemption requests, approval tickets, rebalance plans, risk records and
// the processed-event audit table.
//
// Writes that must be atomic (an event handler's projection update plus its
// processed row) run inside WithTx; every repository method takes a Querier
// so it works against either the pool or an open transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed means the (tx_hash, log_index) pair already has a
	// processed row; the event is a replay.
	ErrAlreadyProcessed = errors.New("event already processed")

	// ErrStaleStatus means a guarded status update matched no row; the
	// entity moved on concurrently.
	ErrStaleStatus = errors.New("status changed concurrently")
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps the connection pool.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	log     zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(postgresURL string, timeout time.Duration, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{
		db:      db,
		timeout: timeout,
		log:     logger.With().Str("component", "store").Logger(),
	}, nil
}

// DB exposes the pool for read-only use outside a transaction.
func (s *Store) DB() *sql.DB { return s.db }

// Close shuts the pool down.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction with the store's statement deadline.
// The transaction commits iff fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// InsertEventProcessed records that an event was applied. The unique index on
// (tx_hash, log_index) makes this the transactional second line of defense
// against replays: a duplicate returns ErrAlreadyProcessed and the enclosing
// transaction rolls back before any projection write commits.
func (s *Store) InsertEventProcessed(ctx context.Context, q Querier, txHash string, logIndex uint, kind string, blockNumber uint64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO event_processed (tx_hash, log_index, event_kind, block_number, processed_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		txHash, logIndex, kind, blockNumber)
	if isUniqueViolation(err) {
		return ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("insert event_processed %s:%d: %w", txHash, logIndex, err)
	}
	return nil
}

// EventProcessedExists reports whether an event row is already present.
func (s *Store) EventProcessedExists(ctx context.Context, q Querier, txHash string, logIndex uint) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM event_processed WHERE tx_hash = $1 AND log_index = $2`,
		txHash, logIndex).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event_processed: %w", err)
	}
	return true, nil
}
