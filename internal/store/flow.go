package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kelpejol/strata/internal/model"
)

// FlowKind labels one direction of fund flow in the history table.
type FlowKind string

const (
	FlowDeposit    FlowKind = "DEPOSIT"
	FlowWithdrawal FlowKind = "WITHDRAWAL"
)

// InsertFlow appends one confirmed fund flow. The forecaster derives
// historical deposit and redemption rates from this series.
func (s *Store) InsertFlow(ctx context.Context, q Querier, kind FlowKind, amount *model.Amount, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO flow_history (kind, amount, created_at) VALUES ($1, $2, $3)`,
		kind, amount, at)
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// FlowSince sums one flow direction over a trailing window.
func (s *Store) FlowSince(ctx context.Context, q Querier, kind FlowKind, since time.Time) (*model.Amount, error) {
	sum := model.ZeroAmount()
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM flow_history
		WHERE kind = $1 AND created_at >= $2`, kind, since).Scan(sum)
	if err != nil {
		return nil, fmt.Errorf("flow since: %w", err)
	}
	return sum, nil
}
