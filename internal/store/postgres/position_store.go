package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, signal_key, symbol, side, entry_price, quantity, venue, status,
	venue_ref, close_ref, take_profit, stop_loss, opened_at, closed_at, exit_price,
	last_checked_at, retry_count, failure_reason, alert_id, created_at, updated_at,
	filled_quantity`

// savePositionSQL upserts by id. Terminal rows are never updated, and a row
// is only replaced by a snapshot at least as new as itself, so a delayed
// retry of an older write cannot regress status or refs.
const savePositionSQL = `
		INSERT INTO positions (` + positionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			entry_price     = EXCLUDED.entry_price,
			quantity        = EXCLUDED.quantity,
			filled_quantity = EXCLUDED.filled_quantity,
			status          = EXCLUDED.status,
			venue_ref       = EXCLUDED.venue_ref,
			close_ref       = EXCLUDED.close_ref,
			take_profit     = EXCLUDED.take_profit,
			stop_loss       = EXCLUDED.stop_loss,
			opened_at       = EXCLUDED.opened_at,
			closed_at       = EXCLUDED.closed_at,
			exit_price      = EXCLUDED.exit_price,
			last_checked_at = EXCLUDED.last_checked_at,
			retry_count     = EXCLUDED.retry_count,
			failure_reason  = EXCLUDED.failure_reason,
			updated_at      = EXCLUDED.updated_at
		WHERE positions.status NOT IN ('CLOSED', 'FAILED')
		  AND positions.updated_at <= EXCLUDED.updated_at`

// Save upserts p by id. A write older than the stored row, or any write over
// a terminal row, is a no-op.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = updated
	}

	_, err := s.pool.Exec(ctx, savePositionSQL,
		p.ID, p.SignalKey, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity, p.Venue, string(p.Status),
		p.VenueRef, p.CloseRef, p.TakeProfit, p.StopLoss, nullTime(p.OpenedAt), p.ClosedAt, p.ExitPrice,
		nullTime(p.LastCheckedAt), p.RetryCount, p.FailureReason, p.AlertID, created, updated,
		p.FilledQuantity,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// LoadOpenPositions returns every non-terminal position, oldest first.
func (s *PositionStore) LoadOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status NOT IN ('CLOSED', 'FAILED')
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load open positions: %w", err)
	}
	return collectPositions(rows)
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListHistory returns positions newest first with optional time filtering on
// updated_at.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	clause, args := window("updated_at", opts, nil)
	query := `SELECT ` + positionCols + ` FROM positions WHERE TRUE` + clause

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	return collectPositions(rows)
}

// ListTerminalBefore returns CLOSED and FAILED positions last updated before
// the cutoff.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status IN ('CLOSED', 'FAILED') AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions: %w", err)
	}
	return collectPositions(rows)
}

// DeleteByIDs removes the given positions and returns how many were deleted.
func (s *PositionStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                   domain.Position
		side, status        string
		openedAt, lastCheck *time.Time
	)
	err := row.Scan(
		&p.ID, &p.SignalKey, &p.Symbol, &side, &p.EntryPrice, &p.Quantity, &p.Venue, &status,
		&p.VenueRef, &p.CloseRef, &p.TakeProfit, &p.StopLoss, &openedAt, &p.ClosedAt, &p.ExitPrice,
		&lastCheck, &p.RetryCount, &p.FailureReason, &p.AlertID, &p.CreatedAt, &p.UpdatedAt,
		&p.FilledQuantity,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.OrderSide(side)
	p.Status = domain.PositionStatus(status)
	if openedAt != nil {
		p.OpenedAt = *openedAt
	}
	if lastCheck != nil {
		p.LastCheckedAt = *lastCheck
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
