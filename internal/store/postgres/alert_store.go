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

// AlertStore implements domain.AlertStore using PostgreSQL.
type AlertStore struct {
	pool *pgxpool.Pool
}

var _ domain.AlertStore = (*AlertStore)(nil)

// NewAlertStore creates a new AlertStore backed by the given pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

const alertCols = `id, source, body, received_at, status, position_id, reason`

// Insert stores a raw alert. Redelivery of the same id is ignored.
func (s *AlertStore) Insert(ctx context.Context, a domain.Alert) error {
	status := a.Status
	if status == "" {
		status = domain.AlertStatusReceived
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (`+alertCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Source, a.Text, a.ReceivedAt, string(status), a.PositionID, a.Reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert alert %s: %w", a.ID, err)
	}
	return nil
}

// MarkProcessed records the outcome of an alert.
func (s *AlertStore) MarkProcessed(ctx context.Context, id string, status domain.AlertStatus, positionID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET status = $2, position_id = $3, reason = $4, updated_at = NOW() WHERE id = $1`,
		id, string(status), positionID, reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark alert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single alert.
func (s *AlertStore) GetByID(ctx context.Context, id string) (domain.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Alert{}, domain.ErrNotFound
		}
		return domain.Alert{}, fmt.Errorf("postgres: get alert %s: %w", id, err)
	}
	return a, nil
}

// ListBefore returns alerts received before the cutoff whose processing has
// finished.
func (s *AlertStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertCols+` FROM alerts
		 WHERE received_at < $1 AND status <> 'received'
		 ORDER BY received_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: alert rows: %w", err)
	}
	return out, nil
}

// DeleteByIDs removes the given alerts.
func (s *AlertStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAlert(row pgx.Row) (domain.Alert, error) {
	var (
		a      domain.Alert
		status string
	)
	if err := row.Scan(&a.ID, &a.Source, &a.Text, &a.ReceivedAt, &status, &a.PositionID, &a.Reason); err != nil {
		return domain.Alert{}, err
	}
	a.Status = domain.AlertStatus(status)
	return a, nil
}
