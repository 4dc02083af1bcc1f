package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// CatalogStore reads the venue, instrument and source tables. The tables are
// maintained by an external admin tool; nothing here writes to them.
type CatalogStore struct {
	pool *pgxpool.Pool
}

var _ domain.CatalogStore = (*CatalogStore)(nil)

// NewCatalogStore creates a new CatalogStore backed by the given pool.
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

// ListInstruments returns enabled instruments on enabled venues.
func (s *CatalogStore) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.venue, i.symbol, i.min_quantity, i.max_quantity, i.max_leverage, i.max_notional
		FROM instruments i
		JOIN venues v ON v.id = i.venue
		WHERE i.enabled AND v.enabled
		ORDER BY i.venue, i.symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var in domain.Instrument
		if err := rows.Scan(&in.Venue, &in.Symbol, &in.MinQuantity, &in.MaxQuantity, &in.MaxLeverage, &in.MaxNotional); err != nil {
			return nil, fmt.Errorf("postgres: scan instrument: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: instrument rows: %w", err)
	}
	return out, nil
}

// ListSources maps alert source names to venue ids.
func (s *CatalogStore) ListSources(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, venue FROM alert_sources`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sources: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, venue string
		if err := rows.Scan(&name, &venue); err != nil {
			return nil, fmt.Errorf("postgres: scan source: %w", err)
		}
		out[name] = venue
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: source rows: %w", err)
	}
	return out, nil
}
