package venue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) Open(context.Context, domain.TradeSignal) (domain.VenueOrderRef, error) {
	return domain.VenueOrderRef{}, nil
}
func (s stubAdapter) Close(context.Context, domain.VenueOrderRef) (domain.VenueCloseResult, error) {
	return domain.VenueCloseResult{}, nil
}
func (s stubAdapter) Query(context.Context, domain.VenueOrderRef) (domain.VenueReport, error) {
	return domain.VenueReport{}, nil
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(stubAdapter{"kraken"}, stubAdapter{"mexc"})

	a, err := r.Get("KRAKEN")
	require.NoError(t, err)
	assert.Equal(t, "kraken", a.Name())

	_, err = r.Get("binance")
	assert.ErrorIs(t, err, domain.ErrUnknownVenue)

	assert.Equal(t, []string{"kraken", "mexc"}, r.Names())
}
