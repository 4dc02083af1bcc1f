package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/config"
)

func TestBuildVenuesRegistersEnabledOnly(t *testing.T) {
	cfg := config.Defaults().Venues
	cfg.Kraken.Enabled = true
	cfg.Kraken.APIKey = "k"
	cfg.Kraken.APISecret = "c2VjcmV0"

	reg, err := buildVenues(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"kraken"}, reg.Names())

	_, err = reg.Get("mexc")
	assert.Error(t, err)
}

func TestBuildVenuesMissingSecret(t *testing.T) {
	cfg := config.Defaults().Venues
	cfg.MEXC.Enabled = true
	cfg.MEXC.APIKey = "mx0"

	_, err := buildVenues(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mexc")
}
