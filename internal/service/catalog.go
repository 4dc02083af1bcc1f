package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Catalog is the read-only view of tradable instruments and alert sources.
// It is built once at start-up.
type Catalog struct {
	instruments map[string]domain.Instrument
	venues      map[string]bool
	sources     map[string]string
}

// NewCatalog indexes instruments by venue and symbol. sources maps an alert
// source name to its venue.
func NewCatalog(instruments []domain.Instrument, sources map[string]string) *Catalog {
	c := &Catalog{
		instruments: make(map[string]domain.Instrument, len(instruments)),
		venues:      make(map[string]bool),
		sources:     make(map[string]string, len(sources)),
	}
	for _, inst := range instruments {
		inst.Venue = strings.ToLower(inst.Venue)
		inst.Symbol = strings.ToUpper(inst.Symbol)
		c.instruments[instrumentKey(inst.Venue, inst.Symbol)] = inst
		c.venues[inst.Venue] = true
	}
	for src, v := range sources {
		c.sources[strings.ToLower(src)] = strings.ToLower(v)
	}
	return c
}

// LoadCatalog builds a Catalog from the catalog tables.
func LoadCatalog(ctx context.Context, store domain.CatalogStore) (*Catalog, error) {
	instruments, err := store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list instruments: %w", err)
	}
	sources, err := store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list sources: %w", err)
	}
	return NewCatalog(instruments, sources), nil
}

// Empty reports whether no instruments are listed. An empty catalog places
// no restriction on symbols.
func (c *Catalog) Empty() bool { return len(c.instruments) == 0 }

// HasVenue reports whether any instrument is listed for venue.
func (c *Catalog) HasVenue(venue string) bool {
	return c.venues[strings.ToLower(venue)]
}

// Instrument returns the listing for symbol on venue.
func (c *Catalog) Instrument(venue, symbol string) (domain.Instrument, bool) {
	inst, ok := c.instruments[instrumentKey(strings.ToLower(venue), strings.ToUpper(symbol))]
	return inst, ok
}

// VenueForSource returns the venue mapped to an alert source.
func (c *Catalog) VenueForSource(source string) (string, bool) {
	v, ok := c.sources[strings.ToLower(source)]
	return v, ok
}

// Instruments returns all listings sorted by venue then symbol.
func (c *Catalog) Instruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func instrumentKey(venue, symbol string) string { return venue + "|" + symbol }
