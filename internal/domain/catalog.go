package domain

// Instrument is one tradable symbol on one venue, with its limits.
type Instrument struct {
	Venue       string  `json:"venue" toml:"venue"`
	Symbol      string  `json:"symbol" toml:"symbol"`
	MinQuantity float64 `json:"min_quantity" toml:"min_quantity"`
	MaxQuantity float64 `json:"max_quantity" toml:"max_quantity"`
	MaxLeverage int     `json:"max_leverage" toml:"max_leverage"`
	MaxNotional float64 `json:"max_notional" toml:"max_notional"`
}
