package domain

import (
	"context"
	"fmt"
)

// VenueStatus is the venue-neutral state of an order as reported by a query.
type VenueStatus string

const (
	VenueStatusPendingFill     VenueStatus = "PENDING_FILL"
	VenueStatusFilled          VenueStatus = "FILLED"
	VenueStatusPartiallyFilled VenueStatus = "PARTIALLY_FILLED"
	VenueStatusClosed          VenueStatus = "CLOSED"
	VenueStatusRejected        VenueStatus = "REJECTED"
	VenueStatusUnknown         VenueStatus = "UNKNOWN"
)

// VenueOrderRef identifies an order on a venue and carries what an adapter
// needs to close or query it.
type VenueOrderRef struct {
	OrderID  string
	Venue    string
	Symbol   string
	Side     OrderSide
	Quantity float64
}

// VenueCloseResult is returned by a close request. Confirmed is true only when
// the venue reported the close as complete in the same response.
type VenueCloseResult struct {
	CloseRef  string
	Confirmed bool
	ExitPrice *float64
}

// VenueReport is the normalized result of a status query.
type VenueReport struct {
	Status         VenueStatus
	FilledQuantity float64
	AveragePrice   float64
	MarkPrice      float64
	ExitPrice      *float64
	Raw            string // venue status string, for diagnostics
}

// VenueAdapter is the capability contract every venue integration implements.
// Adapters never retry; retry policy belongs to the caller.
type VenueAdapter interface {
	Name() string
	Open(ctx context.Context, sig TradeSignal) (VenueOrderRef, error)
	Close(ctx context.Context, ref VenueOrderRef) (VenueCloseResult, error)
	Query(ctx context.Context, ref VenueOrderRef) (VenueReport, error)
}

// OrderCanceller is implemented by adapters that can cancel the unfilled
// remainder of a resting order.
type OrderCanceller interface {
	Cancel(ctx context.Context, ref VenueOrderRef) error
}

// VenueCredential is the authentication material bound to one venue.
type VenueCredential struct {
	Venue     string
	APIKey    string
	APISecret string
}

// String never prints the secret.
func (c VenueCredential) String() string {
	return fmt.Sprintf("VenueCredential{venue=%s key=%s secret=***}", c.Venue, maskKey(c.APIKey))
}

func maskKey(k string) string {
	if len(k) <= 4 {
		return "***"
	}
	return k[:4] + "***"
}
