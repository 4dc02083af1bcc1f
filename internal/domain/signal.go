package domain

import "time"

// TradeSignal is the structured form of a parsed alert. It is produced once
// per alert and never mutated.
type TradeSignal struct {
	Action     OrderSide `json:"action" validate:"required,oneof=buy sell"`
	Symbol     string    `json:"symbol" validate:"required,alpha,min=3,max=5"`
	Quantity   float64   `json:"quantity" validate:"gt=0"`
	Price      float64   `json:"price" validate:"gt=0"`
	Venue      string    `json:"venue" validate:"required"`
	ReceivedAt time.Time `json:"received_at" validate:"required"`

	// Optional absolute exit levels carried by the alert itself.
	TakeProfit *float64 `json:"take_profit,omitempty" validate:"omitempty,gt=0"`
	StopLoss   *float64 `json:"stop_loss,omitempty" validate:"omitempty,gt=0"`

	// Provenance.
	Source  string `json:"source,omitempty"`
	AlertID string `json:"alert_id,omitempty"`

	// ClientOrderID is sent with the opening order so a retried open is
	// recognised by the venue. The executor sets it to the position id.
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// Notional returns quantity * price at the signal reference price.
func (s TradeSignal) Notional() float64 {
	return s.Quantity * s.Price
}
