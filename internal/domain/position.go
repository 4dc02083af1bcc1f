package domain

import "time"

// PositionStatus is a state in the position lifecycle.
type PositionStatus string

const (
	PositionStatusPending    PositionStatus = "PENDING"
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusMonitoring PositionStatus = "MONITORING"
	PositionStatusClosing    PositionStatus = "CLOSING"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusFailed     PositionStatus = "FAILED"
)

// transitions lists every legal move. FAILED is reachable from any
// non-terminal state and is added in CanTransition.
var transitions = map[PositionStatus][]PositionStatus{
	PositionStatusPending:    {PositionStatusOpen},
	PositionStatusOpen:       {PositionStatusMonitoring, PositionStatusClosing, PositionStatusClosed},
	PositionStatusMonitoring: {PositionStatusClosing, PositionStatusClosed},
	PositionStatusClosing:    {PositionStatusClosed},
}

// Terminal reports whether no further transition is possible from s.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusFailed
}

// Valid reports whether s is a known status.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionStatusPending, PositionStatusOpen, PositionStatusMonitoring,
		PositionStatusClosing, PositionStatusClosed, PositionStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from -> to is allowed.
func CanTransition(from, to PositionStatus) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	if to == PositionStatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Position is a tracked trade from opening through closure.
type Position struct {
	ID             string         `json:"id"`
	SignalKey      string         `json:"signal_key"`
	Symbol         string         `json:"symbol"`
	Side           OrderSide      `json:"side"`
	EntryPrice     float64        `json:"entry_price"`
	Quantity       float64        `json:"quantity"`
	FilledQuantity float64        `json:"filled_quantity,omitempty"`
	Venue          string         `json:"venue"`
	Status         PositionStatus `json:"status"`
	VenueRef       string         `json:"venue_ref,omitempty"`
	CloseRef       string         `json:"close_ref,omitempty"`
	TakeProfit     *float64       `json:"take_profit,omitempty"`
	StopLoss       *float64       `json:"stop_loss,omitempty"`
	OpenedAt       time.Time      `json:"opened_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
	ExitPrice      *float64       `json:"exit_price,omitempty"`
	LastCheckedAt  time.Time      `json:"last_checked_at"`
	RetryCount     int            `json:"retry_count"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	AlertID        string         `json:"alert_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so snapshots never alias registry state.
func (p Position) Clone() Position {
	out := p
	out.TakeProfit = cloneFloat(p.TakeProfit)
	out.StopLoss = cloneFloat(p.StopLoss)
	out.ExitPrice = cloneFloat(p.ExitPrice)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// OrderRef returns the venue reference for the opening order.
func (p Position) OrderRef() VenueOrderRef {
	return VenueOrderRef{
		OrderID:  p.VenueRef,
		Venue:    p.Venue,
		Symbol:   p.Symbol,
		Side:     p.Side,
		Quantity: p.Quantity,
	}
}

// CloseOrderRef returns the venue reference for the offsetting close order.
func (p Position) CloseOrderRef() VenueOrderRef {
	return VenueOrderRef{
		OrderID:  p.CloseRef,
		Venue:    p.Venue,
		Symbol:   p.Symbol,
		Side:     p.Side.Opposite(),
		Quantity: p.ExitQuantity(),
	}
}

// PartiallyFilled reports whether only part of the opening order executed.
func (p Position) PartiallyFilled() bool {
	return p.FilledQuantity > 0 && p.FilledQuantity < p.Quantity
}

// ExitQuantity is the quantity an offsetting order must cover.
func (p Position) ExitQuantity() float64 {
	if p.PartiallyFilled() {
		return p.FilledQuantity
	}
	return p.Quantity
}

// PositionEvent is published on the bus whenever a position is recorded.
type PositionEvent struct {
	Event     string    `json:"event"`
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// Position event names.
const (
	EventPositionPending    = "position_pending"
	EventPositionOpened     = "position_opened"
	EventPositionMonitoring = "position_monitoring"
	EventPositionClosing    = "position_closing"
	EventPositionClosed     = "position_closed"
	EventPositionFailed     = "position_failed"
	EventPositionUpdated    = "position_updated"
	EventPersistenceError   = "persistence_error"
)

// EventForStatus maps a status to the event emitted when it is entered.
func EventForStatus(s PositionStatus) string {
	switch s {
	case PositionStatusPending:
		return EventPositionPending
	case PositionStatusOpen:
		return EventPositionOpened
	case PositionStatusMonitoring:
		return EventPositionMonitoring
	case PositionStatusClosing:
		return EventPositionClosing
	case PositionStatusClosed:
		return EventPositionClosed
	case PositionStatusFailed:
		return EventPositionFailed
	}
	return EventPositionUpdated
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
