package domain

import "time"

// AlertStatus tracks what became of a raw alert.
type AlertStatus string

const (
	AlertStatusReceived  AlertStatus = "received"
	AlertStatusProcessed AlertStatus = "processed"
	AlertStatusRejected  AlertStatus = "rejected"
	AlertStatusFailed    AlertStatus = "failed"
)

// Alert is raw text delivered by an inbound channel together with its
// receipt time.
type Alert struct {
	ID         string      `json:"id"`
	Source     string      `json:"source"`
	Text       string      `json:"text"`
	ReceivedAt time.Time   `json:"received_at"`
	Status     AlertStatus `json:"status"`
	PositionID string      `json:"position_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}
