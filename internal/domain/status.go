package domain

import "strings"

// DeliveryStatus is the lifecycle position of an outbound message. The empty
// value means no status was ever recorded.
type DeliveryStatus string

const (
	StatusNone      DeliveryStatus = ""
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders statuses by lifecycle position. Delivered and failed share the
// terminal rank, so once one is set the other can never replace it.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered, StatusFailed:
		return 2
	default:
		return -1
	}
}

func (s DeliveryStatus) IsValid() bool {
	return s.Rank() >= 0
}

// CanTransition reports whether a callback proposing next may replace current.
// Arrival order is ignored: only forward movement in rank is accepted, which
// also rejects repeats and moves between the two terminal states.
func CanTransition(current, next DeliveryStatus) bool {
	if !next.IsValid() {
		return false
	}
	return next.Rank() > current.Rank()
}

// MapProviderStatus folds a raw provider status into a DeliveryStatus.
// ok is false for statuses with no lifecycle meaning (e.g. "receiving").
func MapProviderStatus(raw string) (DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "accepted", "scheduled", "pending":
		return StatusQueued, true
	case "sending", "sent", "submitted", "processed":
		return StatusSent, true
	case "delivered", "read", "opened":
		return StatusDelivered, true
	case "failed", "undelivered", "canceled", "cancelled", "bounce", "bounced", "dropped", "rejected", "expired":
		return StatusFailed, true
	default:
		return StatusNone, false
	}
}
