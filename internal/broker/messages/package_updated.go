package messages

import "time"

// PackageUpdated is published after every successful ledger mutation
// (creation, status update, claim). Consumers must tolerate duplicates:
// publication is best-effort and not transactional with the write.
type PackageUpdated struct {
	TrackingNumber string    `json:"tracking_number"`
	Status         string    `json:"status"`
	Location       string    `json:"location"`
	Notes          string    `json:"notes,omitempty"`
	EventTime      time.Time `json:"event_time"`

	IsClaimed bool       `json:"is_claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// Receiver contact for notification purposes.
	ReceiverName  string `json:"receiver_name,omitempty"`
	ReceiverEmail string `json:"receiver_email,omitempty"`
}
