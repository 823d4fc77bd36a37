package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Package lifecycle statuses. DELIVERED is terminal: once a package is
// delivered no further status updates are accepted.
const (
	PackageStatusPending        = "pending"
	PackageStatusPickedUp       = "picked_up"
	PackageStatusInTransit      = "in_transit"
	PackageStatusOutForDelivery = "out_for_delivery"
	PackageStatusDelivered      = "delivered"
)

const (
	ServiceTierStandard = "standard"
	ServiceTierExpress  = "express"
	ServiceTierSameDay  = "same_day"
)

const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
)

// Estimated delivery offsets in days per service tier.
var serviceTierDays = map[string]int{
	ServiceTierStandard: 4,
	ServiceTierExpress:  2,
	ServiceTierSameDay:  0,
}

func ValidStatus(s string) bool {
	switch s {
	case PackageStatusPending, PackageStatusPickedUp, PackageStatusInTransit,
		PackageStatusOutForDelivery, PackageStatusDelivered:
		return true
	}
	return false
}

func ValidServiceTier(s string) bool {
	switch s {
	case ServiceTierStandard, ServiceTierExpress, ServiceTierSameDay:
		return true
	}
	return false
}

// TerminalStatus reports whether no further status updates are allowed.
func TerminalStatus(s string) bool {
	return s == PackageStatusDelivered
}

// CanTransition validates a status update. Movement between non-terminal
// statuses is unrestricted (couriers correct mistakes by re-setting an
// earlier status); the only hard rule is that a delivered package is frozen.
func CanTransition(from, to string) bool {
	return !TerminalStatus(from) && ValidStatus(to)
}

// EstimatedDelivery derives the promised delivery date for a tier from the
// creation time. Unknown tiers get the standard promise.
func EstimatedDelivery(tier string, createdAt time.Time) time.Time {
	days, ok := serviceTierDays[tier]
	if !ok {
		days = serviceTierDays[ServiceTierStandard]
	}
	return createdAt.AddDate(0, 0, days)
}

// Customer is a sender or receiver identity. It is not an account: the same
// person may appear as many customer rows, and deduplication by email is a
// per-entry-point policy, not a storage rule.
type Customer struct {
	ID        uint64
	Name      string
	Email     string
	Phone     string
	Address   string
	CreatedAt time.Time
}

type Package struct {
	ID uint64

	TrackingNumber   string
	VerificationCode string

	Sender   *Customer
	Receiver *Customer

	// Optional account references, present only when the creating or
	// receiving side is an authenticated user. Accounts live elsewhere,
	// the ledger only stores the ids.
	SenderUserID   *int64
	ReceiverUserID *int64

	Description string
	Weight      decimal.Decimal
	ServiceTier string

	Price         decimal.Decimal
	PaymentStatus string

	Status            string
	CurrentLocation   string
	EstimatedDelivery *time.Time

	IsClaimed bool
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TrackingEvent is an immutable historical fact. Events are never updated
// or deleted; the newest event's status always matches the package status.
type TrackingEvent struct {
	ID        uint64
	PackageID uint64
	Status    string
	Location  string
	Notes     string
	// EventTime defaults to insertion time but may be backdated for
	// seeded history. ID is the stable tie-break for equal times.
	EventTime time.Time
	CreatedAt time.Time
}

// OwnerStats are the dashboard counters for one account.
type OwnerStats struct {
	TotalSent     int64 `json:"total_sent"`
	TotalReceived int64 `json:"total_received"`
	PendingSent   int64 `json:"pending_sent"`
}

// Actor is the authenticated identity behind a mutation, as asserted by the
// upstream auth layer.
type Actor struct {
	UserID int64
	Admin  bool
}

// CanUpdate reports whether the actor may change this package's status:
// only the sender's account or an administrator.
func (a Actor) CanUpdate(p *Package) bool {
	if a.Admin {
		return true
	}
	return p.SenderUserID != nil && *p.SenderUserID == a.UserID
}
