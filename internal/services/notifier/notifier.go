package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/broker/messages"
	"github.com/pkg/errors"
)

// Notifier consumes PackageUpdated messages and tells receivers what
// happened to their package. Delivery channels (email, SMS) are pluggable
// via Sender; the default just logs.
type Notifier struct {
	sender Sender

	startedAtUnixNano int64
	lastEventUnixNano atomic.Int64
	totalReceived     atomic.Int64
	totalNotified     atomic.Int64
	totalSkipped      atomic.Int64
	totalMalformed    atomic.Int64
	totalErrors       atomic.Int64

	lastErrorMu sync.Mutex
	lastError   string
}

// Sender pushes a rendered notification to the receiver's contact address.
type Sender interface {
	Send(ctx context.Context, email, subject, body string) error
}

// logSender writes notifications to the structured log. Stands in until a
// real mail provider is wired.
type logSender struct{}

func (logSender) Send(_ context.Context, email, subject, body string) error {
	slog.Info("notification sent", "email", email, "subject", subject, "body", body)
	return nil
}

func New() *Notifier {
	return &Notifier{
		sender:            logSender{},
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (n *Notifier) WithSender(s Sender) *Notifier {
	n.sender = s
	return n
}

// Handle processes one message off the package.updated topic. An error
// keeps the offset uncommitted so the message is redelivered; that only
// makes sense for transient sender failures, so unparseable payloads are
// counted and dropped instead: redelivering them can never succeed and
// would wedge the consumer on one poison message.
func (n *Notifier) Handle(ctx context.Context, _key, value []byte) error {
	n.totalReceived.Add(1)
	n.lastEventUnixNano.Store(time.Now().UTC().UnixNano())

	var m messages.PackageUpdated
	if err := json.Unmarshal(value, &m); err != nil {
		n.totalMalformed.Add(1)
		n.recordError(err)
		slog.Warn("dropping malformed package update", "error", err.Error())
		return nil
	}

	if m.ReceiverEmail == "" {
		n.totalSkipped.Add(1)
		slog.Debug("package update has no receiver contact, skipped",
			"trackingNumber", m.TrackingNumber, "status", m.Status)
		return nil
	}

	subject, body := render(m)
	if err := n.sender.Send(ctx, m.ReceiverEmail, subject, body); err != nil {
		n.recordError(err)
		return errors.Wrap(err, "send notification")
	}
	n.totalNotified.Add(1)
	return nil
}

func render(m messages.PackageUpdated) (subject, body string) {
	name := m.ReceiverName
	if name == "" {
		name = "there"
	}
	switch {
	case m.IsClaimed:
		subject = fmt.Sprintf("Package %s has been claimed", m.TrackingNumber)
		body = fmt.Sprintf("Hi %s, your package %s was claimed and delivered at %s.",
			name, m.TrackingNumber, m.Location)
	case m.Status == "delivered":
		subject = fmt.Sprintf("Package %s delivered", m.TrackingNumber)
		body = fmt.Sprintf("Hi %s, your package %s was delivered at %s.",
			name, m.TrackingNumber, m.Location)
	default:
		subject = fmt.Sprintf("Package %s is now %s", m.TrackingNumber, m.Status)
		body = fmt.Sprintf("Hi %s, your package %s is now %s at %s.",
			name, m.TrackingNumber, m.Status, m.Location)
	}
	if m.Notes != "" {
		body += " " + m.Notes
	}
	return subject, body
}

func (n *Notifier) recordError(err error) {
	n.totalErrors.Add(1)
	n.lastErrorMu.Lock()
	n.lastError = err.Error()
	n.lastErrorMu.Unlock()
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastEventAt    *time.Time `json:"lastEventAt,omitempty"`
	TotalReceived  int64      `json:"totalReceived"`
	TotalNotified  int64      `json:"totalNotified"`
	TotalSkipped   int64      `json:"totalSkipped"`
	TotalMalformed int64      `json:"totalMalformed"`
	TotalErrors    int64      `json:"totalErrors"`
	LastError      string     `json:"lastError,omitempty"`
}

func (n *Notifier) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, n.startedAtUnixNano).UTC(),
		TotalReceived:  n.totalReceived.Load(),
		TotalNotified:  n.totalNotified.Load(),
		TotalSkipped:   n.totalSkipped.Load(),
		TotalMalformed: n.totalMalformed.Load(),
		TotalErrors:    n.totalErrors.Load(),
	}
	if v := n.lastEventUnixNano.Load(); v > 0 {
		t := time.Unix(0, v).UTC()
		st.LastEventAt = &t
	}
	n.lastErrorMu.Lock()
	st.LastError = n.lastError
	n.lastErrorMu.Unlock()
	return st
}
