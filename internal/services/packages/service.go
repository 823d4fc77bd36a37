package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/broker/messages"
	"github.com/ParcelPilot/ParcelDesk/internal/cache"
	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/ParcelPilot/ParcelDesk/internal/pricing"
	"github.com/ParcelPilot/ParcelDesk/internal/storage/pgdelivery"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// How many fresh tracking numbers we try when an insert loses the race on
// the unique index.
const createRetries = 3

type Repository interface {
	CreateCustomer(ctx context.Context, in pgdelivery.CustomerInput) (*models.Customer, error)
	GetOrCreateCustomerByEmail(ctx context.Context, in pgdelivery.CustomerInput) (*models.Customer, error)
	CreatePackage(ctx context.Context, p *models.Package, initialEvent *models.TrackingEvent) error
	GetPackageByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Package, error)
	ApplyStatusUpdate(ctx context.Context, upd pgdelivery.StatusUpdate) (*models.Package, error)
	ApplyClaim(ctx context.Context, upd pgdelivery.ClaimUpdate) (*models.Package, error)
	ListTrackingEvents(ctx context.Context, packageID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	ListPackagesByOwner(ctx context.Context, userID int64, role string) ([]*models.Package, error)
	OwnerStats(ctx context.Context, userID int64) (models.OwnerStats, error)
}

// Identifiers yields tracking numbers and verification codes. Injected so
// tests can run against a deterministic source.
type Identifiers interface {
	TrackingNumber(ctx context.Context) (string, error)
	VerificationCode() string
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo Repository
	ids  Identifiers

	cache    cache.BytesCache
	cacheTTL time.Duration

	producer Producer
	topic    string
}

func New(repo Repository, ids Identifiers) *Service {
	return &Service{repo: repo, ids: ids}
}

// WithCache enables best-effort snapshot caching of packages by tracking
// number. TTL <= 0 keeps it off.
func (s *Service) WithCache(c cache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	s.cacheTTL = ttl
	return s
}

// WithProducer enables best-effort publication of PackageUpdated messages.
func (s *Service) WithProducer(p Producer, topic string) *Service {
	s.producer = p
	s.topic = topic
	return s
}

type PartyInput struct {
	Name    string
	Email   string
	Phone   string
	Address string
}

type CreateInput struct {
	Sender   PartyInput
	Receiver PartyInput

	SenderUserID   *int64
	ReceiverUserID *int64

	Description string
	Weight      decimal.Decimal
	ServiceTier string // defaults to standard

	InitialLocation string // defaults to "Processing Center"
	InitialNotes    string

	// InitialEventLocation overrides the first event's location when it
	// differs from the package location (the pickup path records
	// "Pickup Requested" while the package waits at "Awaiting Pickup").
	InitialEventLocation string

	// DedupCustomersByEmail reuses an existing customer row per email
	// (machine API path); the interactive pickup path always creates
	// fresh rows.
	DedupCustomersByEmail bool

	// MarkPaid simulates payment on the authenticated creation path.
	MarkPaid bool
}

func (in *CreateInput) validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"sender.name", in.Sender.Name},
		{"sender.email", in.Sender.Email},
		{"sender.phone", in.Sender.Phone},
		{"sender.address", in.Sender.Address},
		{"receiver.name", in.Receiver.Name},
		{"receiver.email", in.Receiver.Email},
		{"receiver.phone", in.Receiver.Phone},
		{"receiver.address", in.Receiver.Address},
		{"description", in.Description},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if !in.Weight.IsPositive() {
		missing = append(missing, "weight")
	}
	if in.ServiceTier != "" && !models.ValidServiceTier(in.ServiceTier) {
		missing = append(missing, "service_tier")
	}
	if len(missing) > 0 {
		return models.NewValidationError(missing...)
	}
	return nil
}

// Create allocates identifiers, prices the shipment, and persists the
// package together with its initial pending event. The price is computed
// here, once; it is never recomputed on later saves.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Package, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	tier := in.ServiceTier
	if tier == "" {
		tier = models.ServiceTierStandard
	}
	location := in.InitialLocation
	if location == "" {
		location = "Processing Center"
	}

	sender, err := s.resolveCustomer(ctx, in.Sender, in.DedupCustomersByEmail)
	if err != nil {
		return nil, err
	}
	receiver, err := s.resolveCustomer(ctx, in.Receiver, in.DedupCustomersByEmail)
	if err != nil {
		return nil, err
	}

	paymentStatus := models.PaymentStatusPending
	if in.MarkPaid {
		paymentStatus = models.PaymentStatusPaid
	}

	for attempt := 0; ; attempt++ {
		trackingNumber, err := s.ids.TrackingNumber(ctx)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		estimated := models.EstimatedDelivery(tier, now)
		p := &models.Package{
			TrackingNumber:    trackingNumber,
			VerificationCode:  s.ids.VerificationCode(),
			Sender:            sender,
			Receiver:          receiver,
			SenderUserID:      in.SenderUserID,
			ReceiverUserID:    in.ReceiverUserID,
			Description:       in.Description,
			Weight:            in.Weight,
			ServiceTier:       tier,
			Price:             pricing.Calculate(tier, in.Weight),
			PaymentStatus:     paymentStatus,
			Status:            models.PackageStatusPending,
			CurrentLocation:   location,
			EstimatedDelivery: &estimated,
		}
		eventLocation := in.InitialEventLocation
		if eventLocation == "" {
			eventLocation = location
		}
		ev := &models.TrackingEvent{
			Status:   models.PackageStatusPending,
			Location: eventLocation,
			Notes:    in.InitialNotes,
		}

		err = s.repo.CreatePackage(ctx, p, ev)
		if errors.Is(err, models.ErrDuplicateTrackingNumber) {
			if attempt+1 >= createRetries {
				return nil, models.ErrConflict
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		s.refreshSnapshot(ctx, p)
		s.publish(ctx, p, ev)
		return p, nil
	}
}

func (s *Service) resolveCustomer(ctx context.Context, in PartyInput, dedup bool) (*models.Customer, error) {
	ci := pgdelivery.CustomerInput{Name: in.Name, Email: in.Email, Phone: in.Phone, Address: in.Address}
	if dedup {
		return s.repo.GetOrCreateCustomerByEmail(ctx, ci)
	}
	return s.repo.CreateCustomer(ctx, ci)
}

// UpdateStatus moves the package through its lifecycle and appends the
// matching event. Only the sender's account or an admin may call it, and a
// delivered package rejects all further updates.
func (s *Service) UpdateStatus(ctx context.Context, trackingNumber, status, location, notes string, actor models.Actor) (*models.Package, error) {
	var missing []string
	if trackingNumber == "" {
		missing = append(missing, "tracking_number")
	}
	if !models.ValidStatus(status) {
		missing = append(missing, "status")
	}
	if location == "" {
		missing = append(missing, "location")
	}
	if len(missing) > 0 {
		return nil, models.NewValidationError(missing...)
	}

	current, err := s.repo.GetPackageByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	if !actor.CanUpdate(current) {
		return nil, models.ErrPermission
	}
	// The terminal check is repeated under the row lock; this one only
	// exists to fail fast without opening a transaction.
	if !models.CanTransition(current.Status, status) {
		return nil, models.ErrDelivered
	}

	if notes == "" {
		notes = "Status updated by sender."
	}

	p, err := s.repo.ApplyStatusUpdate(ctx, pgdelivery.StatusUpdate{
		TrackingNumber: trackingNumber,
		Status:         status,
		Location:       location,
		Notes:          notes,
	})
	if err != nil {
		return nil, err
	}

	s.refreshSnapshot(ctx, p)
	s.publish(ctx, p, &models.TrackingEvent{Status: status, Location: location, Notes: notes, EventTime: p.UpdatedAt})
	return p, nil
}

// Claim finalizes delivery for the receiver holding the verification code.
// A wrong code and an unknown tracking number come back as one uniform
// ErrNotFound; repeating a successful claim yields ErrAlreadyClaimed and
// appends nothing.
func (s *Service) Claim(ctx context.Context, trackingNumber, verificationCode string) (*models.Package, error) {
	var missing []string
	if trackingNumber == "" {
		missing = append(missing, "tracking_number")
	}
	if verificationCode == "" {
		missing = append(missing, "verification_code")
	}
	if len(missing) > 0 {
		return nil, models.NewValidationError(missing...)
	}

	p, err := s.repo.ApplyClaim(ctx, pgdelivery.ClaimUpdate{
		TrackingNumber:   trackingNumber,
		VerificationCode: verificationCode,
		ClaimedAt:        time.Now().UTC(),
		Location:         "Delivered to Receiver",
		EventLocation:    "Destination",
		EventNotes:       "Package successfully claimed and received by the receiver.",
	})
	if err != nil {
		return nil, err
	}

	s.refreshSnapshot(ctx, p)
	s.publish(ctx, p, &models.TrackingEvent{
		Status:    models.PackageStatusDelivered,
		Location:  "Destination",
		EventTime: p.UpdatedAt,
	})
	return p, nil
}

// Track returns the package snapshot plus its full history, newest event
// first. The snapshot is served cache-aside; history always comes from the
// database.
func (s *Service) Track(ctx context.Context, trackingNumber string) (*models.Package, []*models.TrackingEvent, error) {
	if trackingNumber == "" {
		return nil, nil, models.NewValidationError("tracking_number")
	}

	p := s.cachedSnapshot(ctx, trackingNumber)
	if p == nil {
		var err error
		p, err = s.repo.GetPackageByTrackingNumber(ctx, trackingNumber)
		if err != nil {
			return nil, nil, err
		}
		s.refreshSnapshot(ctx, p)
	}

	events, err := s.repo.ListTrackingEvents(ctx, p.ID, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	return p, events, nil
}

func (s *Service) ListByOwner(ctx context.Context, userID int64, role string) ([]*models.Package, error) {
	if role != pgdelivery.OwnerRoleSender && role != pgdelivery.OwnerRoleReceiver {
		return nil, models.NewValidationError("role")
	}
	return s.repo.ListPackagesByOwner(ctx, userID, role)
}

func (s *Service) Stats(ctx context.Context, userID int64) (models.OwnerStats, error) {
	return s.repo.OwnerStats(ctx, userID)
}

func snapshotKey(trackingNumber string) string {
	return fmt.Sprintf("pkg:%s:current", trackingNumber)
}

func (s *Service) cachedSnapshot(ctx context.Context, trackingNumber string) *models.Package {
	if s.cache == nil || s.cacheTTL <= 0 {
		return nil
	}
	b, ok, err := s.cache.Get(ctx, snapshotKey(trackingNumber))
	if err != nil || !ok {
		return nil
	}
	var p models.Package
	if json.Unmarshal(b, &p) != nil {
		return nil
	}
	return &p
}

// refreshSnapshot is best effort: the database stays the source of truth.
func (s *Service) refreshSnapshot(ctx context.Context, p *models.Package) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, snapshotKey(p.TrackingNumber), b, s.cacheTTL)
}

// publish is best effort too: a broker outage must not fail the mutation
// that already committed.
func (s *Service) publish(ctx context.Context, p *models.Package, ev *models.TrackingEvent) {
	if s.producer == nil || s.topic == "" {
		return
	}
	msg := messages.PackageUpdated{
		TrackingNumber: p.TrackingNumber,
		Status:         p.Status,
		Location:       ev.Location,
		Notes:          ev.Notes,
		EventTime:      ev.EventTime,
		IsClaimed:      p.IsClaimed,
		ClaimedAt:      p.ClaimedAt,
		ReceiverName:   p.Receiver.Name,
		ReceiverEmail:  p.Receiver.Email,
	}
	if msg.EventTime.IsZero() {
		msg.EventTime = p.UpdatedAt
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(p.TrackingNumber), b); err != nil {
		slog.Warn("publish package update", "trackingNumber", p.TrackingNumber, "error", err.Error())
	}
}
