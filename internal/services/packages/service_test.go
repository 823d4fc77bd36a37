package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/ParcelPilot/ParcelDesk/internal/storage/pgdelivery"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memRepo mimics the storage semantics in memory: unique tracking numbers,
// terminal check, claim verification, append-only events.
type memRepo struct {
	customers []*models.Customer
	packages  map[string]*models.Package
	events    map[uint64][]*models.TrackingEvent

	nextCustomerID uint64
	nextPackageID  uint64
	nextEventID    uint64
}

func newMemRepo() *memRepo {
	return &memRepo{
		packages: map[string]*models.Package{},
		events:   map[uint64][]*models.TrackingEvent{},
	}
}

func (r *memRepo) CreateCustomer(ctx context.Context, in pgdelivery.CustomerInput) (*models.Customer, error) {
	r.nextCustomerID++
	c := &models.Customer{ID: r.nextCustomerID, Name: in.Name, Email: in.Email, Phone: in.Phone, Address: in.Address, CreatedAt: time.Now().UTC()}
	r.customers = append(r.customers, c)
	return c, nil
}

func (r *memRepo) GetOrCreateCustomerByEmail(ctx context.Context, in pgdelivery.CustomerInput) (*models.Customer, error) {
	for _, c := range r.customers {
		if c.Email == in.Email {
			return c, nil
		}
	}
	return r.CreateCustomer(ctx, in)
}

func (r *memRepo) CreatePackage(ctx context.Context, p *models.Package, ev *models.TrackingEvent) error {
	if _, taken := r.packages[p.TrackingNumber]; taken {
		return models.ErrDuplicateTrackingNumber
	}
	now := time.Now().UTC()
	r.nextPackageID++
	p.ID = r.nextPackageID
	p.CreatedAt, p.UpdatedAt = now, now
	r.packages[p.TrackingNumber] = p

	if ev.EventTime.IsZero() {
		ev.EventTime = now
	}
	r.appendEvent(p.ID, ev)
	return nil
}

func (r *memRepo) appendEvent(packageID uint64, ev *models.TrackingEvent) {
	r.nextEventID++
	ev.ID = r.nextEventID
	ev.PackageID = packageID
	ev.CreatedAt = time.Now().UTC()
	r.events[packageID] = append(r.events[packageID], ev)
}

func (r *memRepo) GetPackageByTrackingNumber(ctx context.Context, tn string) (*models.Package, error) {
	p, ok := r.packages[tn]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) ApplyStatusUpdate(ctx context.Context, upd pgdelivery.StatusUpdate) (*models.Package, error) {
	p, ok := r.packages[upd.TrackingNumber]
	if !ok {
		return nil, models.ErrNotFound
	}
	if models.TerminalStatus(p.Status) {
		return nil, models.ErrDelivered
	}
	now := time.Now().UTC()
	p.Status = upd.Status
	p.CurrentLocation = upd.Location
	p.UpdatedAt = now
	eventTime := upd.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	r.appendEvent(p.ID, &models.TrackingEvent{Status: upd.Status, Location: upd.Location, Notes: upd.Notes, EventTime: eventTime})
	cp := *p
	return &cp, nil
}

func (r *memRepo) ApplyClaim(ctx context.Context, upd pgdelivery.ClaimUpdate) (*models.Package, error) {
	p, ok := r.packages[upd.TrackingNumber]
	if !ok || p.VerificationCode != upd.VerificationCode {
		return nil, models.ErrNotFound
	}
	if p.IsClaimed {
		return nil, models.ErrAlreadyClaimed
	}
	at := upd.ClaimedAt.UTC()
	p.IsClaimed = true
	p.ClaimedAt = &at
	p.Status = models.PackageStatusDelivered
	p.CurrentLocation = upd.Location
	p.UpdatedAt = at
	r.appendEvent(p.ID, &models.TrackingEvent{Status: models.PackageStatusDelivered, Location: upd.EventLocation, Notes: upd.EventNotes, EventTime: at})
	cp := *p
	return &cp, nil
}

func (r *memRepo) ListTrackingEvents(ctx context.Context, packageID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	evs := r.events[packageID]
	out := make([]*models.TrackingEvent, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- { // newest first
		out = append(out, evs[i])
	}
	return out, nil
}

func (r *memRepo) ListPackagesByOwner(ctx context.Context, userID int64, role string) ([]*models.Package, error) {
	var out []*models.Package
	for _, p := range r.packages {
		switch role {
		case pgdelivery.OwnerRoleSender:
			if p.SenderUserID != nil && *p.SenderUserID == userID {
				out = append(out, p)
			}
		case pgdelivery.OwnerRoleReceiver:
			if p.ReceiverUserID != nil && *p.ReceiverUserID == userID {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (r *memRepo) OwnerStats(ctx context.Context, userID int64) (models.OwnerStats, error) {
	var st models.OwnerStats
	for _, p := range r.packages {
		if p.SenderUserID != nil && *p.SenderUserID == userID {
			st.TotalSent++
			if p.Status != models.PackageStatusDelivered {
				st.PendingSent++
			}
		}
		if p.ReceiverUserID != nil && *p.ReceiverUserID == userID {
			st.TotalReceived++
		}
	}
	return st, nil
}

// seqIDs hands out predictable identifiers.
type seqIDs struct{ n int }

func (s *seqIDs) TrackingNumber(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("TRACK%07d", s.n), nil
}

func (s *seqIDs) VerificationCode() string { return "123456" }

type fakeCache struct{ m map[string][]byte }

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	return nil
}

type fakeProducer struct {
	msgs []messagePair
	err  error
}

type messagePair struct {
	topic string
	key   []byte
	value []byte
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, messagePair{topic, key, value})
	return nil
}

func validCreateInput() CreateInput {
	return CreateInput{
		Sender:   PartyInput{Name: "John Doe", Email: "john@example.com", Phone: "+1234567890", Address: "123 Main St"},
		Receiver: PartyInput{Name: "Jane Smith", Email: "jane@example.com", Phone: "+0987654321", Address: "456 Oak Ave"},

		Description: "Books",
		Weight:      decimal.RequireFromString("1.2"),
		ServiceTier: models.ServiceTierStandard,
	}
}

func TestService_Create_Validate(t *testing.T) {
	s := New(newMemRepo(), &seqIDs{})

	_, err := s.Create(context.Background(), CreateInput{})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "sender.name")
	require.Contains(t, verr.Fields, "receiver.email")
	require.Contains(t, verr.Fields, "description")
	require.Contains(t, verr.Fields, "weight")

	in := validCreateInput()
	in.Weight = decimal.RequireFromString("-0.5")
	_, err = s.Create(context.Background(), in)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"weight"}, verr.Fields)

	in = validCreateInput()
	in.ServiceTier = "overnight"
	_, err = s.Create(context.Background(), in)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"service_tier"}, verr.Fields)
}

func TestService_Create_DerivedFields(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, &seqIDs{})

	p, err := s.Create(context.Background(), validCreateInput())
	require.NoError(t, err)

	require.Equal(t, "TRACK0000001", p.TrackingNumber)
	require.Equal(t, "123456", p.VerificationCode)
	require.Equal(t, "12.39", p.Price.StringFixed(2)) // 9.99 + 1.2*2.00
	require.Equal(t, models.PackageStatusPending, p.Status)
	require.Equal(t, models.PaymentStatusPending, p.PaymentStatus)
	require.Equal(t, "Processing Center", p.CurrentLocation)
	require.NotNil(t, p.EstimatedDelivery)
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 4), *p.EstimatedDelivery, time.Minute)

	evs, err := repo.ListTrackingEvents(context.Background(), p.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.PackageStatusPending, evs[0].Status)
	require.Equal(t, "Processing Center", evs[0].Location)
}

func TestService_Create_PaidAndLocationOverrides(t *testing.T) {
	s := New(newMemRepo(), &seqIDs{})

	in := validCreateInput()
	in.MarkPaid = true
	in.ServiceTier = models.ServiceTierExpress
	in.InitialLocation = "Awaiting Pickup"

	p, err := s.Create(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPaid, p.PaymentStatus)
	require.Equal(t, "Awaiting Pickup", p.CurrentLocation)
	require.Equal(t, "23.59", p.Price.StringFixed(2)) // 19.99 + 1.2*3.00
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 2), *p.EstimatedDelivery, time.Minute)
}

func TestService_Create_CustomerDedupPolicy(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, &seqIDs{})

	in := validCreateInput()
	in.DedupCustomersByEmail = true
	_, err := s.Create(context.Background(), in)
	require.NoError(t, err)
	_, err = s.Create(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, repo.customers, 2) // sender + receiver shared across both

	in.DedupCustomersByEmail = false
	_, err = s.Create(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, repo.customers, 4)
}

func TestService_Create_RetriesDuplicateTrackingNumber(t *testing.T) {
	repo := newMemRepo()
	ids := &seqIDs{}
	s := New(repo, ids)

	// occupy the first candidate, so creation must redraw once
	first, err := s.Create(context.Background(), validCreateInput())
	require.NoError(t, err)
	require.Equal(t, "TRACK0000001", first.TrackingNumber)

	ids.n = 0 // replay the same sequence
	second, err := s.Create(context.Background(), validCreateInput())
	require.NoError(t, err)
	require.Equal(t, "TRACK0000002", second.TrackingNumber)
}

type stuckIDs struct{}

func (stuckIDs) TrackingNumber(ctx context.Context) (string, error) { return "SAMECANDIDAT", nil }
func (stuckIDs) VerificationCode() string                           { return "000000" }

func TestService_Create_ExhaustsRetries(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, stuckIDs{})

	_, err := s.Create(context.Background(), validCreateInput())
	require.NoError(t, err)

	_, err = s.Create(context.Background(), validCreateInput())
	require.ErrorIs(t, err, models.ErrConflict)
}

func createWithSender(t *testing.T, s *Service, senderUserID int64) *models.Package {
	t.Helper()
	in := validCreateInput()
	in.SenderUserID = &senderUserID
	p, err := s.Create(context.Background(), in)
	require.NoError(t, err)
	return p
}

func TestService_UpdateStatus(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, &seqIDs{})
	ctx := context.Background()

	p := createWithSender(t, s, 42)

	// validation
	_, err := s.UpdateStatus(ctx, p.TrackingNumber, "lost", "Hub A", "", models.Actor{UserID: 42})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"status"}, verr.Fields)

	// permission
	_, err = s.UpdateStatus(ctx, p.TrackingNumber, models.PackageStatusInTransit, "Hub A", "", models.Actor{UserID: 7})
	require.ErrorIs(t, err, models.ErrPermission)

	// not found
	_, err = s.UpdateStatus(ctx, "NOPE00000000", models.PackageStatusInTransit, "Hub A", "", models.Actor{Admin: true})
	require.ErrorIs(t, err, models.ErrNotFound)

	// sender succeeds, default notes applied
	upd, err := s.UpdateStatus(ctx, p.TrackingNumber, models.PackageStatusInTransit, "Hub A", "", models.Actor{UserID: 42})
	require.NoError(t, err)
	require.Equal(t, models.PackageStatusInTransit, upd.Status)
	require.Equal(t, "Hub A", upd.CurrentLocation)

	evs, _ := repo.ListTrackingEvents(ctx, p.ID, 0, 0)
	require.Len(t, evs, 2)
	require.Equal(t, models.PackageStatusInTransit, evs[0].Status)
	require.Equal(t, "Status updated by sender.", evs[0].Notes)

	// admin may update anything
	_, err = s.UpdateStatus(ctx, p.TrackingNumber, models.PackageStatusOutForDelivery, "Van 7", "Out for delivery", models.Actor{UserID: 7, Admin: true})
	require.NoError(t, err)
}

func TestService_UpdateStatus_TerminalState(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, &seqIDs{})
	ctx := context.Background()

	p := createWithSender(t, s, 42)
	_, err := s.Claim(ctx, p.TrackingNumber, p.VerificationCode)
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, p.TrackingNumber, models.PackageStatusPending, "Hub A", "", models.Actor{Admin: true})
	require.ErrorIs(t, err, models.ErrDelivered)

	// no event was appended by the rejected update
	evs, _ := repo.ListTrackingEvents(ctx, p.ID, 0, 0)
	require.Len(t, evs, 2)
}

func TestService_Claim(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, &seqIDs{})
	ctx := context.Background()

	p := createWithSender(t, s, 42)

	// wrong code is the same failure as an unknown tracking number
	_, err := s.Claim(ctx, p.TrackingNumber, "999999")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.Claim(ctx, "NOPE00000000", p.VerificationCode)
	require.ErrorIs(t, err, models.ErrNotFound)

	claimed, err := s.Claim(ctx, p.TrackingNumber, p.VerificationCode)
	require.NoError(t, err)
	require.True(t, claimed.IsClaimed)
	require.NotNil(t, claimed.ClaimedAt)
	require.Equal(t, models.PackageStatusDelivered, claimed.Status)
	require.Equal(t, "Delivered to Receiver", claimed.CurrentLocation)

	// idempotent failure: one extra event total, not two
	_, err = s.Claim(ctx, p.TrackingNumber, p.VerificationCode)
	require.ErrorIs(t, err, models.ErrAlreadyClaimed)

	evs, _ := repo.ListTrackingEvents(ctx, p.ID, 0, 0)
	require.Len(t, evs, 2)
	require.Equal(t, models.PackageStatusDelivered, evs[0].Status)
}

func TestService_Track_CacheAside(t *testing.T) {
	repo := newMemRepo()
	c := &fakeCache{m: map[string][]byte{}}
	s := New(repo, &seqIDs{}).WithCache(c, 10*time.Minute)
	ctx := context.Background()

	p, err := s.Create(ctx, validCreateInput())
	require.NoError(t, err)
	require.Contains(t, c.m, "pkg:"+p.TrackingNumber+":current")

	// poison the stored row; the cached snapshot should still be served
	repo.packages[p.TrackingNumber].Description = "changed behind the cache"

	got, evs, err := s.Track(ctx, p.TrackingNumber)
	require.NoError(t, err)
	require.Equal(t, "Books", got.Description)
	require.Len(t, evs, 1)
}

func TestService_Track_CacheMissAndBadBytes(t *testing.T) {
	repo := newMemRepo()
	c := &fakeCache{m: map[string][]byte{}}
	s := New(repo, &seqIDs{}).WithCache(c, 10*time.Minute)
	ctx := context.Background()

	p, err := s.Create(ctx, validCreateInput())
	require.NoError(t, err)

	c.m["pkg:"+p.TrackingNumber+":current"] = []byte("not-json")
	got, _, err := s.Track(ctx, p.TrackingNumber)
	require.NoError(t, err)
	require.Equal(t, p.TrackingNumber, got.TrackingNumber)

	// the miss repopulated the cache with valid JSON
	var snap models.Package
	require.NoError(t, json.Unmarshal(c.m["pkg:"+p.TrackingNumber+":current"], &snap))
	require.Equal(t, p.TrackingNumber, snap.TrackingNumber)

	_, _, err = s.Track(ctx, "NOPE00000000")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestService_PublishesUpdates(t *testing.T) {
	repo := newMemRepo()
	prod := &fakeProducer{}
	s := New(repo, &seqIDs{}).WithProducer(prod, "package.updated")
	ctx := context.Background()

	p := createWithSender(t, s, 42)
	_, err := s.UpdateStatus(ctx, p.TrackingNumber, models.PackageStatusInTransit, "Hub A", "", models.Actor{UserID: 42})
	require.NoError(t, err)
	_, err = s.Claim(ctx, p.TrackingNumber, p.VerificationCode)
	require.NoError(t, err)

	require.Len(t, prod.msgs, 3)
	require.Equal(t, []byte(p.TrackingNumber), prod.msgs[0].key)

	var last map[string]any
	require.NoError(t, json.Unmarshal(prod.msgs[2].value, &last))
	require.Equal(t, models.PackageStatusDelivered, last["status"])
	require.Equal(t, true, last["is_claimed"])
	require.Equal(t, "jane@example.com", last["receiver_email"])
}

func TestService_PublishFailureDoesNotFailMutation(t *testing.T) {
	repo := newMemRepo()
	prod := &fakeProducer{err: fmt.Errorf("broker down")}
	s := New(repo, &seqIDs{}).WithProducer(prod, "package.updated")

	_, err := s.Create(context.Background(), validCreateInput())
	require.NoError(t, err)
}

func TestService_ListByOwnerAndStats(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, &seqIDs{})
	ctx := context.Background()

	p := createWithSender(t, s, 42)

	_, err := s.ListByOwner(ctx, 42, "courier")
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)

	sent, err := s.ListByOwner(ctx, 42, "sender")
	require.NoError(t, err)
	require.Len(t, sent, 1)

	st, err := s.Stats(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, models.OwnerStats{TotalSent: 1, PendingSent: 1}, st)

	_, err = s.Claim(ctx, p.TrackingNumber, p.VerificationCode)
	require.NoError(t, err)
	st, err = s.Stats(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, models.OwnerStats{TotalSent: 1, PendingSent: 0}, st)
}

// The full lifecycle in one pass: create, move, claim.
func TestService_EndToEnd(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, &seqIDs{})
	ctx := context.Background()

	sender := int64(42)
	in := validCreateInput()
	in.SenderUserID = &sender
	p, err := s.Create(ctx, in)
	require.NoError(t, err)
	require.Equal(t, "12.39", p.Price.StringFixed(2))
	require.Equal(t, models.PackageStatusPending, p.Status)

	_, evs, err := s.Track(ctx, p.TrackingNumber)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.PackageStatusPending, evs[0].Status)

	upd, err := s.UpdateStatus(ctx, p.TrackingNumber, models.PackageStatusInTransit, "Hub A", "", models.Actor{UserID: 42})
	require.NoError(t, err)
	require.Equal(t, models.PackageStatusInTransit, upd.Status)

	_, evs, err = s.Track(ctx, p.TrackingNumber)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, models.PackageStatusInTransit, evs[0].Status)

	_, err = s.Claim(ctx, p.TrackingNumber, "000000")
	require.ErrorIs(t, err, models.ErrNotFound)

	claimed, err := s.Claim(ctx, p.TrackingNumber, p.VerificationCode)
	require.NoError(t, err)
	require.True(t, claimed.IsClaimed)
	require.Equal(t, models.PackageStatusDelivered, claimed.Status)

	_, evs, err = s.Track(ctx, p.TrackingNumber)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, models.PackageStatusDelivered, evs[0].Status)
}
