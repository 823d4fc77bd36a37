package pgdelivery

import (
	"context"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const packageColumns = `
  p.id, p.tracking_number, p.verification_code,
  p.sender_user_id, p.receiver_user_id,
  p.description, p.weight::text, p.service_tier,
  p.price::text, p.payment_status,
  p.status, p.current_location, p.estimated_delivery,
  p.is_claimed, p.claimed_at,
  p.created_at, p.updated_at,
  s.id, s.name, s.email, s.phone, s.address, s.created_at,
  r.id, r.name, r.email, r.phone, r.address, r.created_at`

const packageFrom = `
FROM packages p
JOIN customers s ON s.id = p.sender_id
JOIN customers r ON r.id = p.receiver_id`

func scanPackage(row pgx.Row) (*models.Package, error) {
	var (
		p              models.Package
		sender         models.Customer
		receiver       models.Customer
		weight, price  string
		estimated      *time.Time
		claimedAt      *time.Time
		senderUserID   *int64
		receiverUserID *int64
	)
	err := row.Scan(
		&p.ID, &p.TrackingNumber, &p.VerificationCode,
		&senderUserID, &receiverUserID,
		&p.Description, &weight, &p.ServiceTier,
		&price, &p.PaymentStatus,
		&p.Status, &p.CurrentLocation, &estimated,
		&p.IsClaimed, &claimedAt,
		&p.CreatedAt, &p.UpdatedAt,
		&sender.ID, &sender.Name, &sender.Email, &sender.Phone, &sender.Address, &sender.CreatedAt,
		&receiver.ID, &receiver.Name, &receiver.Email, &receiver.Phone, &receiver.Address, &receiver.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.Weight, err = decimal.NewFromString(weight); err != nil {
		return nil, errors.Wrap(err, "parse weight")
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, errors.Wrap(err, "parse price")
	}
	p.SenderUserID = senderUserID
	p.ReceiverUserID = receiverUserID
	p.EstimatedDelivery = estimated
	p.ClaimedAt = claimedAt
	p.Sender = &sender
	p.Receiver = &receiver
	return &p, nil
}

func getPackageByTrackingNumber(ctx context.Context, q querier, trackingNumber string) (*models.Package, error) {
	row := q.QueryRow(ctx, `SELECT`+packageColumns+packageFrom+`
WHERE p.tracking_number = $1`, trackingNumber)

	p, err := scanPackage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return p, nil
}

func (s *Storage) GetPackageByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Package, error) {
	return getPackageByTrackingNumber(ctx, s.db, trackingNumber)
}

func (s *Storage) TrackingNumberExists(ctx context.Context, trackingNumber string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM packages WHERE tracking_number = $1)`,
		trackingNumber).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "tracking number exists")
	}
	return exists, nil
}

// CreatePackage persists the package and its initial tracking event in one
// transaction. A lost race on the tracking_number unique index comes back
// as models.ErrDuplicateTrackingNumber so the caller can redraw and retry.
func (s *Storage) CreatePackage(ctx context.Context, p *models.Package, initialEvent *models.TrackingEvent) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO packages (
  tracking_number, verification_code,
  sender_id, receiver_id, sender_user_id, receiver_user_id,
  description, weight, service_tier, price, payment_status,
  status, current_location, estimated_delivery,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10::numeric,$11,$12,$13,$14,$15,$15)
RETURNING id
`,
		p.TrackingNumber, p.VerificationCode,
		p.Sender.ID, p.Receiver.ID, p.SenderUserID, p.ReceiverUserID,
		p.Description, p.Weight.String(), p.ServiceTier, p.Price.String(), p.PaymentStatus,
		p.Status, p.CurrentLocation, p.EstimatedDelivery,
		now,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.ErrDuplicateTrackingNumber
		}
		return errors.Wrap(err, "insert package")
	}

	eventTime := initialEvent.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	var eventID uint64
	err = tx.QueryRow(ctx, `
INSERT INTO tracking_events (package_id, status, location, notes, event_time, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`, id, initialEvent.Status, initialEvent.Location, initialEvent.Notes, eventTime, now).Scan(&eventID)
	if err != nil {
		return errors.Wrap(err, "insert initial event")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}

	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	initialEvent.ID = eventID
	initialEvent.PackageID = id
	initialEvent.EventTime = eventTime
	initialEvent.CreatedAt = now
	return nil
}

type StatusUpdate struct {
	TrackingNumber string
	Status         string
	Location       string
	Notes          string
	EventTime      time.Time
}

// ApplyStatusUpdate moves the package to a new status and appends the
// matching event, atomically. The row is locked so the terminal check and
// the write can't interleave with a concurrent claim.
func (s *Storage) ApplyStatusUpdate(ctx context.Context, upd StatusUpdate) (*models.Package, error) {
	now := time.Now().UTC()
	eventTime := upd.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id     uint64
		status string
	)
	err = tx.QueryRow(ctx, `
SELECT id, status FROM packages WHERE tracking_number = $1 FOR UPDATE
`, upd.TrackingNumber).Scan(&id, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock package")
	}
	if models.TerminalStatus(status) {
		return nil, models.ErrDelivered
	}

	_, err = tx.Exec(ctx, `
UPDATE packages
SET status = $2, current_location = $3, updated_at = $4
WHERE id = $1
`, id, upd.Status, upd.Location, now)
	if err != nil {
		return nil, errors.Wrap(err, "update package status")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO tracking_events (package_id, status, location, notes, event_time, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, id, upd.Status, upd.Location, upd.Notes, eventTime, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert tracking event")
	}

	p, err := getPackageByTrackingNumber(ctx, tx, upd.TrackingNumber)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return p, nil
}

type ClaimUpdate struct {
	TrackingNumber   string
	VerificationCode string
	ClaimedAt        time.Time

	// Final package location and the appended event's fields.
	Location      string
	EventLocation string
	EventNotes    string
}

// ApplyClaim verifies the code and finalizes delivery under a row lock, so
// concurrent claims on one package serialize: exactly one wins, the rest
// see ErrAlreadyClaimed. A wrong code and an unknown tracking number are
// the same ErrNotFound on purpose.
func (s *Storage) ApplyClaim(ctx context.Context, upd ClaimUpdate) (*models.Package, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id        uint64
		code      string
		isClaimed bool
	)
	err = tx.QueryRow(ctx, `
SELECT id, verification_code, is_claimed FROM packages WHERE tracking_number = $1 FOR UPDATE
`, upd.TrackingNumber).Scan(&id, &code, &isClaimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock package")
	}
	if code != upd.VerificationCode {
		return nil, models.ErrNotFound
	}
	if isClaimed {
		return nil, models.ErrAlreadyClaimed
	}

	claimedAt := upd.ClaimedAt.UTC()
	_, err = tx.Exec(ctx, `
UPDATE packages
SET is_claimed = TRUE, claimed_at = $2,
    status = $3, current_location = $4, updated_at = $2
WHERE id = $1
`, id, claimedAt, models.PackageStatusDelivered, upd.Location)
	if err != nil {
		return nil, errors.Wrap(err, "claim package")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO tracking_events (package_id, status, location, notes, event_time, created_at)
VALUES ($1,$2,$3,$4,$5,$5)
`, id, models.PackageStatusDelivered, upd.EventLocation, upd.EventNotes, claimedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert claim event")
	}

	p, err := getPackageByTrackingNumber(ctx, tx, upd.TrackingNumber)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return p, nil
}

const (
	OwnerRoleSender   = "sender"
	OwnerRoleReceiver = "receiver"
)

func (s *Storage) ListPackagesByOwner(ctx context.Context, userID int64, role string) ([]*models.Package, error) {
	col := "p.sender_user_id"
	if role == OwnerRoleReceiver {
		col = "p.receiver_user_id"
	}

	rows, err := s.db.Query(ctx, `SELECT`+packageColumns+packageFrom+`
WHERE `+col+` = $1
ORDER BY p.created_at DESC, p.id DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "select packages by owner")
	}
	defer rows.Close()

	out := []*models.Package{}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) OwnerStats(ctx context.Context, userID int64) (models.OwnerStats, error) {
	var st models.OwnerStats
	err := s.db.QueryRow(ctx, `
SELECT
  COUNT(*) FILTER (WHERE sender_user_id = $1),
  COUNT(*) FILTER (WHERE receiver_user_id = $1),
  COUNT(*) FILTER (WHERE sender_user_id = $1 AND status <> $2)
FROM packages
`, userID, models.PackageStatusDelivered).Scan(&st.TotalSent, &st.TotalReceived, &st.PendingSent)
	if err != nil {
		return models.OwnerStats{}, errors.Wrap(err, "owner stats")
	}
	return st, nil
}
