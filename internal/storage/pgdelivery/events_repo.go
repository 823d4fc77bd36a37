package pgdelivery

import (
	"context"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/pkg/errors"
)

// ListTrackingEvents returns the package history newest first. Equal
// timestamps (seeded data) fall back to id order so the result is stable.
// limit <= 0 means the full history; explicit limits are capped at 500.
func (s *Storage) ListTrackingEvents(ctx context.Context, packageID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	q := `
SELECT id, package_id, status, location, notes, event_time, created_at
FROM tracking_events
WHERE package_id = $1
ORDER BY event_time DESC, id DESC
OFFSET $2`
	args := []any{packageID, offset}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	out := []*models.TrackingEvent{}
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(&e.ID, &e.PackageID, &e.Status, &e.Location, &e.Notes, &e.EventTime, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// InsertTrackingEvent backdates seeded history; normal mutations append
// their events inside the owning transaction instead.
func (s *Storage) InsertTrackingEvent(ctx context.Context, e *models.TrackingEvent) error {
	now := time.Now().UTC()
	eventTime := e.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}

	err := s.db.QueryRow(ctx, `
INSERT INTO tracking_events (package_id, status, location, notes, event_time, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`, e.PackageID, e.Status, e.Location, e.Notes, eventTime, now).Scan(&e.ID)
	if err != nil {
		return errors.Wrap(err, "insert tracking event")
	}
	e.EventTime = eventTime
	e.CreatedAt = now
	return nil
}
