package pgdelivery

import (
	"context"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type CustomerInput struct {
	Name    string
	Email   string
	Phone   string
	Address string
}

// CreateCustomer always inserts a fresh row. The interactive pickup path
// uses this: a customer row is an identity snapshot, not an account.
func (s *Storage) CreateCustomer(ctx context.Context, in CustomerInput) (*models.Customer, error) {
	now := time.Now().UTC()

	var c models.Customer
	err := s.db.QueryRow(ctx, `
INSERT INTO customers (name, email, phone, address, created_at)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`, in.Name, in.Email, in.Phone, in.Address, now).Scan(&c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert customer")
	}

	c.Name, c.Email, c.Phone, c.Address, c.CreatedAt = in.Name, in.Email, in.Phone, in.Address, now
	return &c, nil
}

// GetOrCreateCustomerByEmail reuses the oldest customer row with the given
// email, falling back to a fresh insert. The machine API uses this so that
// repeated shipments from the same party share one customer record.
func (s *Storage) GetOrCreateCustomerByEmail(ctx context.Context, in CustomerInput) (*models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRow(ctx, `
SELECT id, name, email, phone, address, created_at
FROM customers
WHERE email = $1
ORDER BY created_at ASC, id ASC
LIMIT 1
`, in.Email).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.CreatedAt)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "select customer by email")
	}

	return s.CreateCustomer(ctx, in)
}
