package idgen

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/pkg/errors"
)

const (
	trackingNumberLen   = 12
	trackingNumberChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	verificationCodeLen = 6

	// How many candidates we draw before giving up. The space is 36^12,
	// so hitting this means the existence check itself is broken.
	maxAttempts = 5
)

// ExistsFunc reports whether a candidate tracking number is already taken.
type ExistsFunc func(ctx context.Context, trackingNumber string) (bool, error)

// Generator produces tracking numbers and verification codes. The random
// source is injected so tests can make it deterministic.
type Generator struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	exists ExistsFunc
}

func New(exists ExistsFunc) *Generator {
	return &Generator{
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		exists: exists,
	}
}

// NewWithSource builds a generator over a fixed source.
func NewWithSource(src rand.Source, exists ExistsFunc) *Generator {
	return &Generator{rnd: rand.New(src), exists: exists}
}

// TrackingNumber draws 12-char uppercase alphanumeric candidates until one
// passes the existence check. The storage layer still carries a unique
// constraint; a lost race at insert time is retried by the caller with a
// fresh candidate.
func (g *Generator) TrackingNumber(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := g.draw(trackingNumberChars, trackingNumberLen)
		taken, err := g.exists(ctx, candidate)
		if err != nil {
			return "", errors.Wrap(err, "check tracking number")
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", models.ErrConflict
}

// VerificationCode returns 6 random digits. Codes are secrets, not
// identifiers: no uniqueness requirement.
func (g *Generator) VerificationCode() string {
	return g.draw("0123456789", verificationCodeLen)
}

func (g *Generator) draw(alphabet string, n int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[g.rnd.Intn(len(alphabet))]
	}
	return string(b)
}
