package packages_api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/ParcelPilot/ParcelDesk/internal/services/packages"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RateLimiter guards the claim endpoint against verification-code guessing.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type PackagesAPI struct {
	svc *packages.Service

	apiKey string

	limiter    RateLimiter
	claimLimit int64
}

func New(svc *packages.Service, apiKey string) *PackagesAPI {
	return &PackagesAPI{svc: svc, apiKey: apiKey}
}

// WithClaimRateLimit enables per-tracking-number claim throttling.
func (a *PackagesAPI) WithClaimRateLimit(rl RateLimiter, perMinute int64) *PackagesAPI {
	a.limiter = rl
	a.claimLimit = perMinute
	return a
}

func (a *PackagesAPI) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(a.requireAPIKey).Post("/packages", a.createPackage)
	r.Post("/pickups", a.createPickup)

	r.Get("/packages/{trackingNumber}", a.trackPackage)
	r.Post("/packages/{trackingNumber}/claim", a.claimPackage)
	r.Post("/packages/{trackingNumber}/status", a.updateStatus)

	r.Get("/users/{userID}/packages", a.listByOwner)
	r.Get("/users/{userID}/stats", a.ownerStats)

	return r
}

type partyPayload struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type createRequest struct {
	Sender   partyPayload `json:"sender"`
	Receiver partyPayload `json:"receiver"`

	Description     string      `json:"description"`
	Weight          json.Number `json:"weight"`
	ServiceTier     string      `json:"service_tier"`
	CurrentLocation string      `json:"current_location"`

	// Pickup path only.
	PreferredPickupDate string `json:"preferred_pickup_date"`
}

func (req *createRequest) toInput() (packages.CreateInput, error) {
	in := packages.CreateInput{
		Sender:          packages.PartyInput(req.Sender),
		Receiver:        packages.PartyInput(req.Receiver),
		Description:     req.Description,
		ServiceTier:     req.ServiceTier,
		InitialLocation: req.CurrentLocation,
	}
	if req.Weight != "" {
		w, err := decimal.NewFromString(req.Weight.String())
		if err != nil {
			return in, models.NewValidationError("weight")
		}
		in.Weight = w
	}
	return in, nil
}

// createPackage is the machine API entry point: API-key protected,
// customers deduplicated by email. An identity header upgrades it to the
// authenticated flow with simulated payment.
func (a *PackagesAPI) createPackage(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	in, err := req.toInput()
	if err != nil {
		writeErr(w, err)
		return
	}
	in.DedupCustomersByEmail = true
	in.InitialNotes = "Package created via API"

	if actor, ok := actorFromRequest(r); ok {
		in.SenderUserID = &actor.UserID
		in.MarkPaid = true
		in.InitialNotes = "Package created via user dashboard"
	}

	p, err := a.svc.Create(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, packageJSON(p, nil, true))
}

// createPickup is the public pickup-request path: no key, no dedup, the
// package waits for the courier.
func (a *PackagesAPI) createPickup(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	in, err := req.toInput()
	if err != nil {
		writeErr(w, err)
		return
	}
	in.InitialLocation = "Awaiting Pickup"
	in.InitialEventLocation = "Pickup Requested"
	pickupDate := req.PreferredPickupDate
	if pickupDate == "" {
		pickupDate = "ASAP"
	}
	in.InitialNotes = fmt.Sprintf("Pickup requested for %s", pickupDate)

	p, err := a.svc.Create(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, packageJSON(p, nil, true))
}

func (a *PackagesAPI) trackPackage(w http.ResponseWriter, r *http.Request) {
	trackingNumber := chi.URLParam(r, "trackingNumber")

	p, events, err := a.svc.Track(r.Context(), trackingNumber)
	if errors.Is(err, models.ErrNotFound) {
		writeFail(w, http.StatusNotFound,
			fmt.Sprintf("package with tracking number %s not found", trackingNumber))
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, packageJSON(p, events, false))
}

type claimRequest struct {
	VerificationCode string `json:"verification_code"`
}

func (a *PackagesAPI) claimPackage(w http.ResponseWriter, r *http.Request) {
	trackingNumber := chi.URLParam(r, "trackingNumber")

	if a.limiter != nil && a.claimLimit > 0 {
		ok, _, err := a.limiter.Allow(r.Context(), "claim:"+trackingNumber, a.claimLimit, time.Minute)
		if err != nil {
			slog.Warn("claim rate limiter unavailable", "error", err.Error())
		} else if !ok {
			writeErr(w, models.ErrRateLimited)
			return
		}
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	p, err := a.svc.Claim(r.Context(), trackingNumber, req.VerificationCode)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, packageJSON(p, nil, false))
}

type updateStatusRequest struct {
	Status   string `json:"status"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

func (a *PackagesAPI) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeFail(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	trackingNumber := chi.URLParam(r, "trackingNumber")
	p, err := a.svc.UpdateStatus(r.Context(),
		trackingNumber, req.Status, req.Location, req.Notes, actor)
	if errors.Is(err, models.ErrNotFound) {
		// No code is involved here, so the uniform claim wording would
		// only confuse.
		writeFail(w, http.StatusNotFound,
			fmt.Sprintf("package with tracking number %s not found", trackingNumber))
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, packageJSON(p, nil, false))
}

func (a *PackagesAPI) listByOwner(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := a.ownerRequest(w, r)
	if !ok {
		return
	}

	role := r.URL.Query().Get("role")
	if role == "" {
		role = "sender"
	}
	pkgs, err := a.svc.ListByOwner(r.Context(), userID, role)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]map[string]any, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, packageJSON(p, nil, false))
	}
	writeData(w, http.StatusOK, out)
}

func (a *PackagesAPI) ownerStats(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := a.ownerRequest(w, r)
	if !ok {
		return
	}

	st, err := a.svc.Stats(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

// ownerRequest authenticates the caller and checks they may see the
// requested user's data.
func (a *PackagesAPI) ownerRequest(w http.ResponseWriter, r *http.Request) (int64, models.Actor, bool) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeFail(w, http.StatusUnauthorized, "authentication required")
		return 0, models.Actor{}, false
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "invalid user id")
		return 0, models.Actor{}, false
	}
	if userID != actor.UserID && !actor.Admin {
		writeFail(w, http.StatusForbidden, "not allowed")
		return 0, models.Actor{}, false
	}
	return userID, actor, true
}
