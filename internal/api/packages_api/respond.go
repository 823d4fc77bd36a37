package packages_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeFail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// writeErr maps domain failures to response codes. Anything unrecognized is
// logged and hidden behind a generic message.
func writeErr(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeFail(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, models.ErrNotFound):
		writeFail(w, http.StatusNotFound, models.ErrNotFound.Error())
	case errors.Is(err, models.ErrAlreadyClaimed):
		writeFail(w, http.StatusConflict, models.ErrAlreadyClaimed.Error())
	case errors.Is(err, models.ErrDelivered):
		writeFail(w, http.StatusConflict, models.ErrDelivered.Error())
	case errors.Is(err, models.ErrPermission):
		writeFail(w, http.StatusForbidden, models.ErrPermission.Error())
	case errors.Is(err, models.ErrRateLimited):
		writeFail(w, http.StatusTooManyRequests, models.ErrRateLimited.Error())
	case errors.Is(err, models.ErrConflict):
		writeFail(w, http.StatusServiceUnavailable, "could not allocate a tracking number, retry shortly")
	default:
		slog.Error("unhandled api error", "error", err.Error())
		writeFail(w, http.StatusInternalServerError, "internal server error")
	}
}

// requireAPIKey mirrors the classic shared-secret header check on the
// machine API.
func (a *PackagesAPI) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" {
			writeFail(w, http.StatusInternalServerError, "server configuration error: api key not configured")
			return
		}
		key := r.Header.Get("API-KEY")
		if key == "" {
			writeFail(w, http.StatusUnauthorized, "authentication failed: API-KEY header is required")
			return
		}
		if key != a.apiKey {
			writeFail(w, http.StatusForbidden, "authentication failed: invalid API-KEY")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actorFromRequest reads the identity the upstream auth proxy asserted.
func actorFromRequest(r *http.Request) (models.Actor, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return models.Actor{}, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return models.Actor{}, false
	}
	admin := r.Header.Get("X-Admin") == "true" || r.Header.Get("X-Admin") == "1"
	return models.Actor{UserID: id, Admin: admin}, true
}

func partyJSON(c *models.Customer) map[string]any {
	return map[string]any{
		"name":    c.Name,
		"email":   c.Email,
		"phone":   c.Phone,
		"address": c.Address,
	}
}

// packageJSON renders the package snapshot. The verification code is a
// secret shared only at creation time; every other response withholds it.
func packageJSON(p *models.Package, events []*models.TrackingEvent, includeCode bool) map[string]any {
	var estimated any
	if p.EstimatedDelivery != nil {
		estimated = p.EstimatedDelivery.Format("2006-01-02")
	}
	var claimedAt any
	if p.ClaimedAt != nil {
		claimedAt = p.ClaimedAt.Format(time.RFC3339)
	}

	out := map[string]any{
		"tracking_number":    p.TrackingNumber,
		"status":             p.Status,
		"service_tier":       p.ServiceTier,
		"price":              p.Price.StringFixed(2),
		"payment_status":     p.PaymentStatus,
		"current_location":   p.CurrentLocation,
		"estimated_delivery": estimated,
		"is_claimed":         p.IsClaimed,
		"claimed_at":         claimedAt,
		"sender":             partyJSON(p.Sender),
		"receiver":           partyJSON(p.Receiver),
		"description":        p.Description,
		"weight":             p.Weight.StringFixed(2),
		"created_at":         p.CreatedAt.Format(time.RFC3339),
		"updated_at":         p.UpdatedAt.Format(time.RFC3339),
	}
	if includeCode {
		out["verification_code"] = p.VerificationCode
	}
	if events != nil {
		history := make([]map[string]any, 0, len(events))
		for _, e := range events {
			history = append(history, map[string]any{
				"status":    e.Status,
				"location":  e.Location,
				"notes":     e.Notes,
				"timestamp": e.EventTime.Format(time.RFC3339),
			})
		}
		out["tracking_history"] = history
	}
	return out
}
