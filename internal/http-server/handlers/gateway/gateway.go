// Package gateway exposes the two operations the external AI gateway
// depends on: key validation and usage recording. Both run behind the
// apikey middleware, which places the validated key in the request context.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"apiseller/entity"
	"apiseller/lib/api/cont"
	"apiseller/lib/api/response"
	"apiseller/lib/clock"
	"apiseller/lib/sl"
)

type Core interface {
	RecordUsage(ctx context.Context, secret string) error
}

// keyInfo is the gateway-facing view of a key: the secret itself is never
// echoed back.
type keyInfo struct {
	OwnerId       int64       `json:"owner_id"`
	Plan          entity.Plan `json:"plan"`
	RequestsUsed  int64       `json:"requests_used"`
	ExpiresAt     string      `json:"expires_at,omitempty"`
	RemainingDays int         `json:"remaining_days"`
}

func view(key *entity.ApiKey) keyInfo {
	info := keyInfo{
		OwnerId:       key.OwnerId,
		Plan:          key.Plan,
		RequestsUsed:  key.RequestsUsed,
		RemainingDays: key.RemainingDays(clock.Now()),
	}
	if key.ExpiresAt != nil {
		info.ExpiresAt = clock.Stamp(*key.ExpiresAt)
	}
	return info
}

// Validate reports the authenticated key's standing. Validation itself
// already happened in the middleware; an invalid key never reaches here.
func Validate(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(
			sl.Module("http.handlers.gateway"),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		key := cont.GetKey(r.Context())
		if key == nil {
			logger.Error("no key in request context")
			render.Status(r, 401)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}
		render.JSON(w, r, response.Ok(view(key)))
	}
}

// Usage counts one serviced request against the authenticated key.
func Usage(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(
			sl.Module("http.handlers.gateway"),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		key := cont.GetKey(r.Context())
		if key == nil {
			logger.Error("no key in request context")
			render.Status(r, 401)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		if err := handler.RecordUsage(r.Context(), key.Secret); err != nil {
			logger.Error("record usage", sl.Err(err))
			switch {
			case errors.Is(err, entity.ErrStoreUnavailable):
				render.Status(r, 503)
				render.JSON(w, r, response.Error("Temporary failure, retry later"))
			default:
				// the key died between middleware validation and the increment
				render.Status(r, 403)
				render.JSON(w, r, response.Error("API key no longer valid"))
			}
			return
		}
		logger.With(sl.Owner(key.OwnerId)).Debug("usage recorded")

		render.JSON(w, r, response.Ok(nil))
	}
}
