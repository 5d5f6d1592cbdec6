package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"apiseller/entity"
	"apiseller/lib/api/cont"
	"apiseller/lib/api/response"
	"apiseller/lib/sl"
)

const headerName = "X-API-Key"

// Validator is implemented by the entitlement manager.
type Validator interface {
	Validate(ctx context.Context, secret string) (*entity.ApiKey, error)
}

// New authenticates gateway requests by the X-API-Key header. The validated
// key is placed in the request context for the handlers downstream; an
// expired key is deactivated by the validation itself (lazy self-heal).
func New(log *slog.Logger, v Validator) func(next http.Handler) http.Handler {
	mod := sl.Module("middleware.apikey")
	log.With(mod).Info("apikey middleware initialized")

	return func(next http.Handler) http.Handler {

		fn := func(w http.ResponseWriter, r *http.Request) {
			id := middleware.GetReqID(r.Context())
			remote := r.RemoteAddr
			// if the request is coming from a proxy, use the X-Forwarded-For header
			xRemote := r.Header.Get("X-Forwarded-For")
			if xRemote != "" {
				remote = xRemote
			}
			logger := log.With(
				mod,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", remote),
				slog.String("request_id", id),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			defer func() {
				logger.With(
					slog.Int("status", ww.Status()),
					slog.Int("size", ww.BytesWritten()),
					slog.Float64("duration", time.Since(t1).Seconds()),
				).Info("incoming request")
			}()

			secret := r.Header.Get(headerName)
			if secret == "" {
				logger = logger.With(sl.Err(fmt.Errorf("api key header not found")))
				authFailed(ww, r, http.StatusUnauthorized, "X-API-Key header not found")
				return
			}
			logger = logger.With(sl.Secret("key", secret))

			key, err := v.Validate(r.Context(), secret)
			if err != nil {
				logger = logger.With(sl.Err(err))
				status, message := rejectionStatus(err)
				authFailed(ww, r, status, message)
				return
			}
			logger = logger.With(slog.String("plan", string(key.Plan)))
			ctx := cont.PutKey(r.Context(), key)

			ww.Header().Set("X-Request-ID", id)
			next.ServeHTTP(ww, r.WithContext(ctx))
		}

		return http.HandlerFunc(fn)
	}
}

func rejectionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusUnauthorized, "Unknown API key"
	case errors.Is(err, entity.ErrExpired):
		return http.StatusForbidden, "API key expired"
	case errors.Is(err, entity.ErrInactive):
		return http.StatusForbidden, "API key deactivated"
	case errors.Is(err, entity.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Temporary failure, retry later"
	default:
		return http.StatusUnauthorized, "Unauthorized"
	}
}

func authFailed(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, response.Error(message))
}
