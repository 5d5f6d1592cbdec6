package health

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"apiseller/lib/api/response"
	"apiseller/lib/clock"
)

type status struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime_sec"`
}

// Handler reports process liveness and uptime. Unauthenticated.
func Handler(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, response.Ok(status{
			Status: "ok",
			Uptime: clock.Now().Sub(started).Seconds(),
		}))
	}
}
