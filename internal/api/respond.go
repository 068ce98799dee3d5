package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/ratelimit"
)

// errorBody is the one error shape every endpoint returns.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// kindStatus maps an error kind to its HTTP status.
func kindStatus(kind core.Kind) int {
	switch kind {
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindValidation:
		return http.StatusUnprocessableEntity
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	body := errorBody{Error: string(kind), Detail: err.Error()}
	if kindStatus(kind) == http.StatusInternalServerError {
		// Internal detail stays in the logs, not the response.
		body.Detail = "internal error"
	}
	writeJSON(w, kindStatus(kind), body)
}

// setRateHeaders exposes the limiter decision on every ingest response so
// well-behaved senders can pace themselves before hitting 429s.
func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Burst", strconv.Itoa(d.Burst))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		retry := d.RetryAfter
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	}
}
