package api

import (
	"io"
	"net/http"
	"time"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/webhook"
)

// maxAlertBody bounds a single delivery; monitoring payloads are small and
// anything larger is abuse.
const maxAlertBody = 1 << 20

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody))
	if err != nil {
		writeError(w, core.Wrap(core.KindValidation, "unreadable body", err))
		return
	}

	result, err := s.receiver.Ingest(r.Context(), webhook.IngestRequest{
		APIKey:     r.URL.Query().Get("api_key"),
		Timestamp:  r.Header.Get("X-Timestamp"),
		Signature:  r.Header.Get("X-Signature"),
		DeliveryID: r.Header.Get("X-Delivery-ID"),
		Body:       body,
	})
	setRateHeaders(w, result.Rate)

	if err != nil {
		s.observeIngest(start, "rejected")
		s.countRejection(result.TenantID, err)
		writeError(w, err)
		return
	}

	outcome := "accepted"
	if result.Duplicate {
		outcome = "duplicate"
		if s.ops != nil {
			s.ops.AlertsDuplicate.WithLabelValues(result.TenantID).Inc()
		}
	} else if s.ops != nil {
		s.ops.AlertsIngested.WithLabelValues(result.TenantID, string(result.Alert.Severity)).Inc()
	}
	s.observeIngest(start, outcome)

	writeJSON(w, http.StatusOK, map[string]any{
		"alert_id":          result.Alert.ID,
		"created_at":        result.Alert.Timestamp,
		"duplicate":         result.Duplicate,
		"delivery_attempts": result.Alert.DeliveryAttempts,
	})
}

func (s *Server) observeIngest(start time.Time, outcome string) {
	if s.ops != nil {
		s.ops.IngestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) countRejection(tenantID string, err error) {
	if s.ops == nil {
		return
	}
	switch core.KindOf(err) {
	case core.KindRateLimited:
		if tenantID != "" {
			s.ops.AlertsRateLimited.WithLabelValues(tenantID).Inc()
		}
	case core.KindUnauthorized:
		s.ops.AlertsRejected.WithLabelValues("unauthorized").Inc()
	case core.KindValidation:
		s.ops.AlertsRejected.WithLabelValues("validation").Inc()
	default:
		s.ops.AlertsRejected.WithLabelValues("internal").Inc()
	}
}
