package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/FeelPulse/chatrelay/internal/agent"
	"github.com/FeelPulse/chatrelay/internal/auth"
	"github.com/FeelPulse/chatrelay/internal/logger"
	"github.com/FeelPulse/chatrelay/internal/payload"
	"github.com/FeelPulse/chatrelay/internal/quota"
)

// writeError maps a failure that happened before streaming began to an
// HTTP response. Upstream errors are passed through unchanged.
func (gw *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error, lang string) {
	log := logger.FromContext(r.Context())

	var (
		rateErr     *quota.RateLimitError
		quotaErr    *quota.QuotaError
		upstreamErr *agent.UpstreamError
	)

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		gw.metrics.IncrementRejections("unauthorized")
		log.Info("rejected: %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})

	case errors.Is(err, payload.ErrValidation):
		gw.metrics.IncrementRejections("invalid")
		log.Info("rejected: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})

	case errors.As(err, &rateErr):
		gw.metrics.IncrementRejections("rate_limited")
		log.Info("guest limit reached: %d/%d", rateErr.Decision.Count, rateErr.Decision.Limit)
		if !rateErr.Decision.ResetAt.IsZero() {
			secs := int(math.Ceil(time.Until(rateErr.Decision.ResetAt).Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             rateErr.Message(lang),
			"rateLimitExceeded": true,
		})

	case errors.As(err, &quotaErr):
		gw.metrics.IncrementRejections("quota_exceeded")
		log.Info("quota exhausted: %s", quotaErr.Kind)
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":         quotaErr.Message(lang),
			"quotaExceeded": true,
			"resource":      string(quotaErr.Kind),
		})

	case errors.As(err, &upstreamErr):
		gw.metrics.IncrementRejections("upstream")
		log.Warn("upstream %s answered %d", upstreamErr.Provider, upstreamErr.Status)
		contentType := upstreamErr.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(upstreamErr.Status)
		w.Write(upstreamErr.Body)

	case errors.Is(err, agent.ErrUpstreamUnavailable):
		gw.metrics.IncrementRejections("upstream")
		log.Error("no upstream reachable: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream unavailable"})

	case errors.Is(err, context.Canceled):
		// Client went away before the stream opened, nobody is listening
		gw.metrics.IncrementRejections("canceled")
		log.Info("client canceled before streaming")

	default:
		gw.metrics.IncrementRejections("internal")
		log.Error("request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}
