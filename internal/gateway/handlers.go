package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/FeelPulse/chatrelay/internal/logger"
	"github.com/FeelPulse/chatrelay/pkg/types"
	"github.com/google/uuid"
)

// RequestIDHeader carries the id used in the request's log lines
const RequestIDHeader = "X-Request-Id"

// handleChat handles POST /api/chat
func (gw *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if gw.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "server is shutting down"})
		return
	}

	gw.activeRequests.Add(1)
	defer gw.activeRequests.Done()

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	cl := gw.log.WithRequestID(reqID)
	r = r.WithContext(logger.NewContext(r.Context(), cl))
	w.Header().Set(RequestIDHeader, reqID)

	var req types.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		gw.metrics.IncrementRejections("invalid")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}

	out, err := gw.relay.Handle(w, r, &req)
	if err != nil {
		gw.writeError(w, r, err, req.Language)
		return
	}
	cl.Debug("trace %v", out.Trace)
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "ok",
		"uptime": time.Since(gw.startTime).Round(time.Second).String(),
	}
	code := http.StatusOK

	if gw.shuttingDown() {
		status["status"] = "shutting_down"
		code = http.StatusServiceUnavailable
	} else if gw.db != nil {
		if err := gw.db.Ping(); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	status["activeStreams"] = gw.metrics.GetActiveStreams()

	writeJSON(w, code, status)
}

// handleStats returns relay outcomes for everyone, or for one caller with ?key=
func (gw *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("key"); key != "" {
		writeJSON(w, http.StatusOK, gw.usage.Get(key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"callers": gw.usage.Callers(),
		"global":  gw.usage.GetGlobal(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
