package generation

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/promptdeck/internal/auth"
	"github.com/vnmchuo/promptdeck/internal/store"
)

// HandleUsage reports plan and free-quota state for the navbar counter.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	status, err := h.gate.Status(ctx, userID)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleHistory lists the caller's generations between from and to
// (RFC3339), defaulting to the last 30 days.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)", "")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)", "")
			return
		}
		to = t
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'to' must not be before 'from'", "")
		return
	}

	logs, err := h.history.GetLogsByUser(ctx, userID, from, to)
	if err != nil {
		h.storeError(w, err)
		return
	}
	counts, err := h.history.CountByCapability(ctx, userID, from, to)
	if err != nil {
		h.storeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"from":          from,
		"to":            to,
		"total":         len(logs),
		"by_capability": counts,
		"logs":          logs,
	})
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("store request failed")
	if store.IsUnavailable(err) {
		w.Header().Set("Retry-After", unavailableRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable", "unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error", "")
}
