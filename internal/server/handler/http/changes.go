package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/atinyakov/CipherSync/internal/middleware"
	"github.com/atinyakov/CipherSync/internal/models"
	"github.com/atinyakov/CipherSync/internal/service"
	"go.uber.org/zap"
)

// MaxPushBytes limits the size of a push request body.
const MaxPushBytes = 64 << 20

// ChangesService defines the change feed operations required by the
// ChangesHandler.
type ChangesService interface {
	Fetch(ctx context.Context, login string, since int64) (models.FetchResponse, error)
	Push(ctx context.Context, login string, req models.PushRequest) (models.PushResponse, error)
}

// ChangesHandler serves the per-user change feed.
type ChangesHandler struct {
	ChangesService ChangesService
	Logger         *zap.Logger
	// MaxBodyBytes overrides MaxPushBytes when positive.
	MaxBodyBytes int64
}

// Fetch handles GET /api/changes?since=N.
func (h *ChangesHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = v
	}

	login := middleware.LoginFromContext(r.Context())
	resp, err := h.ChangesService.Fetch(r.Context(), login, since)
	if err != nil {
		h.fail(w, login, "fetch", err)
		return
	}
	writeJSON(w, resp)
}

// Push handles POST /api/changes.
func (h *ChangesHandler) Push(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = MaxPushBytes
	}
	var req models.PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	login := middleware.LoginFromContext(r.Context())
	resp, err := h.ChangesService.Push(r.Context(), login, req)
	if err != nil {
		h.fail(w, login, "push", err)
		return
	}
	writeJSON(w, resp)
}

func (h *ChangesHandler) fail(w http.ResponseWriter, login, op string, err error) {
	switch {
	case errors.Is(err, service.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrInvalidChange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		if h.Logger != nil {
			h.Logger.Error("change feed "+op+" failed", zap.String("login", login), zap.Error(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
