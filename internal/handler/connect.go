package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cruxstack/oauth2-capture/internal/flow"
	"github.com/cruxstack/oauth2-capture/internal/middleware"
)

// Connect handles GET /connect/{provider}.
// It starts the authorization-code flow and redirects to the provider.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	sessionID, err := middleware.EnsureSessionID(w, r)
	if err != nil {
		h.logger.Error("failed to save session", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "server_error"})
		return
	}

	auth, err := h.orchestrator.Initiate(r.Context(), sessionID, providerName, middleware.GetOwner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, auth.URL, http.StatusFound)
}

// Callback handles GET /connect/{provider}/callback.
// It completes the flow and returns the stored connection.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := h.orchestrator.CompleteCallback(r.Context(), flow.CallbackRequest{
		SessionID:        middleware.SessionID(r),
		Provider:         chi.URLParam(r, "provider"),
		Owner:            middleware.GetOwner(r),
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.connectionView(rec))
}
