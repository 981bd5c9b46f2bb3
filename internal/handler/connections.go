package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cruxstack/oauth2-capture/internal/middleware"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// Connection is the public view of a token record. Tokens are never exposed.
type Connection struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	ExternalUserID string     `json:"external_user_id"`
	Username       string     `json:"username,omitempty"`
	DisplayName    string     `json:"display_name"`
	Scope          string     `json:"scope,omitempty"`
	Services       []string   `json:"services,omitempty"` // google only
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Refreshable    bool       `json:"refreshable"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ConnectionStatus is the response of the status endpoint.
type ConnectionStatus struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Validation string     `json:"validation,omitempty"`
}

func (h *Handlers) connectionView(rec *store.TokenRecord) Connection {
	return Connection{
		ID:             rec.ID,
		Provider:       rec.Provider,
		ExternalUserID: rec.ExternalUserID,
		Username:       rec.Username(),
		DisplayName:    rec.DisplayName,
		Scope:          rec.Scope,
		Services:       h.services(rec),
		ExpiresAt:      rec.ExpiresAt,
		Refreshable:    rec.RefreshToken != "",
		Status:         h.manager.Status(rec).String(),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// services lists the Google services a google record's scopes unlock.
func (h *Handlers) services(rec *store.TokenRecord) []string {
	p, err := h.providerRegistry.Get(rec.Provider)
	if err != nil || p.Type() != "google" {
		return nil
	}
	var out []string
	for _, svc := range provider.ScopeServices(rec.Scope) {
		out = append(out, string(svc))
	}
	return out
}

// ListConnections handles GET /connections.
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	recs, err := h.tokens.ListByOwner(r.Context(), middleware.GetOwner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]Connection, 0, len(recs))
	for _, rec := range recs {
		out = append(out, h.connectionView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedRecord loads the record in the URL, hiding records held by other owners.
func (h *Handlers) ownedRecord(r *http.Request) (*store.TokenRecord, error) {
	rec, err := h.tokens.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if rec.Owner != middleware.GetOwner(r) {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// ConnectionStatus handles GET /connections/{id}/status.
// With ?validate=1 the provider is asked whether the token is still accepted.
func (h *Handlers) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedRecord(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := ConnectionStatus{
		ID:        rec.ID,
		Provider:  rec.Provider,
		Status:    h.manager.Status(rec).String(),
		ExpiresAt: rec.ExpiresAt,
	}
	if r.URL.Query().Get("validate") == "1" {
		resp.Validation = h.manager.Validate(r.Context(), rec).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteConnection handles DELETE /connections/{id}.
func (h *Handlers) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.DeleteForOwner(r.Context(), chi.URLParam(r, "id"), middleware.GetOwner(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("connection deleted", "record_id", chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// RevokeConnection handles POST /connections/{id}/revoke from HTML forms. It
// deletes the connection and sends the browser back to the list.
func (h *Handlers) RevokeConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.DeleteForOwner(r.Context(), chi.URLParam(r, "id"), middleware.GetOwner(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("connection revoked", "record_id", chi.URLParam(r, "id"))
	http.Redirect(w, r, "/connections", http.StatusSeeOther)
}

// ProviderInfo describes a configured provider.
type ProviderInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ListProviders handles GET /providers.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	names := h.providerRegistry.List()
	out := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		p, err := h.providerRegistry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, ProviderInfo{Name: p.Name(), Type: p.Type()})
	}
	writeJSON(w, http.StatusOK, out)
}
