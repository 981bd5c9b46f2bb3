package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
	"github.com/cruxstack/oauth2-capture/internal/provider"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ProviderError    string `json:"provider_error,omitempty"`
}

// retryAfterSeconds is suggested to clients after a retryable refresh failure.
const retryAfterSeconds = 30

// statusFor maps an error kind to an HTTP status.
func statusFor(kind oautherr.Kind) int {
	switch kind {
	case oautherr.KindConfiguration:
		return http.StatusNotFound
	case oautherr.KindCSRF:
		return http.StatusForbidden
	case oautherr.KindRejected:
		return http.StatusBadRequest
	case oautherr.KindTransport:
		return http.StatusBadGateway
	case oautherr.KindReauthRequired, oautherr.KindOwnershipConflict:
		return http.StatusConflict
	case oautherr.KindRetryable:
		return http.StatusServiceUnavailable
	case oautherr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// statusForError refines statusFor: only an unknown provider name is a 404,
// any other configuration error is a server fault.
func statusForError(err error) int {
	kind := oautherr.KindOf(err)
	if kind == oautherr.KindConfiguration && !provider.IsUnsupported(err) {
		return http.StatusInternalServerError
	}
	return statusFor(kind)
}

// writeError writes err as JSON. Only the taxonomy's kind, the provider's
// error code and the provider's description are exposed.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := oautherr.KindOf(err)
	status := statusForError(err)

	resp := ErrorResponse{Error: kind.String()}
	var oe *oautherr.Error
	if errors.As(err, &oe) {
		resp.ProviderError = oautherr.CodeOf(err)
		if kind != oautherr.KindPersistence {
			resp.ErrorDescription = oe.Description
		}
	}
	if kind == oautherr.KindUnknown {
		resp.Error = "server_error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "kind", kind.String(), "error", err)
	}
	if kind == oautherr.KindRetryable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
