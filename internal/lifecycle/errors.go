package lifecycle

import (
	"fmt"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
	"github.com/cruxstack/oauth2-capture/internal/provider"
)

// UnsavedRefreshError is returned when the provider issued new tokens but they
// could not be written back. The provider may already have invalidated the old
// refresh token, so Token is the only copy of the new grant.
type UnsavedRefreshError struct {
	Provider string
	RecordID string
	Token    *provider.TokenResponse
	Err      error // always of kind KindPersistence
}

func newUnsavedRefreshError(providerName, recordID string, tok *provider.TokenResponse, cause error) *UnsavedRefreshError {
	return &UnsavedRefreshError{
		Provider: providerName,
		RecordID: recordID,
		Token:    tok,
		Err:      oautherr.Wrap(oautherr.KindPersistence, providerName, "refresh", cause),
	}
}

func (e *UnsavedRefreshError) Error() string {
	return fmt.Sprintf("refreshed token for record %s not saved: %v", e.RecordID, e.Err)
}

func (e *UnsavedRefreshError) Unwrap() error {
	return e.Err
}
