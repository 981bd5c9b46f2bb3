package oautherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := &Error{Kind: KindRejected, Provider: "github", Op: "refresh", Code: "invalid_grant"}
	wrapped := fmt.Errorf("refreshing record: %w", err)

	assert.Equal(t, KindRejected, KindOf(wrapped))
	assert.Equal(t, "invalid_grant", CodeOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindReauthRequired, "twitter", "refresh", "no refresh token"))

	assert.ErrorIs(t, err, ReauthRequired)
	assert.NotErrorIs(t, err, Retryable)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Kind:        KindRejected,
		Provider:    "reddit",
		Op:          "exchange",
		Code:        "invalid_grant",
		Description: "code expired",
	}
	assert.Equal(t, "reddit: exchange: provider_rejected (invalid_grant): code expired", err.Error())

	cause := errors.New("dial tcp: timeout")
	wrapped := Wrap(KindTransport, "github", "userinfo", cause)
	assert.Equal(t, "github: userinfo: transport: dial tcp: timeout", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "csrf_state", KindCSRF.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
