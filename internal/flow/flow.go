// Package flow drives the authorization-code flow: it sends the user to the
// provider and turns the provider's callback into a stored token record.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cruxstack/oauth2-capture/internal/crypto"
	"github.com/cruxstack/oauth2-capture/internal/metrics"
	"github.com/cruxstack/oauth2-capture/internal/oautherr"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// Providers resolves a provider by name.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Options tunes an Orchestrator.
type Options struct {
	Policy store.OwnershipPolicy // applied when another owner connects a known account
	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator connects provider accounts to local owners.
type Orchestrator struct {
	providers Providers
	states    store.StateStore
	tokens    store.TokenStore
	policy    store.OwnershipPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates a flow orchestrator.
func NewOrchestrator(providers Providers, states store.StateStore, tokens store.TokenStore, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == "" {
		opts.Policy = store.PolicyReassign
	}
	return &Orchestrator{
		providers: providers,
		states:    states,
		tokens:    tokens,
		policy:    opts.Policy,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Initiate starts a connection for owner. The returned Authorization's URL is
// where the user agent should be redirected. Any earlier pending flow for the
// same session and provider is replaced.
func (o *Orchestrator) Initiate(ctx context.Context, sessionID, providerName, owner string) (*provider.Authorization, error) {
	if sessionID == "" || owner == "" {
		return nil, oautherr.New(oautherr.KindConfiguration, providerName, "initiate", "session and owner are required")
	}
	p, err := o.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	state, err := crypto.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	auth, err := p.AuthorizationURL(state, "")
	if err != nil {
		return nil, err
	}

	err = o.states.Put(ctx, store.StateKey(sessionID, p.Name()), &store.FlowState{
		Provider:     p.Name(),
		State:        state,
		CodeVerifier: auth.CodeVerifier,
		Owner:        owner,
		RedirectURI:  auth.RedirectURI,
		CreatedAt:    o.now().UTC(),
	})
	if err != nil {
		return nil, oautherr.Wrap(oautherr.KindPersistence, p.Name(), "initiate", err)
	}
	return auth, nil
}

// CallbackRequest carries the provider's redirect back to the application.
type CallbackRequest struct {
	SessionID        string
	Provider         string
	Owner            string // owner making the callback request
	Code             string
	State            string
	Error            string // "error" query parameter
	ErrorDescription string // "error_description" query parameter
}

// CompleteCallback finishes a connection. The pending flow state is consumed
// before anything else, so a callback can be completed at most once. State or
// owner mismatches fail with KindCSRF before any provider call.
func (o *Orchestrator) CompleteCallback(ctx context.Context, req CallbackRequest) (*store.TokenRecord, error) {
	rec, err := o.completeCallback(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = oautherr.KindOf(err).String()
	}
	metrics.Callbacks.WithLabelValues(req.Provider, outcome).Inc()
	return rec, err
}

func (o *Orchestrator) completeCallback(ctx context.Context, req CallbackRequest) (*store.TokenRecord, error) {
	pending, err := o.states.Take(ctx, store.StateKey(req.SessionID, req.Provider))
	if err != nil {
		return nil, oautherr.Wrap(oautherr.KindPersistence, req.Provider, "callback", err)
	}
	if err := o.checkState(req, pending); err != nil {
		return nil, err
	}

	if req.Error != "" {
		return nil, &oautherr.Error{
			Kind:        oautherr.KindRejected,
			Provider:    req.Provider,
			Op:          "authorize",
			Code:        req.Error,
			Description: req.ErrorDescription,
		}
	}
	if req.Code == "" {
		return nil, oautherr.New(oautherr.KindRejected, req.Provider, "authorize", "missing authorization code")
	}

	p, err := o.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	tok, err := p.ExchangeCode(ctx, req.Code, pending.RedirectURI, pending.CodeVerifier)
	if err != nil {
		o.logger.Info("code exchange failed", "provider", req.Provider, "error", err)
		return nil, err
	}

	profile, err := p.FetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		o.logger.Info("fetching user info failed", "provider", req.Provider, "error", err)
		return nil, err
	}
	if tok.IDTokenSubject != "" && tok.IDTokenSubject != profile.ExternalUserID {
		o.logger.Warn("id_token subject does not match user info", "provider", req.Provider)
		return nil, &oautherr.Error{
			Kind:        oautherr.KindRejected,
			Provider:    req.Provider,
			Op:          "userinfo",
			Code:        "subject_mismatch",
			Description: "id_token subject does not match user info",
		}
	}

	now := o.now()
	rec, err := o.tokens.Upsert(ctx, &store.TokenRecord{
		Provider:              p.Name(),
		ExternalUserID:        profile.ExternalUserID,
		Owner:                 pending.Owner,
		AccessToken:           tok.AccessToken,
		RefreshToken:          tok.RefreshToken,
		ExpiresAt:             tok.ExpiresAt(now),
		RefreshTokenExpiresAt: tok.RefreshTokenExpiresAt(now),
		TokenType:             tok.TokenType,
		Scope:                 tok.Scope,
		Profile:               profile.Raw,
		DisplayName:           profile.DisplayName,
	}, o.policy)
	if err != nil {
		if oautherr.KindOf(err) == oautherr.KindOwnershipConflict {
			o.logger.Warn("account already connected by another owner",
				"provider", req.Provider, "external_user_id", profile.ExternalUserID)
		}
		return nil, err
	}

	o.logger.Info("account connected",
		"provider", rec.Provider, "record_id", rec.ID, "external_user_id", rec.ExternalUserID,
		"refreshable", rec.RefreshToken != "")
	return rec, nil
}

// checkState fails closed on a missing, mismatched or foreign flow state.
func (o *Orchestrator) checkState(req CallbackRequest, pending *store.FlowState) error {
	reason := ""
	switch {
	case pending == nil:
		reason = "no pending authorization"
	case !crypto.EqualTokens(pending.State, req.State):
		reason = "state mismatch"
	case pending.Provider != req.Provider:
		reason = "provider mismatch"
	case pending.Owner != req.Owner:
		reason = "owner mismatch"
	default:
		return nil
	}

	o.logger.Warn("rejected authorization callback",
		"event", "csrf_state_mismatch", "provider", req.Provider, "reason", reason)
	return oautherr.New(oautherr.KindCSRF, req.Provider, "callback", reason)
}
