package lifecycle

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/cruxstack/oauth2-capture/internal/store"
)

// recordTokenSource adapts a stored record to oauth2.TokenSource so API
// clients built on golang.org/x/oauth2 refresh through the manager.
type recordTokenSource struct {
	ctx     context.Context
	manager *Manager
	id      string
}

// TokenSource returns an oauth2.TokenSource for the record with the given ID.
// Tokens are cached until they expire; each reload goes through AccessToken so
// refreshes are persisted and serialized like any other.
func (m *Manager) TokenSource(ctx context.Context, id string) (oauth2.TokenSource, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	src := &recordTokenSource{ctx: ctx, manager: m, id: id}

	var initial *oauth2.Token
	if m.Status(rec) == StatusUsable {
		initial = m.oauth2Token(rec)
	}
	return oauth2.ReuseTokenSource(initial, src), nil
}

// Token implements oauth2.TokenSource.
func (s *recordTokenSource) Token() (*oauth2.Token, error) {
	rec, err := s.manager.store.Get(s.ctx, s.id)
	if err != nil {
		return nil, err
	}
	fresh, err := s.manager.Fresh(s.ctx, rec)
	if err != nil {
		return nil, err
	}
	return s.manager.oauth2Token(fresh), nil
}

// oauth2Token converts a record. The refresh token is withheld so x/oauth2
// never refreshes behind the manager's back. Expiry is pulled in by the skew.
func (m *Manager) oauth2Token(rec *store.TokenRecord) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken: rec.AccessToken,
		TokenType:   firstNonEmpty(rec.TokenType, "Bearer"),
	}
	if rec.ExpiresAt != nil {
		tok.Expiry = rec.ExpiresAt.Add(-m.opts.Skew)
	}
	return tok
}
