package provider

import (
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

// idTokenSkew tolerates clock drift when checking exp/iat/nbf.
const idTokenSkew = time.Minute

// attachIDTokenSubject parses the id_token that came back over TLS from the
// token endpoint and records its subject. The signature is not verified; the
// audience and time claims are.
func (b *base) attachIDTokenSubject(op string, tok *TokenResponse) error {
	if tok.IDToken == "" {
		return nil
	}
	parsed, err := jwt.Parse([]byte(tok.IDToken),
		jwt.WithVerify(false),
		jwt.WithValidate(true),
		jwt.WithAudience(b.config.ClientID),
		jwt.WithAcceptableSkew(idTokenSkew),
	)
	if err == nil && parsed.Subject() == "" {
		err = errors.New("id_token has no sub claim")
	}
	if err != nil {
		return &oautherr.Error{
			Kind:        oautherr.KindRejected,
			Provider:    b.config.Name,
			Op:          op,
			Code:        "invalid_id_token",
			Description: "id_token failed validation",
			Err:         err,
		}
	}
	tok.IDTokenSubject = parsed.Subject()
	return nil
}
