// Package capability implements the daemon's only authorization surface:
// locally-signed capability tokens. The spec's non-goals rule out any
// external IdP/JWKS authentication, so where an auth package might
// validate JWTs fetched from a remote JWKS, this one signs and verifies
// its own HS256 tokens with a key the daemon holds itself.
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// RoutingControl is the capability C6 requires for any call that mutates
// routing rules (add_rule, modify_rule, delete_rule, update_subscription).
// query_rules is not checked.
const RoutingControl = "routing_control"

// Grant is a verified capability claim extracted from a token.
type Grant struct {
	Subject    string
	Capability string
	ExpiresAt  time.Time
}

// Has reports whether the grant carries the given capability.
func (g *Grant) Has(capability string) bool {
	return g != nil && g.Capability == capability
}

// Issuer signs and verifies capability tokens with a single HMAC key held
// in daemon memory — never persisted, never exchanged with a third party.
type Issuer struct {
	key jwa.SignatureAlgorithm
	raw []byte
}

// NewIssuer creates an Issuer from a raw secret, typically generated once
// at daemon startup and held for the process lifetime.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{key: jwa.HS256, raw: secret}
}

// Issue mints a token granting capability to subject, valid for ttl.
func (i *Issuer) Issue(subject, capability string, ttl time.Duration) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("cap", capability).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build capability token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(i.key, i.raw))
	if err != nil {
		return "", fmt.Errorf("failed to sign capability token: %w", err)
	}
	return string(signed), nil
}

// Verify validates a token's signature and expiry and returns the Grant it
// carries.
func (i *Issuer) Verify(ctx context.Context, tokenString string) (*Grant, error) {
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKey(i.key, i.raw),
		jwt.WithValidate(true),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid capability token: %w", err)
	}

	cap, _ := token.Get("cap")
	capStr, _ := cap.(string)
	if capStr == "" {
		return nil, fmt.Errorf("capability token missing cap claim")
	}

	return &Grant{
		Subject:    token.Subject(),
		Capability: capStr,
		ExpiresAt:  token.Expiration(),
	}, nil
}
