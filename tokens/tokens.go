/*Package tokens defines the token issuer collaborator interface and a
JWT implementation of it.

The issuer mints short-lived signed tokens for authorized devices and
can independently verify such a token. The authentication core only
depends on the Issuer interface, so a hosted identity provider can be
substituted without touching the registry or the auth flow.
*/
package tokens

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/perimeter-tech/devicegate/core"
)

// Issuer mints and verifies signed device tokens.
type Issuer interface {
	// Issue returns a signed token for the subject carrying the given
	// claims. Failures are upstream errors, the device must not be
	// treated as authenticated.
	Issue(subject string, claims map[string]interface{}) (string, error)
	// Verify validates a token and returns its claims, or
	// core.ErrInvalidToken.
	Verify(token string) (map[string]interface{}, error)
}

// HS256Issuer signs tokens with HMAC-SHA-256.
type HS256Issuer struct {
	key      []byte
	issuer   string
	validity time.Duration
}

// NewHS256Issuer returns an issuer signing with the given key. The
// validity window is applied to every issued token.
func NewHS256Issuer(key []byte, issuer string, validity time.Duration) *HS256Issuer {
	if len(key) == 0 {
		panic("token signing key is missing")
	}
	return &HS256Issuer{key: key, issuer: issuer, validity: validity}
}

// Issue signs a token for the subject. Custom claims are merged with
// the registered subject, issuer, issued-at and expiry claims; the
// registered claims win on conflict.
func (i *HS256Issuer) Issue(subject string, claims map[string]interface{}) (string, error) {
	now := time.Now().UTC()
	merged := jwt.MapClaims{}
	for k, v := range claims {
		merged[k] = v
	}
	merged["sub"] = subject
	merged["iss"] = i.issuer
	merged["iat"] = now.Unix()
	merged["exp"] = now.Add(i.validity).Unix()

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, merged)
	signed, err := t.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("cannot sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. Only HS256 is accepted, expiry
// and issuer are enforced.
func (i *HS256Issuer) Verify(token string) (map[string]interface{}, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, core.ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, core.ErrInvalidToken
	}
	if issuer, _ := claims["iss"].(string); issuer != i.issuer {
		return nil, core.ErrInvalidToken
	}
	return claims, nil
}
