package link

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PairingIssuer is the issuer written into and required from pairing tokens.
const PairingIssuer = "wvt-link"

var (
	// ErrMissingToken is returned when a companion connects without a token.
	ErrMissingToken = errors.New("missing pairing token")
	// ErrInvalidToken wraps token parsing and validation failures.
	ErrInvalidToken = errors.New("invalid pairing token")
)

// Pairing holds the shared secret both devices learned when they were paired.
type Pairing struct {
	Secret string
}

// Issue returns a pairing token for the companion device id, valid for ttl.
// A zero ttl means the token does not expire.
func (p Pairing) Issue(deviceID string, ttl time.Duration) (string, error) {
	if p.Secret == "" {
		return "", fmt.Errorf("pairing secret is empty")
	}
	claims := jwt.RegisteredClaims{
		Issuer:   PairingIssuer,
		Subject:  deviceID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign pairing token: %w", err)
	}
	return token, nil
}

// Verify validates token and returns the paired device id.
func (p Pairing) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(p.Secret), nil
	}, jwt.WithIssuer(PairingIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// bearer extracts the token from an Authorization header.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}
