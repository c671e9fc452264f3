package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing bearer token")
)

// TokenVerifier checks identity tokens issued by the external auth service.
// The "sub" claim is the user ID the caller may act as.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns a verifier for HS256 tokens signed with secret, or
// nil when secret is empty.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify validates tokenString and returns its subject.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return sub, nil
}

// Issue signs an HS256 token for subject.
func (v *TokenVerifier) Issue(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// VerifyRequest extracts and verifies the bearer token of r. Browsers cannot
// set headers on a WebSocket upgrade, so a "token" query parameter is
// accepted as well.
func (v *TokenVerifier) VerifyRequest(r *http.Request) (string, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(value)
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", ErrMissingToken
	}
	return v.Verify(token)
}

// authorizeAs fails with ErrForbidden when a verified subject is present and
// differs from userID.
func authorizeAs(subject, userID string) error {
	if subject != "" && subject != userID {
		return fmt.Errorf("%w: acting as %q", ErrForbidden, userID)
	}
	return nil
}
