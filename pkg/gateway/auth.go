package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether connections must answer a challenge.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the expected HMAC-SHA256 signature for challenge.
func (a *AuthHandler) Sign(challenge string) string {
	return SignChallenge(a.sharedSecret, challenge)
}

// SignChallenge computes the hex HMAC-SHA256 of challenge under secret. Clients
// use it to answer auth.challenge.
func SignChallenge(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := a.Sign(challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// IssueChallenge stores a fresh challenge on the client and returns the frame
// to send.
func (a *AuthHandler) IssueChallenge(client *Client) (AuthChallenge, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return AuthChallenge{}, err
	}

	client.mu.Lock()
	client.challenge = challenge
	client.state = StateAuthenticating
	client.mu.Unlock()

	return AuthChallenge{Event: "auth.challenge", Challenge: challenge}, nil
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	client.mu.Lock()
	challenge := client.challenge
	client.mu.Unlock()

	if challenge == "" {
		return AuthResult{
			Event:   "auth.failure",
			Success: false,
			Message: "No challenge found",
		}
	}

	if !a.VerifySignature(challenge, signature) {
		client.mu.Lock()
		client.authAttempts++
		attempts := client.authAttempts
		client.mu.Unlock()

		if attempts >= maxAuthAttempts {
			return AuthResult{
				Event:   "auth.failure",
				Success: false,
				Message: "Too many failed attempts",
			}
		}

		return AuthResult{
			Event:   "auth.failure",
			Success: false,
			Message: "Invalid signature",
		}
	}

	client.markAuthenticated()
	return AuthResult{
		Event:   "auth.success",
		Success: true,
	}
}

func (c *Client) authFailures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authAttempts
}
