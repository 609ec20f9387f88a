package portal

import (
	"time"

	josejwt "github.com/go-jose/go-jose/v3/jwt"
)

// Profile is the signed-in user as described by the ID token.
type Profile struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	// Claims is rebuilt from the ID token and never stored in the cookie.
	Claims map[string]any `json:"-"`
}

// Session is the authenticated state persisted between page loads.
type Session struct {
	Profile     Profile   `json:"profile"`
	AccessToken string    `json:"access_token"`
	IDToken     string    `json:"id_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session may no longer be used at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt)
}

// UserInfo is the projection of a session shown to the user.
type UserInfo struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Email   string         `json:"email"`
	Profile map[string]any `json:"profile"`
}

// restoreClaims repopulates Profile.Claims from the stored ID token. The
// token was verified when the session was created.
func (s *Session) restoreClaims() {
	if s.IDToken == "" || s.Profile.Claims != nil {
		return
	}
	tok, err := josejwt.ParseSigned(s.IDToken)
	if err != nil {
		return
	}
	var claims map[string]any
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return
	}
	s.Profile.Claims = claims
}
