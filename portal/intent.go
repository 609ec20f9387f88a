package portal

import "net/url"

// Intent is what a page load is doing, derived from its query string.
type Intent int

const (
	// IntentNone is an ordinary page load.
	IntentNone Intent = iota
	// IntentLogin is the identity provider returning with an authorization code.
	IntentLogin
	// IntentLogout is the identity provider returning from end-session.
	IntentLogout
)

func (i Intent) String() string {
	switch i {
	case IntentLogin:
		return "login-callback"
	case IntentLogout:
		return "logout-callback"
	default:
		return "none"
	}
}

// Classify derives the callback intent from a raw query string and whether
// a logout is in progress. Login wins whenever both code and state are
// present; a query that fails to parse is never a callback.
func Classify(rawQuery string, logoutPending bool) Intent {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return IntentNone
	}
	switch {
	case q.Has("code") && q.Has("state"):
		return IntentLogin
	case q.Has("state") && logoutPending:
		return IntentLogout
	default:
		return IntentNone
	}
}
