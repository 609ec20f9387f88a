package portal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	pendingCookieName = "kbsearch_login"
	logoutCookieName  = "kbsearch_logout"
	flashCookieName   = "kbsearch_flash"

	pendingTTL = 10 * time.Minute
	logoutTTL  = 10 * time.Minute
	flashTTL   = time.Minute

	// Browsers cap a cookie at 4096 bytes including its name and attributes.
	maxCookieChunk = 3800
	maxChunks      = 8
)

var errCookieMissing = errors.New("cookie not present")

type pendingLogin struct {
	jwt.RegisteredClaims
	State    string `json:"st"`
	Nonce    string `json:"nn"`
	Verifier string `json:"cv"`
}

type logoutMarker struct {
	jwt.RegisteredClaims
	State string `json:"st"`
}

type flashMessage struct {
	jwt.RegisteredClaims
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"msg"`
}

// cookieJar seals and opens every cookie the portal sets.
type cookieJar struct {
	sessionName string
	keys        *Keys
	secure      bool
	now         func() time.Time
}

// sessionCookieName is stable for a given provider and client so a stored
// session is found again after reload.
func sessionCookieName(issuer, clientID string) string {
	sum := sha256.Sum256([]byte(issuer + "\x00" + clientID))
	return "kbsearch_user_" + hex.EncodeToString(sum[:6])
}

func newCookieJar(keys *Keys, issuer, clientID string, secure bool, now func() time.Time) *cookieJar {
	return &cookieJar{
		sessionName: sessionCookieName(issuer, clientID),
		keys:        keys,
		secure:      secure,
		now:         now,
	}
}

func (j *cookieJar) base(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (j *cookieJar) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, j.base(name, "", -1))
}

// writeSession encrypts the session into one or more cookies.
func (j *cookieJar) writeSession(w http.ResponseWriter, r *http.Request, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: j.keys.encryption},
		&jose.EncrypterOptions{Compression: jose.DEFLATE})
	if err != nil {
		return fmt.Errorf("session encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt session: %w", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}

	chunks := splitChunks(token, maxCookieChunk)
	if len(chunks) > maxChunks {
		return fmt.Errorf("session too large for cookies: %d bytes", len(token))
	}
	maxAge := int(sess.ExpiresAt.Sub(j.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	for i, chunk := range chunks {
		http.SetCookie(w, j.base(j.chunkName(i), chunk, maxAge))
	}
	for i := len(chunks); i < maxChunks; i++ {
		if _, err := r.Cookie(j.chunkName(i)); err == nil {
			j.clear(w, j.chunkName(i))
		}
	}
	return nil
}

// readSession decrypts the session cookie. It returns errCookieMissing when
// no session cookie is present.
func (j *cookieJar) readSession(r *http.Request) (*Session, error) {
	token, err := j.joinChunks(r)
	if err != nil {
		return nil, err
	}
	obj, err := jose.ParseEncrypted(token)
	if err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	payload, err := obj.Decrypt(j.keys.encryption)
	if err != nil {
		return nil, fmt.Errorf("decrypt session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.restoreClaims()
	return &sess, nil
}

func (j *cookieJar) clearSession(w http.ResponseWriter, r *http.Request) {
	for i := 0; i < maxChunks; i++ {
		if _, err := r.Cookie(j.chunkName(i)); err == nil {
			j.clear(w, j.chunkName(i))
		}
	}
}

func (j *cookieJar) chunkName(i int) string {
	if i == 0 {
		return j.sessionName
	}
	return j.sessionName + "_" + strconv.Itoa(i)
}

func (j *cookieJar) joinChunks(r *http.Request) (string, error) {
	first, err := r.Cookie(j.chunkName(0))
	if err != nil {
		return "", errCookieMissing
	}
	parts := []string{first.Value}
	for i := 1; i < maxChunks; i++ {
		c, err := r.Cookie(j.chunkName(i))
		if err != nil {
			break
		}
		parts = append(parts, c.Value)
	}
	return strings.Join(parts, ""), nil
}

func splitChunks(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}

// sign issues a short-lived HS256 token scoped to one cookie purpose.
func (j *cookieJar) sign(w http.ResponseWriter, name string, ttl time.Duration, claims jwt.Claims) error {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.keys.signing)
	if err != nil {
		return fmt.Errorf("sign %s cookie: %w", name, err)
	}
	http.SetCookie(w, j.base(name, token, int(ttl.Seconds())))
	return nil
}

func (j *cookieJar) verify(r *http.Request, name string, claims jwt.Claims) error {
	c, err := r.Cookie(name)
	if err != nil {
		return errCookieMissing
	}
	_, err = jwt.ParseWithClaims(c.Value, claims, func(*jwt.Token) (any, error) {
		return j.keys.signing, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(name),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return fmt.Errorf("verify %s cookie: %w", name, err)
	}
	return nil
}

func (j *cookieJar) registered(name string, ttl time.Duration) jwt.RegisteredClaims {
	now := j.now()
	return jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{name},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (j *cookieJar) writePending(w http.ResponseWriter, p pendingLogin) error {
	p.RegisteredClaims = j.registered(pendingCookieName, pendingTTL)
	return j.sign(w, pendingCookieName, pendingTTL, &p)
}

func (j *cookieJar) readPending(r *http.Request) (*pendingLogin, error) {
	var p pendingLogin
	if err := j.verify(r, pendingCookieName, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *cookieJar) writeLogoutMarker(w http.ResponseWriter, state string) error {
	m := logoutMarker{RegisteredClaims: j.registered(logoutCookieName, logoutTTL), State: state}
	return j.sign(w, logoutCookieName, logoutTTL, &m)
}

func (j *cookieJar) readLogoutMarker(r *http.Request) (*logoutMarker, error) {
	var m logoutMarker
	if err := j.verify(r, logoutCookieName, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (j *cookieJar) writeFlash(w http.ResponseWriter, kind ErrorKind, msg string) error {
	f := flashMessage{RegisteredClaims: j.registered(flashCookieName, flashTTL), Kind: kind, Message: msg}
	return j.sign(w, flashCookieName, flashTTL, &f)
}

// popFlash returns and clears the pending flash message, if any.
func (j *cookieJar) popFlash(w http.ResponseWriter, r *http.Request) *flashMessage {
	if _, err := r.Cookie(flashCookieName); err != nil {
		return nil
	}
	j.clear(w, flashCookieName)
	var f flashMessage
	if err := j.verify(r, flashCookieName, &f); err != nil {
		return nil
	}
	return &f
}
