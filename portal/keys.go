package portal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v3"
	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/hkdf"

	"kbsearch/config"
)

const (
	sessionKeyFile  = "portal_session.jwk"
	minSecretLength = 32
)

// Keys are the symmetric keys protecting portal cookies.
type Keys struct {
	encryption []byte
	signing    []byte
}

// LoadKeys derives cookie keys from the configured session secret, or from a
// secret persisted under the secrets path, creating it on first use.
func LoadKeys(cfg config.Config, logger *slog.Logger) (*Keys, error) {
	if cfg.Portal.SessionSecret != "" {
		if len(cfg.Portal.SessionSecret) < minSecretLength {
			return nil, fmt.Errorf("portal.session_secret must be at least %d bytes", minSecretLength)
		}
		return DeriveKeys([]byte(cfg.Portal.SessionSecret))
	}

	path := filepath.Join(cfg.Server.SecretsPath, sessionKeyFile)
	secret, err := loadSecret(path)
	if err == nil {
		return DeriveKeys(secret)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	secret, err = createSecret(path)
	if err != nil {
		return nil, err
	}
	logger.Info("Generated portal session secret", "path", path)
	return DeriveKeys(secret)
}

// DeriveKeys expands secret into independent encryption and signing keys.
func DeriveKeys(secret []byte) (*Keys, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	enc, err := expand(secret, "kbsearch portal session encryption")
	if err != nil {
		return nil, err
	}
	sig, err := expand(secret, "kbsearch portal cookie signing")
	if err != nil {
		return nil, err
	}
	return &Keys{encryption: enc, signing: sig}, nil
}

func expand(secret []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

func loadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	secret, ok := jwk.Key.([]byte)
	if !ok {
		return nil, fmt.Errorf("%s does not hold a symmetric key", path)
	}
	return secret, nil
}

func createSecret(path string) ([]byte, error) {
	secret := make([]byte, minSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	jwk := jose.JSONWebKey{
		Key:       secret,
		KeyID:     ksuid.New().String(),
		Algorithm: string(jose.DIRECT),
		Use:       "enc",
	}
	data, err := json.MarshalIndent(jwk, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return secret, nil
}
