package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"kbsearch/config"
)

// authorizer builds authorization requests; portal.OIDCProvider satisfies it.
type authorizer interface {
	AuthCodeURL(state, nonce, verifier string) string
}

// runCheck follows the authorization redirect chain and fails when the
// provider answers with an error status.
func runCheck(ctx context.Context, logger *slog.Logger, provider authorizer, httpClient *http.Client) error {
	authURL := provider.AuthCodeURL(randomHex(8), randomHex(8), oauth2.GenerateVerifier())
	logger.Info("check.start", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	probe := *client
	probe.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("check.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := probe.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("check.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

// runConfigValidate loads the file and reports which roles it can run.
func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	proxyErr := cfg.ValidateProxy()
	if proxyErr != nil {
		logger.Warn("Configuration cannot run the proxy", "error", proxyErr)
	} else {
		logger.Info("Configuration can run the proxy", "api_url", cfg.Knowledge.APIURL)
	}

	portalErr := cfg.ValidatePortal()
	if portalErr != nil {
		logger.Warn("Configuration cannot run the portal", "error", portalErr)
	} else {
		logger.Info("Configuration can run the portal", "issuer", cfg.OIDC.Issuer)
	}

	if proxyErr != nil && portalErr != nil {
		return errors.Join(proxyErr, portalErr)
	}
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (config.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := config.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode
	if devMode {
		cfg.Server.ListenAddr = ask(reader, out, "Proxy listen address", cfg.Server.ListenAddr)
		cfg.Portal.ListenAddr = ask(reader, out, "Portal listen address", cfg.Portal.ListenAddr)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. search.example.com)")
		cfg.Server.TLS.Domains = []string{strings.TrimSuffix(domain, "/")}
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.Knowledge.APIURL = strings.TrimSuffix(askRequired(reader, out, "Knowledge API base URL"), "/")
	cfg.Knowledge.PortalID = askRequired(reader, out, "Knowledge portal ID")
	cfg.Knowledge.Language = ask(reader, out, "Content language", cfg.Knowledge.Language)

	cfg.Credentials.TokenURL = askRequired(reader, out, "Client-credentials token URL")
	cfg.Credentials.ClientID = askRequired(reader, out, "Client-credentials client ID")
	cfg.Credentials.ClientSecret = askRequired(reader, out, "Client-credentials client secret")
	cfg.Credentials.Scopes = normalizeList(
		ask(reader, out, "Client-credentials scopes", strings.Join(cfg.Credentials.Scopes, ",")),
		cfg.Credentials.Scopes)

	defaultRedirect := "http://localhost:5173/"
	if !devMode {
		defaultRedirect = "https://" + cfg.Server.TLS.Domains[0] + "/"
	}
	cfg.OIDC.Issuer = strings.TrimSuffix(askRequired(reader, out, "OIDC issuer URL"), "/")
	cfg.OIDC.ClientID = askRequired(reader, out, "OIDC client ID")
	cfg.OIDC.RedirectURI = ask(reader, out, "OIDC redirect URI", defaultRedirect)
	cfg.OIDC.Discovery = askYesNo(reader, out, "Use OIDC discovery?", true)
	if !cfg.OIDC.Discovery {
		cfg.OIDC.AuthorizationEndpoint = askRequired(reader, out, "Authorization endpoint")
		cfg.OIDC.TokenEndpoint = askRequired(reader, out, "Token endpoint")
		cfg.OIDC.EndSessionEndpoint = ask(reader, out, "End-session endpoint", "")
		cfg.OIDC.JWKSURI = ask(reader, out, "JWKS URI", "")
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return config.Config{}, err
	}
	logger.Info("Configuration created", "path", path)

	return config.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
