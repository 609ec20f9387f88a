package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"kbsearch/config"
)

// serve runs handler until ctx is cancelled. Dev mode listens on plain HTTP;
// otherwise certificates come from ACME and port 80 redirects to HTTPS.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, addr string, handler http.Handler) error {
	var servers []*http.Server
	errCh := make(chan error, 2)

	start := func(srv *http.Server, tlsOn bool, name string) {
		servers = append(servers, srv)
		go func() {
			var err error
			if tlsOn {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Server error", "server", name, "addr", srv.Addr, "error", err)
				errCh <- err
			}
		}()
	}

	if cfg.Server.DevMode {
		logger.Info("Server listening", "mode", "dev", "addr", addr)
		start(&http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
		}, false, "http")
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		if cfg.Server.HTTPListenAddr != "" {
			start(&http.Server{
				Addr:              cfg.Server.HTTPListenAddr,
				Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
				ReadHeaderTimeout: 10 * time.Second,
			}, false, "http-redirect")
		}
		logger.Info("Server listening", "mode", "prod", "addr", addr, "domains", cfg.Server.TLS.Domains)
		start(&http.Server{
			Addr:    addr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
				NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
			},
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
		}, true, "https")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return runErr
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
