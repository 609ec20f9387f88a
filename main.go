package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"kbsearch/config"
	"kbsearch/knowledge"
	"kbsearch/portal"
	"kbsearch/server"
	"kbsearch/telemetry"
	"kbsearch/tokencache"
)

const defaultConfigFile = "./config.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "kbsearch",
		Short:        "Knowledge search proxy and portal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			level, err := parseLogLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			opts.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("KBSEARCH_CONFIG"), "Path to YAML config")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(
		newProxyCmd(opts),
		newPortalCmd(opts),
		newTokenCmd(opts),
		newChunksCmd(opts),
		newCheckCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func newProxyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Serve the backend proxy (/health, /, /chunks)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			if err := cfg.ValidateProxy(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "proxy")
			if err != nil {
				return err
			}
			defer flushTracing(shutdownTracing, opts.logger)

			_, kc := buildVendorClient(cfg, opts.logger)
			app := server.NewApp(cfg, kc, opts.logger)

			addr := cfg.Server.ListenAddr
			if !cfg.Server.DevMode {
				addr = cfg.Server.HTTPSListenAddr
			}
			opts.logger.Info("Starting proxy", "portal_id", kc.PortalID(), "version", server.Version)
			return serve(ctx, cfg, opts.logger, addr, app.Routes())
		},
	}
}

func newPortalCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "portal",
		Short: "Serve the browser search portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			if err := cfg.ValidatePortal(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "portal")
			if err != nil {
				return err
			}
			defer flushTracing(shutdownTracing, opts.logger)

			keys, err := portal.LoadKeys(cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("load session keys: %w", err)
			}
			manager := portal.NewManager(cfg, keys, opts.logger)

			initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := manager.Initialize(initCtx); err != nil {
				opts.logger.Warn("Identity provider not ready, will retry on first request", "issuer", cfg.OIDC.Issuer, "error", err)
			}
			cancel()

			kc := knowledge.New(cfg.Knowledge, nil,
				knowledge.WithHTTPClient(vendorHTTPClient(cfg)),
				knowledge.WithLogger(opts.logger))
			h, err := portal.NewHandler(cfg.Portal, manager, portal.KnowledgeSearcher{Client: kc}, opts.logger)
			if err != nil {
				return fmt.Errorf("init portal: %w", err)
			}

			opts.logger.Info("Starting portal", "issuer", cfg.OIDC.Issuer, "redirect_uri", cfg.OIDC.RedirectURI)
			return serve(ctx, cfg, opts.logger, cfg.Portal.ListenAddr, h.Routes(cfg))
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Acquire a client-credentials token and print its lifetime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			if err := cfg.ValidateProxy(); err != nil {
				return err
			}
			tokens, _ := buildVendorClient(cfg, opts.logger)
			return printToken(cmd.Context(), cmd.OutOrStdout(), tokens)
		},
	}
}

func newChunksCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chunks <query>",
		Short: "Retrieve knowledge chunks for a query and print the vendor response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			if err := cfg.ValidateProxy(); err != nil {
				return err
			}
			_, kc := buildVendorClient(cfg, opts.logger)
			raw, err := kc.RetrieveChunks(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), raw)
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the identity provider's authorization endpoint is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			provider, err := portal.NewOIDCProvider(ctx, cfg.OIDC, opts.logger)
			if err != nil {
				return fmt.Errorf("build provider: %w", err)
			}
			if err := runCheck(ctx, opts.logger, provider, nil); err != nil {
				opts.logger.Error("Provider connectivity failed", "issuer", cfg.OIDC.Issuer, "error", err)
				return err
			}
			opts.logger.Info("Provider connectivity succeeded", "issuer", cfg.OIDC.Issuer)
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or validate the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Run the guided setup and write a new config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configFileOrDefault(opts.configPath)
			if err := runConfigInit(path, cmd.InOrStdin(), cmd.OutOrStdout(), opts.logger); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			opts.logger.Info("Configuration initialized", "path", path)
			return nil
		},
	}, &cobra.Command{
		Use:   "validate",
		Short: "Check the config file for the proxy and portal roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configFileOrDefault(opts.configPath)
			if err := runConfigValidate(path, opts.logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			opts.logger.Info("Configuration is valid", "path", path)
			return nil
		},
	})
	return cmd
}

func buildVendorClient(cfg config.Config, logger *slog.Logger) (*tokencache.Cache, *knowledge.Client) {
	hc := vendorHTTPClient(cfg)
	tokens := tokencache.New(cfg.Credentials,
		tokencache.WithHTTPClient(hc),
		tokencache.WithLogger(logger))
	kc := knowledge.New(cfg.Knowledge, tokens,
		knowledge.WithHTTPClient(hc),
		knowledge.WithLogger(logger))
	return tokens, kc
}

func vendorHTTPClient(cfg config.Config) *http.Client {
	timeout := cfg.Knowledge.RequestTimeout()
	return &http.Client{Transport: knowledge.NewTransport(timeout), Timeout: timeout}
}

type tokenReport struct {
	Token     string    `json:"token"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Clamped   bool      `json:"clamped"`
}

type tokenSource interface {
	Token(ctx context.Context) (string, error)
	Cached() (tokencache.Token, bool)
}

func printToken(ctx context.Context, out io.Writer, tokens tokenSource) error {
	if _, err := tokens.Token(ctx); err != nil {
		return err
	}
	tok, ok := tokens.Cached()
	if !ok {
		return errors.New("token was acquired but is not cacheable")
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenReport{
		Token:     maskToken(tok.AccessToken),
		FetchedAt: tok.FetchedAt,
		ExpiresAt: tok.ExpiresAt,
		Clamped:   tok.Clamped,
	})
}

func maskToken(tok string) string {
	if len(tok) <= 12 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}

func writeIndented(out io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func flushTracing(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("Failed to flush traces", "error", err)
	}
}

func configFileOrDefault(path string) string {
	if path == "" {
		return defaultConfigFile
	}
	return path
}

// loadConfig reads the config file when one is named or present in the
// working directory; otherwise the environment alone configures the run.
func loadConfig(path string, logger *slog.Logger) (config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("config file not found at %s. Run `kbsearch config init` to create it", path)
		}
		return config.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("Loading config", "path", path)
	return config.LoadConfig(path)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
