package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mickaelvieira/octoauth-go-client/internal/config"
	"github.com/mickaelvieira/octoauth-go-client/internal/oauth"
	"github.com/mickaelvieira/octoauth-go-client/internal/status"
	"github.com/mickaelvieira/octoauth-go-client/internal/storage"
)

const exchangeTries = 3

const donePage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>OctoAuth</title></head>
<body><p>%s You can close this window.</p></body>
</html>
`

func main() {
	envFile := flag.String("env", ".env", "Optional file holding OCTOAUTH_* variables")
	logout := flag.Bool("logout", false, "Revoke the stored grant and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*envFile, *logout, logger); err != nil {
		logger.Error("octoauth", "error", err)
		os.Exit(1)
	}
}

func run(envFile string, logout bool, logger *slog.Logger) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer closeStore()

	if cfg.Discover {
		if cfg.Client, err = oauth.Discover(ctx, http.DefaultClient, cfg.Client); err != nil {
			return fmt.Errorf("failed to discover authorization server endpoints: %w", err)
		}
	}

	c, err := oauth.NewClient(cfg.Client,
		oauth.WithStorage(st),
		oauth.WithSafetyMargin(cfg.SafetyMargin),
		oauth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	if logout {
		return c.Revoke(ctx)
	}

	unsubscribe := c.Status().Subscribe(func(s status.Status) {
		logger.Info("authorization status changed", "status", s)
	})
	defer unsubscribe()

	ok, err := c.Reload(ctx)
	if err != nil {
		logger.Warn("failed to restore previous session", "error", err)
	}

	if !ok {
		if err := login(ctx, c, cfg.Client.RedirectURI, logger); err != nil {
			return err
		}
	}

	if at, ok := c.NextRenewal(); ok {
		logger.Info("access token will be renewed", "at", at.Format(time.RFC3339))
	}
	logger.Info("authorized, press Ctrl+C to exit")

	<-ctx.Done()
	return nil
}

// login serves the redirect URI locally, opens the browser on the
// authorization page and waits for the callback.
func login(ctx context.Context, c *oauth.Client, redirectURI string, logger *slog.Logger) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return fmt.Errorf("failed to listen on redirect URI: %w", err)
	}

	result := make(chan error, 1)

	path := u.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		_, err := c.HandleCallback(r.Context(), r.URL.Query())
		if errors.Is(err, oauth.ErrNoCallback) {
			http.NotFound(w, r)
			return
		}
		if errors.Is(err, oauth.ErrTransport) {
			_, err = retryExchange(r.Context(), c, r.URL.Query().Get("code"), logger)
		}

		msg := "Authorization succeeded."
		if err != nil {
			msg = "Authorization failed."
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		fmt.Fprintf(w, donePage, msg)

		select {
		case result <- err:
		default:
		}
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("callback server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Debug("waiting for authorization callback", "addr", ln.Addr().String(), "path", path)

	if err := c.Authorize(ctx, oauth.BrowserNavigator{Logger: logger}); err != nil {
		return fmt.Errorf("failed to start authorization: %w", err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryExchange retries a code exchange that failed because the
// authorization server could not be reached.
func retryExchange(ctx context.Context, c *oauth.Client, code string, logger *slog.Logger) (*oauth.Grant, error) {
	operation := func() (*oauth.Grant, error) {
		g, err := c.ExchangeCode(ctx, code)
		if err != nil && !errors.Is(err, oauth.ErrTransport) {
			return nil, backoff.Permanent(err)
		}
		return g, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(exchangeTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("code exchange failed, retrying", "error", err, "retry_in", d)
		}),
	)
}
