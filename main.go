package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mickaelvieira/octoauth-go-client/internal/config"
	"github.com/mickaelvieira/octoauth-go-client/internal/handlers"
	"github.com/mickaelvieira/octoauth-go-client/internal/oauth"
	"github.com/mickaelvieira/octoauth-go-client/internal/session"
	"github.com/mickaelvieira/octoauth-go-client/internal/storage"
)

func main() {
	port := flag.String("port", "9000", "The port the web server should listen on")
	host := flag.String("host", "127.0.0.1", "The host the web server is running on")
	envFile := flag.String("env", ".env", "Optional file holding OCTOAUTH_* variables")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	st, closeStore, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open credential store", "type", cfg.Store.Type, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Discover {
		if cfg.Client, err = oauth.Discover(ctx, http.DefaultClient, cfg.Client); err != nil {
			slog.Error("failed to discover authorization server endpoints", "error", err)
			os.Exit(1)
		}
	}

	o, err := oauth.NewClient(cfg.Client,
		oauth.WithStorage(st),
		oauth.WithSafetyMargin(cfg.SafetyMargin),
		oauth.WithLogger(slog.Default()),
	)
	if err != nil {
		slog.Error("invalid client configuration", "error", err)
		os.Exit(1)
	}
	defer o.Close()

	if ok, err := o.Reload(ctx); err != nil {
		slog.Warn("failed to restore previous session", "error", err)
	} else if ok {
		slog.Info("previous session restored")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	h := handlers.New(session.Init(cfg.SessionSecret), o, cfg.WhoAmIPath)

	server := &http.Server{
		Handler:      h.Router(),
		Addr:         net.JoinHostPort(*host, *port),
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info(fmt.Sprintf("Server listening on %s", server.Addr))
		if err := server.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				slog.Error("server stopped", "error", err)
				os.Exit(1)
			}
		}
	}()

	<-stop

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("an error occurred while shutting down the server", "error", err)
	}

	cancel()

	slog.Info("server was successfully shutdown")
}
