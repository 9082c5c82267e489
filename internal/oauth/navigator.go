package oauth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/browser"
)

// Navigator sends the user agent to the authorization URL.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return f(ctx, target)
}

var openURL = browser.OpenURL

// BrowserNavigator opens the system browser. When no browser can be started
// the URL is logged so the user can open it by hand.
type BrowserNavigator struct {
	Logger *slog.Logger
}

func (n BrowserNavigator) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := openURL(target); err != nil {
		logger := n.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("failed to open browser, please open the URL manually", "url", target, "error", err)
		fmt.Printf("Open the following URL in your browser:\n\n%s\n\n", target)
	}
	return nil
}
