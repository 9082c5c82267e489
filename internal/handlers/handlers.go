package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"

	"github.com/mickaelvieira/octoauth-go-client/internal/oauth"
	"github.com/mickaelvieira/octoauth-go-client/internal/session"
)

func New(s *sessions.CookieStore, c *oauth.Client, whoAmIPath string) *Handlers {
	return &Handlers{
		Session:    s,
		OAuth:      c,
		WhoAmIPath: whoAmIPath,
	}
}

type Handlers struct {
	Session    *sessions.CookieStore
	OAuth      *oauth.Client
	WhoAmIPath string
}

// Router wires the handlers. Every page but the login page and the /oauth
// endpoints requires an authorized client.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", h.Home()).Methods("GET")
	router.HandleFunc("/login", h.Login()).Methods("GET")
	router.HandleFunc("/oauth/login", h.LoginToServer()).Methods("POST")
	router.HandleFunc("/oauth/logout", h.Logout()).Methods("GET", "POST")
	router.HandleFunc("/oauth/callback", h.OAuthCallback()).Methods("GET")
	router.HandleFunc("/oauth/refresh", h.RefreshToken()).Methods("GET")
	router.HandleFunc("/oauth/status", h.Status()).Methods("GET")
	router.HandleFunc("/oauth/introspect", h.Introspect()).Methods("GET")
	router.Use(h.RequireAuthorization)
	return router
}

func (h *Handlers) RequireAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" && !strings.HasPrefix(r.URL.Path, "/oauth") {
			s, ok := h.OAuth.Status().Current()
			if !ok || !s.Authorized {
				http.Redirect(w, r, "/login", http.StatusTemporaryRedirect)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) addFlash(w http.ResponseWriter, r *http.Request, m string) {
	sess, err := h.Session.Get(r, session.CookieName)
	if err != nil {
		slog.Error(err.Error())
		return
	}

	sess.AddFlash(m)

	if err := sess.Save(r, w); err != nil {
		slog.Error(err.Error())
		return
	}
}

func (h *Handlers) getFlash(w http.ResponseWriter, r *http.Request) string {
	sess, err := h.Session.Get(r, session.CookieName)
	if err != nil {
		slog.Error(err.Error())
		return ""
	}

	var msg string
	if m := sess.Flashes(); len(m) > 0 {
		msg = fmt.Sprintf(`<article>%s</article>`, html.EscapeString(fmt.Sprint(m[0])))
	}

	if err := sess.Save(r, w); err != nil {
		slog.Error(err.Error())
	}

	return msg
}

const pageHeader = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="referrer" content="origin-when-cross-origin">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.classless.purple.min.css">
  <title>OctoAuth Client Example</title>
</head>
<body>
<header>
	<hgroup>
		<h1>OctoAuth Client Example</h1>
	</hgroup>
</header>
`

func (h *Handlers) Home() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, _ := h.OAuth.Status().Current()

		claims := "<p>The access token is opaque.</p>"
		if c, err := oauth.ParseClaims(s.AccessToken); err == nil {
			claims = fmt.Sprintf(`<dl>
			<dt>Subject</dt><dd>%s</dd>
			<dt>Issuer</dt><dd>%s</dd>
			<dt>Scope</dt><dd>%s</dd>
			<dt>Expires</dt><dd>%s</dd>
		</dl>`,
				html.EscapeString(c.Subject),
				html.EscapeString(c.Issuer),
				html.EscapeString(c.Scope),
				formatTime(c.ExpiresAt))
		}

		renewal := "not scheduled"
		if at, ok := h.OAuth.NextRenewal(); ok {
			renewal = formatTime(at)
		}

		account := "unavailable"
		if h.WhoAmIPath != "" {
			if data, err := h.OAuth.GetJSON(r.Context(), h.WhoAmIPath); err != nil {
				slog.Warn("failed to fetch current account", "error", err)
			} else if b, err := json.MarshalIndent(data, "", "  "); err == nil {
				account = string(b)
			}
		}

		msg := h.getFlash(w, r)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		w.Write(fmt.Appendf(nil, `%s<main>
	%s
	<nav>
	  <ul>
	    <li><a href="/oauth/refresh">Refresh Token</a></li>
	    <li><a href="/oauth/introspect">Introspect Token</a></li>
	    <li><a href="/oauth/logout">Logout</a></li>
	  </ul>
	</nav>
	<article>
		<h3>Authorized</h3>
		<p>Next renewal: %s</p>
		%s
	</article>
	<article>
		<h3>Account</h3>
		<pre>%s</pre>
	</article>
</main>
</body>
</html>
`, pageHeader, msg, renewal, claims, html.EscapeString(account)))
	}
}

func (h *Handlers) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := h.getFlash(w, r)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		w.Write(fmt.Appendf(nil, `%s<main>
	<article>
		<h3>Login with OctoAuth</h3>
		%s
		<form action="/oauth/login" method="post">
			<p>You will be redirected to the authorization server to grant access to this application.</p>
			<input type="submit" value="Login" />
		</form>
	</article>
</main>
</body>
</html>
`, pageHeader, msg))
	}
}

func (h *Handlers) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.OAuth.Revoke(r.Context()); err != nil {
			slog.Error("failed to revoke grant", "error", err)
		}

		http.Redirect(w, r, "/login", http.StatusSeeOther)
	}
}

func (h *Handlers) LoginToServer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := h.OAuth.AuthorizationURL(r.Context())
		if err != nil {
			slog.Error("failed to start authorization", "error", err)
			h.addFlash(w, r, "Authorization could not be started, please try again")
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		http.Redirect(w, r, u, http.StatusSeeOther)
	}
}

// OAuthCallback always answers with a redirect so the authorization response
// does not stay in the browser history.
func (h *Handlers) OAuthCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := h.OAuth.HandleCallback(r.Context(), r.URL.Query())
		if err == nil {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}

		slog.Warn("authorization failed", "error", err)

		var authErr *oauth.AuthorizationError
		switch {
		case errors.Is(err, oauth.ErrNoCallback):
		case errors.As(err, &authErr):
			msg := "Authorization was denied"
			if authErr.Response.Description != "" {
				msg += ": " + authErr.Response.Description
			}
			h.addFlash(w, r, msg)
		case errors.Is(err, oauth.ErrInvalidCallback):
			h.addFlash(w, r, "Invalid authorization response, please try again")
		case errors.Is(err, oauth.ErrTransport):
			h.addFlash(w, r, "The authorization server is unreachable, please try again later")
		default:
			h.addFlash(w, r, "Authorization failed, please try again")
		}

		http.Redirect(w, r, "/login", http.StatusSeeOther)
	}
}

func (h *Handlers) RefreshToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.OAuth.Refresh(r.Context()); err != nil {
			slog.Error("failed to refresh token", "error", err)

			if s, _ := h.OAuth.Status().Current(); !s.Authorized {
				h.addFlash(w, r, "Your session has expired, please login again")
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}

			h.addFlash(w, r, "The token could not be refreshed")
		}

		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

type statusResponse struct {
	Authorized  bool       `json:"authorized"`
	NextRenewal *time.Time `json:"next_renewal,omitempty"`
}

// Status never exposes the access token.
func (h *Handlers) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, _ := h.OAuth.Status().Current()

		res := statusResponse{Authorized: s.Authorized}
		if at, ok := h.OAuth.NextRenewal(); ok {
			res.NextRenewal = &at
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handlers) Introspect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h.OAuth.Introspect(r.Context())
		if errors.Is(err, oauth.ErrUnauthorized) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if err != nil {
			slog.Error("failed to introspect token", "error", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}

		writeJSON(w, http.StatusOK, data)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	w.Write(b)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format(time.RFC1123)
}
