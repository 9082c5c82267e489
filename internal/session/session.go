package session

import (
	"net/http"
	"sync"

	"github.com/gorilla/sessions"
)

const (
	CookieName = "octoauth-session"
)

var (
	once  sync.Once
	store *sessions.CookieStore
)

// Init returns the process wide cookie store, created on first use.
func Init(secret string) *sessions.CookieStore {
	once.Do(func() {
		store = New(secret)
	})
	return store
}

func New(secret string) *sessions.CookieStore {
	s := sessions.NewCookieStore([]byte(secret))
	s.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return s
}
