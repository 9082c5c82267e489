package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/mickaelvieira/octoauth-go-client/internal/config"
	"github.com/mickaelvieira/octoauth-go-client/internal/secret"
	"github.com/mickaelvieira/octoauth-go-client/internal/storage"
)

// Flow starts authorization attempts and reads their outcome from the
// redirect URI. Pending verifier and state live in the store so that the
// callback can be handled by another process than the one that started it.
type Flow struct {
	config    config.Client
	store     storage.Store
	secrets   *secret.Generator
	challenge func(string) string
	logger    *slog.Logger
}

func NewFlow(cfg config.Client, store storage.Store, secrets *secret.Generator, logger *slog.Logger) *Flow {
	challenge := secret.CodeChallenge
	if cfg.ChallengeEncoding == config.ChallengeRFC7636 {
		challenge = secret.CanonicalCodeChallenge
	}

	return &Flow{
		config:    cfg,
		store:     store,
		secrets:   secrets,
		challenge: challenge,
		logger:    logger,
	}
}

// Begin creates a fresh verifier and state, replacing any pending ones, and
// returns the URL the user agent must be sent to.
func (f *Flow) Begin(ctx context.Context) (*AuthorizationRequest, string, error) {
	verifier, err := f.secrets.NewVerifier()
	if err != nil {
		return nil, "", err
	}

	state, err := f.secrets.NewState()
	if err != nil {
		return nil, "", err
	}

	if err := f.store.Set(ctx, KeyCodeVerifier, verifier); err != nil {
		return nil, "", fmt.Errorf("%s: %w", MsgFailedStorage, err)
	}

	if err := f.store.Set(ctx, KeySavedState, state); err != nil {
		if err := f.store.Delete(ctx, KeyCodeVerifier); err != nil {
			f.logger.Warn("failed to roll back code verifier", "error", err)
		}
		return nil, "", fmt.Errorf("%s: %w", MsgFailedStorage, err)
	}

	req := &AuthorizationRequest{
		ClientID:      f.config.ClientID,
		RedirectURI:   f.config.RedirectURI,
		Scopes:        f.config.Scopes,
		CodeChallenge: f.challenge(verifier),
		State:         state,
	}

	f.logger.Debug("authorization started", "request", req)

	return req, req.URL(f.config.ServerURL + f.config.AuthorizePath), nil
}

// ConsumeCallback classifies the query of the landing URL. Any callback that
// carries a response consumes the saved state, so it can only be used once.
// https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2
func (f *Flow) ConsumeCallback(ctx context.Context, q url.Values) (*Callback, error) {
	cb := &Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	if !q.Has("code") && !q.Has("state") && !q.Has("error") {
		cb.Outcome = OutcomeNone
		return cb, nil
	}

	saved, err := f.store.Get(ctx, KeySavedState)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", MsgFailedStorage, err)
	}

	if err := f.store.Delete(ctx, KeySavedState); err != nil {
		f.logger.Warn("failed to remove saved state", "error", err)
	}

	switch {
	case saved == "" || subtle.ConstantTimeCompare([]byte(saved), []byte(cb.State)) != 1:
		cb.Outcome = OutcomeInvalid
	case cb.Error != "":
		cb.Outcome = OutcomeDenied
	case cb.Code == "":
		cb.Outcome = OutcomeInvalid
	default:
		cb.Outcome = OutcomeCompleted
	}

	f.logger.Info("authorization callback received", "callback", cb)

	if cb.Outcome == OutcomeCompleted {
		return cb, nil
	}

	// the attempt is over, its verifier can not be used anymore
	if err := f.store.Delete(ctx, KeyCodeVerifier); err != nil {
		f.logger.Warn("failed to remove code verifier", "error", err)
	}

	if cb.Outcome == OutcomeDenied {
		return cb, &AuthorizationError{Response: ErrorResponse{
			Code:        cb.Error,
			Description: cb.ErrorDescription,
			URI:         q.Get("error_uri"),
		}}
	}

	return cb, fmt.Errorf("%w: state mismatch or missing code", ErrInvalidCallback)
}
