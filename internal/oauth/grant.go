package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/mickaelvieira/octoauth-go-client/internal/status"
	"github.com/mickaelvieira/octoauth-go-client/internal/storage"
)

const DefaultRenewalTries = 5

// GrantManager owns the current grant: it exchanges codes and refresh tokens,
// persists the result, publishes the status and renews the access token
// shortly before it expires.
type GrantManager struct {
	store        storage.Store
	endpoint     *tokenEndpoint
	status       *status.Channel[status.Status]
	logger       *slog.Logger
	now          func() time.Time
	safetyMargin time.Duration
	maxTries     uint
	newBackOff   func() backoff.BackOff

	group singleflight.Group

	// commitMu orders persisting and activating a grant against clearing it.
	// epoch changes whenever the grant is cleared; an exchange only commits
	// its result when the epoch it started in is still current.
	commitMu sync.Mutex
	epoch    uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	timer         *time.Timer
	generation    uint64
	renewAt       time.Time
	cancelRenewal context.CancelFunc
}

func newGrantManager(store storage.Store, endpoint *tokenEndpoint, ch *status.Channel[status.Status], logger *slog.Logger) *GrantManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &GrantManager{
		store:        store,
		endpoint:     endpoint,
		status:       ch,
		logger:       logger,
		now:          time.Now,
		safetyMargin: 10 * time.Second,
		maxTries:     DefaultRenewalTries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ExchangeCode trades the authorization code for a grant using the pending
// verifier. The verifier is kept when the server could not be reached so the
// exchange can be attempted again with the same code.
func (m *GrantManager) ExchangeCode(ctx context.Context, code string) (*Grant, error) {
	epoch := m.currentEpoch()

	verifier, err := m.get(ctx, KeyCodeVerifier)
	if err != nil {
		return nil, err
	}
	if verifier == "" {
		return nil, ErrNoPendingAuthorization
	}

	grant, err := m.endpoint.exchangeCode(ctx, code, verifier)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			m.delete(ctx, KeyCodeVerifier)
		}
		m.logger.Error(MsgFailedTokensRequest, "grant_type", GrantTypeAuthorizationCode, "error", err)
		return nil, err
	}

	err = m.commit(ctx, epoch, grant)
	if err != nil && !errors.Is(err, ErrGrantDiscarded) {
		return nil, err
	}

	m.delete(ctx, KeyCodeVerifier)
	m.delete(ctx, KeySavedState)

	if err != nil {
		m.logger.Info("authorization code exchanged after the session ended, grant dropped")
		return nil, err
	}

	m.logger.Info("authorization code exchanged", "grant", grant)
	return grant, nil
}

// ExchangeRefreshToken trades a refresh token for a new grant. Concurrent
// calls with the same token share a single request and its result.
func (m *GrantManager) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*Grant, error) {
	return m.exchangeRefreshToken(ctx, m.currentEpoch(), refreshToken)
}

func (m *GrantManager) exchangeRefreshToken(ctx context.Context, epoch uint64, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	v, err, shared := m.group.Do(refreshToken, func() (any, error) {
		grant, err := m.endpoint.exchangeRefreshToken(ctx, refreshToken)
		if err != nil {
			return nil, err
		}

		// the request may have been abandoned while in flight (revoke, stop)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// servers that do not rotate refresh tokens omit them
		if grant.RefreshToken == "" {
			grant.RefreshToken = refreshToken
		}

		if err := m.commit(ctx, epoch, grant); err != nil {
			if errors.Is(err, ErrGrantDiscarded) {
				m.logger.Info("access token refreshed after the session ended, grant dropped")
			}
			return nil, err
		}

		m.logger.Info("access token refreshed", "grant", grant)
		return grant, nil
	})

	if err != nil {
		return nil, err
	}

	if shared {
		m.logger.Debug("refresh request shared with a concurrent caller")
	}

	g := *v.(*Grant)
	return &g, nil
}

// Refresh renews the grant right away with the stored refresh token.
func (m *GrantManager) Refresh(ctx context.Context) (*Grant, error) {
	epoch := m.currentEpoch()

	refreshToken, err := m.get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	grant, err := m.exchangeRefreshToken(ctx, epoch, refreshToken)
	if err == nil {
		return grant, nil
	}

	if !denied(err) {
		return nil, err
	}

	if m.recoverFromDenial(ctx, epoch, refreshToken, err) {
		return m.load(ctx)
	}
	return nil, err
}

// Reload restores the grant from the store and reports whether the client is
// authorized afterwards.
func (m *GrantManager) Reload(ctx context.Context) (bool, error) {
	epoch := m.currentEpoch()

	grant, err := m.load(ctx)
	if err != nil {
		return false, err
	}

	if grant == nil {
		m.logger.Debug("no stored grant")
		m.publish(status.Status{})
		return false, nil
	}

	if grant.AccessToken != "" && !grant.Expired(m.now()) {
		if !m.activateIf(epoch, grant) {
			return false, ErrGrantDiscarded
		}
		return true, nil
	}

	if grant.RefreshToken == "" {
		m.logger.Info("stored access token expired and cannot be refreshed")
		m.clear(ctx)
		return false, nil
	}

	if _, err := m.exchangeRefreshToken(ctx, epoch, grant.RefreshToken); err != nil {
		if errors.Is(err, ErrGrantDiscarded) {
			return false, err
		}
		if !denied(err) {
			m.publish(status.Status{})
			return false, err
		}
		if m.recoverFromDenial(ctx, epoch, grant.RefreshToken, err) {
			return true, nil
		}
		return false, err
	}

	return true, nil
}

// Revoke forgets the grant. The refresh token is revoked on the server when
// a revocation endpoint is configured; failing to do so is not fatal.
func (m *GrantManager) Revoke(ctx context.Context) error {
	// exchanges in flight must not bring the grant back
	m.commitMu.Lock()
	m.epoch++
	m.commitMu.Unlock()

	m.disarm()

	refreshToken, err := m.get(ctx, KeyRefreshToken)
	if err != nil {
		return err
	}

	if refreshToken != "" {
		if err := m.endpoint.revoke(ctx, refreshToken, GrantTypeRefreshToken); err != nil {
			m.logger.Warn("failed to revoke refresh token", "error", err)
		}
	}

	return m.clear(ctx)
}

// Stop disarms the renewal timer and abandons a renewal in progress. The
// stored grant is left untouched.
func (m *GrantManager) Stop() {
	m.disarm()
	m.cancel()
}

// NextRenewal returns when the armed renewal fires.
func (m *GrantManager) NextRenewal() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewAt, m.timer != nil
}

// renew runs on the timer. Transport failures are retried with exponential
// backoff; a denial ends the session unless another client rotated the
// refresh token meanwhile.
func (m *GrantManager) renew(ctx context.Context, generation uint64) {
	m.mu.Lock()
	if generation != m.generation || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.renewAt = time.Time{}
	m.mu.Unlock()

	epoch := m.currentEpoch()

	refreshToken, err := m.get(ctx, KeyRefreshToken)
	if err != nil {
		m.logger.Error("failed to read refresh token", "error", err)
		m.publish(status.Status{})
		return
	}

	if refreshToken == "" {
		m.logger.Info("access token expired and cannot be refreshed")
		m.clear(ctx)
		return
	}

	operation := func() (*Grant, error) {
		grant, err := m.exchangeRefreshToken(ctx, epoch, refreshToken)
		if err != nil && !errors.Is(err, ErrTransport) {
			return nil, backoff.Permanent(err)
		}
		return grant, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(m.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			m.logger.Warn("token renewal failed, retrying", "error", err, "retry_in", d)
		}),
	)

	switch {
	case err == nil:
		return
	case ctx.Err() != nil, errors.Is(err, ErrGrantDiscarded):
		m.logger.Debug("token renewal abandoned", "error", err)
	case errors.Is(err, ErrTransport):
		m.logger.Error("token renewal gave up", "error", err)
		m.publish(status.Status{})
	default:
		m.recoverFromDenial(ctx, epoch, refreshToken, err)
	}
}

// recoverFromDenial runs when the server rejected used. Another process
// sharing the store may have rotated the token already, in which case its
// grant is adopted. It reports whether the client is still authorized.
func (m *GrantManager) recoverFromDenial(ctx context.Context, epoch uint64, used string, cause error) bool {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if epoch != m.epoch {
		return false
	}

	grant, err := m.load(ctx)
	if err != nil {
		m.logger.Error("failed to reload grant", "error", err)
	}

	if grant != nil && grant.RefreshToken != "" && grant.RefreshToken != used {
		m.logger.Info("refresh token was rotated by another client, adopting stored grant")
		if grant.AccessToken != "" && !grant.Expired(m.now()) {
			m.activate(grant)
			return true
		}
		// renew right away with the adopted refresh token
		m.arm(m.now())
		return false
	}

	m.logger.Warn("refresh token rejected, clearing grant", "error", cause)
	m.clearLocked(ctx)
	return false
}

// denied reports whether err is the server's answer rather than a failure to
// reach it or an abandoned exchange.
func denied(err error) bool {
	return !errors.Is(err, ErrTransport) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrGrantDiscarded)
}

func (m *GrantManager) currentEpoch() uint64 {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.epoch
}

// commit persists and activates g unless the grant was cleared after epoch
// was read.
func (m *GrantManager) commit(ctx context.Context, epoch uint64, g *Grant) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if epoch != m.epoch {
		return ErrGrantDiscarded
	}

	if err := m.persist(ctx, g); err != nil {
		return err
	}

	m.activate(g)
	return nil
}

// activateIf activates a grant read from the store unless it was cleared
// since epoch was read.
func (m *GrantManager) activateIf(epoch uint64, g *Grant) bool {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if epoch != m.epoch {
		return false
	}

	m.activate(g)
	return true
}

func (m *GrantManager) activate(g *Grant) {
	m.publish(status.Status{Authorized: true, AccessToken: g.AccessToken})
	if g.ExpiresAt.IsZero() {
		m.disarm()
		return
	}
	m.arm(g.ExpiresAt)
}

func (m *GrantManager) publish(s status.Status) {
	m.logger.Debug("status changed", "status", s)
	m.status.Set(s)
}

// arm schedules the renewal a safety margin before expiresAt, replacing any
// previously armed timer.
func (m *GrantManager) arm(expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	if m.ctx.Err() != nil {
		return
	}

	now := m.now()
	delay := max(expiresAt.Sub(now)-m.safetyMargin, 0)

	ctx, cancel := context.WithCancel(m.ctx)
	generation := m.generation

	m.cancelRenewal = cancel
	m.renewAt = now.Add(delay)
	m.timer = time.AfterFunc(delay, func() {
		defer cancel()
		m.renew(ctx, generation)
	})

	m.logger.Debug("token renewal scheduled", "at", m.renewAt)
}

func (m *GrantManager) disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// stopLocked invalidates the armed timer and cancels a renewal in progress.
// A timer that already fired sees a different generation and does nothing.
func (m *GrantManager) stopLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelRenewal != nil {
		m.cancelRenewal()
		m.cancelRenewal = nil
	}
	m.renewAt = time.Time{}
}

// clear deletes the stored grant and publishes the unauthorized status.
// Exchanges started before it never commit.
func (m *GrantManager) clear(ctx context.Context) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.clearLocked(ctx)
}

func (m *GrantManager) clearLocked(ctx context.Context) error {
	m.epoch++

	var errs []error
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyAccessTokenExpiry} {
		if err := m.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", MsgFailedStorage, err))
		}
	}

	// ctx may belong to the renewal being cancelled here
	m.disarm()
	m.publish(status.Status{})
	return errors.Join(errs...)
}

// persist writes the grant, refresh token first so that a partial write
// never loses the ability to renew.
func (m *GrantManager) persist(ctx context.Context, g *Grant) error {
	if g.RefreshToken != "" {
		if err := m.store.Set(ctx, KeyRefreshToken, g.RefreshToken); err != nil {
			return fmt.Errorf("%s: %w", MsgFailedStorage, err)
		}
	} else if err := m.store.Delete(ctx, KeyRefreshToken); err != nil {
		return fmt.Errorf("%s: %w", MsgFailedStorage, err)
	}

	if g.ExpiresAt.IsZero() {
		if err := m.store.Delete(ctx, KeyAccessTokenExpiry); err != nil {
			return fmt.Errorf("%s: %w", MsgFailedStorage, err)
		}
	} else if err := m.store.Set(ctx, KeyAccessTokenExpiry, g.ExpiresAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("%s: %w", MsgFailedStorage, err)
	}

	if err := m.store.Set(ctx, KeyAccessToken, g.AccessToken); err != nil {
		return fmt.Errorf("%s: %w", MsgFailedStorage, err)
	}

	return nil
}

// load reads the stored grant, nil when there is none.
func (m *GrantManager) load(ctx context.Context) (*Grant, error) {
	accessToken, err := m.get(ctx, KeyAccessToken)
	if err != nil {
		return nil, err
	}

	refreshToken, err := m.get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, err
	}

	if accessToken == "" && refreshToken == "" {
		return nil, nil
	}

	expiry, err := m.get(ctx, KeyAccessTokenExpiry)
	if err != nil {
		return nil, err
	}

	g := &Grant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
	}

	if expiry != "" {
		t, err := time.Parse(time.RFC3339, expiry)
		if err != nil {
			// an unreadable expiry is treated as already expired
			m.logger.Warn("invalid stored token expiry", "value", expiry, "error", err)
			t = time.Unix(0, 0)
		}
		g.ExpiresAt = t
	}

	return g, nil
}

// get returns the stored value, an empty string when the key is absent.
func (m *GrantManager) get(ctx context.Context, key string) (string, error) {
	v, err := m.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", MsgFailedStorage, err)
	}
	return v, nil
}

func (m *GrantManager) delete(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn(MsgFailedStorage, "key", key, "error", err)
	}
}
