// Package session implements opaque-token session lifecycle: creation,
// validation, rotation with reuse detection, and revocation. Tokens are
// 32 random bytes; only SHA-256 hashes of them are ever stored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurelia-id/coreplane/engine/cache"
	"github.com/aurelia-id/coreplane/engine/ident"
	"github.com/aurelia-id/coreplane/engine/observability"
	"github.com/aurelia-id/coreplane/engine/outbox"
	"github.com/aurelia-id/coreplane/engine/store"
)

// Sentinel errors for the caller-visible failure classes.
// ErrUnauthorized deliberately carries no detail: validation failures are
// indistinguishable to the caller whether the token is unknown, expired,
// or revoked. ErrForbidden is the stronger class: the token is real but
// presenting it was a security violation, so re-authenticating with the
// same credentials will not help. The concrete rejections wrap it and
// match errors.Is(err, ErrForbidden).
var (
	ErrUnauthorized = errors.New("unauthorized")

	ErrForbidden       = errors.New("forbidden")
	ErrTokenReuse      = fmt.Errorf("%w: token reuse detected", ErrForbidden)
	ErrBindingRejected = fmt.Errorf("%w: request context mismatch", ErrForbidden)

	// ErrTooManySessions is returned when an account is at its
	// concurrent-session cap.
	ErrTooManySessions = errors.New("session limit reached for account")
)

// Revocation reasons recorded on deactivated sessions.
const (
	ReasonLogout       = "logout"
	ReasonTokenReuse   = "token_reuse_detected"
	ReasonAdminRevoke  = "admin_revoke"
	ReasonExpired      = "expired"
	ReasonRiskExceeded = "binding_risk_exceeded"
)

// Event types emitted on the outbox.
const (
	EventSessionCreated   = "SESSION_CREATED"
	EventSessionRefreshed = "SESSION_REFRESHED"
	EventSessionRevoked   = "SESSION_REVOKED"
	EventTokenReuse       = "TOKEN_REUSE_DETECTED"

	aggregateSession = "session"
)

// Config tunes session issuance and binding validation.
type Config struct {
	// DefaultDuration is the session lifetime from issuance.
	DefaultDuration time.Duration

	// MaxSessionsPerAccount caps concurrent active sessions; 0 disables
	// the cap.
	MaxSessionsPerAccount int

	// EnableBinding turns on risk scoring of refresh requests against the
	// attributes captured at creation.
	EnableBinding bool

	// IPBindingStrict scores any IP change at the higher weight instead
	// of comparing at subnet granularity.
	IPBindingStrict bool

	// EnableReuseDetection turns on the rotated-refresh-token replay
	// check and its revocation cascade.
	EnableReuseDetection bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDuration:       24 * time.Hour,
		MaxSessionsPerAccount: 10,
		EnableBinding:         true,
		IPBindingStrict:       false,
		EnableReuseDetection:  true,
	}
}

// Tokens is the plaintext pair handed to the caller exactly once.
type Tokens struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Manager owns the session lifecycle. The cache is optional; without it
// every check goes to the database.
type Manager struct {
	store  store.Store
	cache  *cache.Cache
	cfg    Config
	logger *slog.Logger

	now func() time.Time
}

// NewManager builds a Manager. cache may be nil.
func NewManager(st store.Store, c *cache.Cache, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 24 * time.Hour
	}
	return &Manager{
		store:  st,
		cache:  c,
		cfg:    cfg,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}
}

// Create issues a new session for an account on a device. expiresIn
// overrides the configured session lifetime; zero means the default. The
// session row and its SESSION_CREATED outbox event commit in one
// transaction; the plaintext tokens are returned and never persisted.
func (m *Manager) Create(ctx context.Context, accountID, deviceID string, expiresIn time.Duration, rc RequestContext) (*Tokens, error) {
	now := m.now().UTC()
	if expiresIn <= 0 {
		expiresIn = m.cfg.DefaultDuration
	}

	ok, err := m.store.AccountExists(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("check account: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}

	if deviceID != "" {
		owner, err := m.store.DeviceOwner(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("check device: %w", err)
		}
		if owner != accountID {
			return nil, fmt.Errorf("device %s does not belong to account: %w", deviceID, store.ErrConflict)
		}
	}

	if m.cfg.MaxSessionsPerAccount > 0 {
		n, err := m.store.CountActiveSessions(ctx, accountID, now)
		if err != nil {
			return nil, fmt.Errorf("count sessions: %w", err)
		}
		if n >= m.cfg.MaxSessionsPerAccount {
			return nil, ErrTooManySessions
		}
	}

	accessToken, err := generateToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := generateToken()
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:               ident.New(),
		AccountID:        accountID,
		DeviceID:         deviceID,
		TokenHash:        HashToken(accessToken),
		RefreshTokenHash: HashToken(refreshToken),
		IPAddress:        rc.IPAddress,
		UserAgent:        rc.UserAgent,
		ExpiresAt:        now.Add(expiresIn),
		IsActive:         true,
		LastActivityAt:   now,
		CreatedAt:        now,
	}

	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: aggregateSession,
			AggregateID:   sess.ID,
			EventType:     EventSessionCreated,
			Payload: map[string]any{
				"sessionId": sess.ID,
				"accountId": accountID,
				"deviceId":  deviceID,
				"expiresAt": sess.ExpiresAt,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	observability.SessionsCreated.Inc()
	m.logger.Info("session created", "session_id", sess.ID, "account_id", accountID)

	return &Tokens{
		SessionID:    sess.ID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// ValidateAccessToken resolves an access token to its live session. Every
// failure surfaces as ErrUnauthorized; only infrastructure errors differ.
func (m *Manager) ValidateAccessToken(ctx context.Context, token string) (*store.Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	hash := HashToken(token)
	now := m.now().UTC()

	// The deny list serves revocations faster than session lookup; a
	// cache miss proves nothing and falls through.
	if m.cache != nil {
		revoked, err := m.cache.IsTokenRevoked(ctx, hash)
		if err != nil {
			m.logger.Warn("deny-list check failed, falling through", "error", err)
		} else if revoked {
			return nil, ErrUnauthorized
		}
	}

	sess, err := m.store.GetSessionByTokenHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !sess.Valid(now) {
		return nil, ErrUnauthorized
	}

	revoked, err := m.store.IsTokenRevoked(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check deny list: %w", err)
	}
	if revoked {
		return nil, ErrUnauthorized
	}

	return sess, nil
}

// Refresh rotates both tokens. The reuse check runs before the normal
// lookup: a refresh token that was already rotated away is the theft
// signal, and presenting one revokes every session on the account and
// fails with ErrTokenReuse. An unknown token is plain ErrUnauthorized.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, rc RequestContext) (*Tokens, error) {
	if refreshToken == "" {
		return nil, ErrUnauthorized
	}
	hash := HashToken(refreshToken)
	now := m.now().UTC()

	if m.cfg.EnableReuseDetection {
		reused, err := m.store.FindReusedRefreshHash(ctx, hash)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("reuse check: %w", err)
		}
		if err == nil {
			return nil, m.handleReuse(ctx, reused, now)
		}
	}

	sess, err := m.store.GetSessionByRefreshHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !sess.Valid(now) {
		return nil, ErrUnauthorized
	}

	if m.cfg.EnableBinding {
		stored := RequestContext{
			IPAddress: sess.IPAddress,
			UserAgent: sess.UserAgent,
			DeviceID:  sess.DeviceID,
		}
		if score := bindingScore(stored, rc, m.cfg.IPBindingStrict); score >= riskThreshold {
			observability.BindingRejections.WithLabelValues("risk_threshold").Inc()
			m.logger.Warn("refresh rejected by binding validation",
				"session_id", sess.ID, "account_id", sess.AccountID, "score", score)
			return nil, ErrBindingRejected
		}
	}

	newAccess, err := generateToken()
	if err != nil {
		return nil, err
	}
	newRefresh, err := generateToken()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(m.cfg.DefaultDuration)

	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.RotateSession(ctx, sess.ID, HashToken(newAccess), HashToken(newRefresh), hash, expiresAt, now); err != nil {
			return fmt.Errorf("rotate session: %w", err)
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: aggregateSession,
			AggregateID:   sess.ID,
			EventType:     EventSessionRefreshed,
			Payload: map[string]any{
				"sessionId": sess.ID,
				"accountId": sess.AccountID,
				"expiresAt": expiresAt,
			},
		})
	})
	if errors.Is(err, store.ErrConflict) {
		// Lost a concurrent rotation race; the other caller holds the
		// new tokens and this one retries with them.
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("session refreshed", "session_id", sess.ID, "account_id", sess.AccountID)

	return &Tokens{
		SessionID:    sess.ID,
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// handleReuse runs the revocation cascade for a replayed refresh token:
// every session on the account is deactivated, each access token lands on
// the deny list, and a TOKEN_REUSE_DETECTED event records the incident.
// Always returns ErrTokenReuse.
func (m *Manager) handleReuse(ctx context.Context, sess *store.Session, now time.Time) error {
	observability.TokenReuseDetected.Inc()
	m.logger.Error("refresh token reuse detected, revoking all sessions",
		"session_id", sess.ID, "account_id", sess.AccountID)

	var revoked []*store.Session
	err := m.store.InTx(ctx, func(tx store.Store) error {
		var err error
		revoked, err = tx.RevokeAllSessionsForAccount(ctx, sess.AccountID, "", ReasonTokenReuse, now)
		if err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		for _, s := range revoked {
			if err := tx.InsertRevokedToken(ctx, s.TokenHash, s.ExpiresAt); err != nil {
				return fmt.Errorf("deny-list token: %w", err)
			}
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: aggregateSession,
			AggregateID:   sess.ID,
			EventType:     EventTokenReuse,
			Payload: map[string]any{
				"accountId":       sess.AccountID,
				"sessionId":       sess.ID,
				"revokedSessions": len(revoked),
				"detectedAt":      now,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("reuse cascade: %w", err)
	}

	observability.SessionsRevoked.WithLabelValues(ReasonTokenReuse).Add(float64(len(revoked)))
	m.denyListCache(ctx, revoked)
	return ErrTokenReuse
}

// Revoke deactivates one session by ID and deny-lists its access token.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = ReasonLogout
	}
	now := m.now().UTC()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}

	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.RevokeSession(ctx, sessionID, reason, now); err != nil {
			return fmt.Errorf("revoke session: %w", err)
		}
		if err := tx.InsertRevokedToken(ctx, sess.TokenHash, sess.ExpiresAt); err != nil {
			return fmt.Errorf("deny-list token: %w", err)
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: aggregateSession,
			AggregateID:   sessionID,
			EventType:     EventSessionRevoked,
			Payload: map[string]any{
				"sessionId": sessionID,
				"accountId": sess.AccountID,
				"reason":    reason,
			},
		})
	})
	if err != nil {
		return err
	}

	observability.SessionsRevoked.WithLabelValues(reason).Inc()
	m.denyListCache(ctx, []*store.Session{sess})
	m.logger.Info("session revoked", "session_id", sessionID, "reason", reason)
	return nil
}

// RevokeAllForAccount deactivates every active session of the account,
// emitting one SESSION_REVOKED event per session.
func (m *Manager) RevokeAllForAccount(ctx context.Context, accountID, reason string) (int, error) {
	if reason == "" {
		reason = ReasonAdminRevoke
	}
	now := m.now().UTC()

	var revoked []*store.Session
	err := m.store.InTx(ctx, func(tx store.Store) error {
		var err error
		revoked, err = tx.RevokeAllSessionsForAccount(ctx, accountID, "", reason, now)
		if err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		for _, s := range revoked {
			if err := tx.InsertRevokedToken(ctx, s.TokenHash, s.ExpiresAt); err != nil {
				return fmt.Errorf("deny-list token: %w", err)
			}
			err := outbox.Append(ctx, tx, outbox.Event{
				AggregateType: aggregateSession,
				AggregateID:   s.ID,
				EventType:     EventSessionRevoked,
				Payload: map[string]any{
					"sessionId": s.ID,
					"accountId": accountID,
					"reason":    reason,
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	observability.SessionsRevoked.WithLabelValues(reason).Add(float64(len(revoked)))
	m.denyListCache(ctx, revoked)
	m.logger.Info("account sessions revoked", "account_id", accountID, "count", len(revoked), "reason", reason)
	return len(revoked), nil
}

// Touch records activity on a session; failures only log, since activity
// tracking never blocks the request path.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	if err := m.store.TouchSession(ctx, sessionID, m.now().UTC()); err != nil {
		m.logger.Warn("touch session failed", "session_id", sessionID, "error", err)
	}
}

// denyListCache best-effort propagates revocations to the Redis deny list
// after commit. The durable deny list already holds the truth; the cache
// write only shortens the window where validation needs a database trip.
func (m *Manager) denyListCache(ctx context.Context, sessions []*store.Session) {
	if m.cache == nil {
		return
	}
	for _, s := range sessions {
		if err := m.cache.MarkTokenRevoked(ctx, s.TokenHash, s.ExpiresAt); err != nil {
			m.logger.Warn("deny-list cache write failed", "session_id", s.ID, "error", err)
		}
	}
}
