package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-id/coreplane/engine/store"
)

var testRC = RequestContext{
	IPAddress: "203.0.113.10",
	UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0",
	DeviceID:  "dev-1",
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.AddAccount("acct-1")
	ms.AddDevice("dev-1", "acct-1")
	m := NewManager(ms, nil, DefaultConfig(), nil)
	return m, ms
}

func eventTypes(ms *store.MemoryStore) []string {
	var types []string
	for _, ev := range ms.AllOutboxEvents() {
		types = append(types, ev.EventType)
	}
	return types
}

func TestCreateIssuesTokensAndEvent(t *testing.T) {
	m, ms := newTestManager(t)

	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEqual(t, tokens.AccessToken, tokens.RefreshToken)

	sess := ms.SessionByID(tokens.SessionID)
	require.NotNil(t, sess)
	assert.True(t, sess.IsActive)
	assert.Equal(t, HashToken(tokens.AccessToken), sess.TokenHash, "only hashes are persisted")
	assert.Equal(t, HashToken(tokens.RefreshToken), sess.RefreshTokenHash)
	assert.Equal(t, []string{EventSessionCreated}, eventTypes(ms))
}

func TestCreateExpiryOverride(t *testing.T) {
	m, ms := newTestManager(t)

	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", time.Hour, testRC)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tokens.ExpiresAt, 5*time.Second)
	assert.Equal(t, tokens.ExpiresAt, ms.SessionByID(tokens.SessionID).ExpiresAt)

	// Zero means the configured default lifetime.
	tokens, err = m.Create(context.Background(), "acct-1", "", 0, testRC)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultConfig().DefaultDuration), tokens.ExpiresAt, 5*time.Second)
}

func TestCreateUnknownAccount(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "acct-missing", "", 0, testRC)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateDeviceOwnedByOtherAccount(t *testing.T) {
	m, ms := newTestManager(t)
	ms.AddAccount("acct-2")
	ms.AddDevice("dev-2", "acct-2")

	_, err := m.Create(context.Background(), "acct-1", "dev-2", 0, testRC)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateEnforcesSessionCap(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.AddAccount("acct-1")
	cfg := DefaultConfig()
	cfg.MaxSessionsPerAccount = 2
	m := NewManager(ms, nil, cfg, nil)

	for i := 0; i < 2; i++ {
		_, err := m.Create(context.Background(), "acct-1", "", 0, testRC)
		require.NoError(t, err)
	}
	_, err := m.Create(context.Background(), "acct-1", "", 0, testRC)
	require.ErrorIs(t, err, ErrTooManySessions)
}

func TestValidateAccessToken(t *testing.T) {
	m, _ := newTestManager(t)
	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)

	sess, err := m.ValidateAccessToken(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.SessionID, sess.ID)

	_, err = m.ValidateAccessToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = m.ValidateAccessToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidateExpiredSession(t *testing.T) {
	m, _ := newTestManager(t)
	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = m.ValidateAccessToken(context.Background(), tokens.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshRotatesBothTokens(t *testing.T) {
	m, ms := newTestManager(t)
	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)

	rotated, err := m.Refresh(context.Background(), tokens.RefreshToken, testRC)
	require.NoError(t, err)
	assert.Equal(t, tokens.SessionID, rotated.SessionID)
	assert.NotEqual(t, tokens.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	sess := ms.SessionByID(tokens.SessionID)
	assert.Equal(t, HashToken(rotated.RefreshToken), sess.RefreshTokenHash)
	assert.Equal(t, HashToken(tokens.RefreshToken), sess.PreviousRefreshTokenHash,
		"rotated-away hash is kept for reuse detection")
	assert.Equal(t, []string{EventSessionCreated, EventSessionRefreshed}, eventTypes(ms))

	// The new pair works; the old access token still validates until it
	// expires or the session is revoked, but the old refresh token is
	// now a theft signal (covered separately).
	_, err = m.ValidateAccessToken(context.Background(), rotated.AccessToken)
	require.NoError(t, err)
}

func TestRefreshUnknownToken(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Refresh(context.Background(), "bogus", testRC)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshReuseTriggersRevocationCascade(t *testing.T) {
	m, ms := newTestManager(t)

	first, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)
	second, err := m.Create(context.Background(), "acct-1", "", 0, testRC)
	require.NoError(t, err)

	rotated, err := m.Refresh(context.Background(), first.RefreshToken, testRC)
	require.NoError(t, err)

	// Replaying the pre-rotation refresh token is the theft signal.
	_, err = m.Refresh(context.Background(), first.RefreshToken, testRC)
	require.ErrorIs(t, err, ErrTokenReuse)
	require.ErrorIs(t, err, ErrForbidden)

	// Every session on the account is dead, not just the stolen one.
	assert.False(t, ms.SessionByID(first.SessionID).IsActive)
	assert.False(t, ms.SessionByID(second.SessionID).IsActive)
	assert.Equal(t, ReasonTokenReuse, ms.SessionByID(second.SessionID).RevokedReason)

	// Their access tokens are deny-listed too.
	for _, tok := range []string{rotated.AccessToken, second.AccessToken} {
		_, err := m.ValidateAccessToken(context.Background(), tok)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}

	assert.Contains(t, eventTypes(ms), EventTokenReuse)
}

func TestRefreshBindingRejectsHighRisk(t *testing.T) {
	m, _ := newTestManager(t)
	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)

	// Different network, unrelated user agent, different device: 30+30+40.
	hijacked := RequestContext{
		IPAddress: "198.51.100.7",
		UserAgent: "curl/8.5.0",
		DeviceID:  "dev-other",
	}
	_, err = m.Refresh(context.Background(), tokens.RefreshToken, hijacked)
	require.ErrorIs(t, err, ErrBindingRejected)
	require.ErrorIs(t, err, ErrForbidden, "binding rejection is a security refusal, not a credential failure")
	require.NotErrorIs(t, err, ErrUnauthorized)

	// The token itself stays valid for the legitimate holder.
	_, err = m.Refresh(context.Background(), tokens.RefreshToken, testRC)
	assert.NoError(t, err)
}

func TestRefreshBindingAllowsSameSubnet(t *testing.T) {
	m, _ := newTestManager(t)
	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)

	moved := testRC
	moved.IPAddress = "203.0.113.99" // same /24
	_, err = m.Refresh(context.Background(), tokens.RefreshToken, moved)
	assert.NoError(t, err)
}

func TestRevokeThenValidate(t *testing.T) {
	m, ms := newTestManager(t)
	tokens, err := m.Create(context.Background(), "acct-1", "dev-1", 0, testRC)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(context.Background(), tokens.SessionID, ReasonLogout))

	_, err = m.ValidateAccessToken(context.Background(), tokens.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	sess := ms.SessionByID(tokens.SessionID)
	assert.False(t, sess.IsActive)
	assert.Equal(t, ReasonLogout, sess.RevokedReason)
	require.NotNil(t, sess.RevokedAt)
	assert.Contains(t, eventTypes(ms), EventSessionRevoked)

	_, err = m.Refresh(context.Background(), tokens.RefreshToken, testRC)
	assert.ErrorIs(t, err, ErrUnauthorized, "revoked session does not refresh")
}

func TestRevokeAllForAccountEmitsPerSessionEvents(t *testing.T) {
	m, ms := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Create(context.Background(), "acct-1", "", 0, testRC)
		require.NoError(t, err)
	}

	n, err := m.RevokeAllForAccount(context.Background(), "acct-1", ReasonAdminRevoke)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	revokedEvents := 0
	for _, typ := range eventTypes(ms) {
		if typ == EventSessionRevoked {
			revokedEvents++
		}
	}
	assert.Equal(t, 3, revokedEvents)
}

func TestTokenGeneration(t *testing.T) {
	a, err := generateToken()
	require.NoError(t, err)
	b, err := generateToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43, "32 bytes in unpadded base64url")
	assert.Len(t, HashToken(a), 64, "sha-256 hex")
	assert.Equal(t, HashToken(a), HashToken(a))
}
