package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryData holds all tables of the in-memory backend.
type memoryData struct {
	outbox      map[string]*OutboxEvent
	deadLetters map[string]*DeadLetterEvent
	sessions    map[string]*Session
	revoked     map[string]time.Time
	consents    map[string]*Consent
	consentIdx  map[string]string // accountID|documentType -> consent ID
	dsrs        map[string]*DSRRequest
	sagas       map[string]*SagaRecord
	idemKeys    map[string]time.Time
	accounts    map[string]bool
	devices     map[string]string // deviceID -> accountID
}

func newMemoryData() *memoryData {
	return &memoryData{
		outbox:      make(map[string]*OutboxEvent),
		deadLetters: make(map[string]*DeadLetterEvent),
		sessions:    make(map[string]*Session),
		revoked:     make(map[string]time.Time),
		consents:    make(map[string]*Consent),
		consentIdx:  make(map[string]string),
		dsrs:        make(map[string]*DSRRequest),
		sagas:       make(map[string]*SagaRecord),
		idemKeys:    make(map[string]time.Time),
		accounts:    make(map[string]bool),
		devices:     make(map[string]string),
	}
}

func (d *memoryData) clone() *memoryData {
	c := newMemoryData()
	for k, v := range d.outbox {
		ev := *v
		c.outbox[k] = &ev
	}
	for k, v := range d.deadLetters {
		dl := *v
		c.deadLetters[k] = &dl
	}
	for k, v := range d.sessions {
		s := *v
		c.sessions[k] = &s
	}
	for k, v := range d.revoked {
		c.revoked[k] = v
	}
	for k, v := range d.consents {
		cc := *v
		c.consents[k] = &cc
	}
	for k, v := range d.consentIdx {
		c.consentIdx[k] = v
	}
	for k, v := range d.dsrs {
		r := *v
		c.dsrs[k] = &r
	}
	for k, v := range d.sagas {
		r := *v
		c.sagas[k] = &r
	}
	for k, v := range d.idemKeys {
		c.idemKeys[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.devices {
		c.devices[k] = v
	}
	return c
}

// MemoryStore implements Store entirely in memory. It is the test backend;
// InTx takes a full snapshot so a failed closure rolls back exactly like a
// database transaction would.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memoryData
	inTx bool
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, data: newMemoryData()}
}

// lock acquires the store mutex unless this handle is a transactional view,
// in which case InTx already holds it.
func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	view := &MemoryStore{mu: s.mu, data: s.data, inTx: true}
	if err := fn(view); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

// --- Test Seeding Helpers ---

// AddAccount registers an account ID for directory checks.
func (s *MemoryStore) AddAccount(id string) {
	defer s.lock()()
	s.data.accounts[id] = true
}

// AddDevice registers a device and its owning account.
func (s *MemoryStore) AddDevice(id, accountID string) {
	defer s.lock()()
	s.data.devices[id] = accountID
}

// SessionByID returns a copy of the stored session, for assertions.
func (s *MemoryStore) SessionByID(id string) *Session {
	defer s.lock()()
	sess, ok := s.data.sessions[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// AllOutboxEvents returns copies of every outbox row ordered by created_at.
func (s *MemoryStore) AllOutboxEvents() []*OutboxEvent {
	defer s.lock()()
	var out []*OutboxEvent
	for _, ev := range s.data.outbox {
		cp := *ev
		out = append(out, &cp)
	}
	sortOutbox(out)
	return out
}

// AllDeadLetters returns copies of every dead-letter row.
func (s *MemoryStore) AllDeadLetters() []*DeadLetterEvent {
	defer s.lock()()
	var out []*DeadLetterEvent
	for _, dl := range s.data.deadLetters {
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func sortOutbox(events []*OutboxEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

// --- Outbox Operations ---

func (s *MemoryStore) AppendOutboxEvent(ctx context.Context, ev *OutboxEvent) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	cp := *ev
	s.data.outbox[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) SelectDispatchableOutbox(ctx context.Context, limit int, now time.Time) ([]*OutboxEvent, error) {
	defer s.lock()()

	all := make([]*OutboxEvent, 0, len(s.data.outbox))
	for _, ev := range s.data.outbox {
		all = append(all, ev)
	}
	sortOutbox(all)

	// Only the head of each aggregate's queue dispatches; any earlier
	// undelivered row blocks the ones behind it.
	blocked := make(map[string]bool) // aggregateType|aggregateID
	var out []*OutboxEvent
	for _, ev := range all {
		key := ev.AggregateType + "|" + ev.AggregateID
		ready := ev.Status == OutboxPending ||
			(ev.Status == OutboxFailed && ev.RetryAfter != nil && !ev.RetryAfter.After(now))

		if ready && !blocked[key] && len(out) < limit {
			cp := *ev
			out = append(out, &cp)
		}
		if ev.Status != OutboxCompleted {
			blocked[key] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxProcessing(ctx context.Context, id string, expectedStatus string) (bool, error) {
	defer s.lock()()
	ev, ok := s.data.outbox[id]
	if !ok || ev.Status != expectedStatus {
		return false, nil
	}
	ev.Status = OutboxProcessing
	now := time.Now().UTC()
	ev.ClaimedAt = &now
	return true, nil
}

func (s *MemoryStore) ReclaimStuckOutbox(ctx context.Context, now time.Time, stale time.Duration) (int64, error) {
	defer s.lock()()
	cutoff := now.Add(-stale)
	var n int64
	for _, ev := range s.data.outbox {
		if ev.Status == OutboxProcessing && ev.ClaimedAt != nil && ev.ClaimedAt.Before(cutoff) {
			ev.Status = OutboxPending
			ev.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkOutboxCompleted(ctx context.Context, id string, processedAt time.Time) error {
	defer s.lock()()
	ev, ok := s.data.outbox[id]
	if !ok || ev.Status != OutboxProcessing {
		return ErrConflict
	}
	ev.Status = OutboxCompleted
	t := processedAt
	ev.ProcessedAt = &t
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id string, retryCount int, lastError string, retryAfter time.Time) error {
	defer s.lock()()
	ev, ok := s.data.outbox[id]
	if !ok || ev.Status != OutboxProcessing {
		return ErrConflict
	}
	ev.Status = OutboxFailed
	ev.RetryCount = retryCount
	ev.LastError = lastError
	t := retryAfter
	ev.RetryAfter = &t
	return nil
}

func (s *MemoryStore) MoveOutboxToDeadLetter(ctx context.Context, ev *OutboxEvent, failedAt time.Time) error {
	defer s.lock()()
	s.data.deadLetters[ev.ID] = &DeadLetterEvent{
		ID:               ev.ID,
		OriginalOutboxID: ev.ID,
		AggregateType:    ev.AggregateType,
		AggregateID:      ev.AggregateID,
		EventType:        ev.EventType,
		Payload:          ev.Payload,
		LastError:        ev.LastError,
		RetryCount:       ev.RetryCount,
		Status:           DeadLetterUnresolved,
		FirstFailedAt:    failedAt,
		CreatedAt:        failedAt,
	}
	delete(s.data.outbox, ev.ID)
	return nil
}

func (s *MemoryStore) DeleteCompletedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, ev := range s.data.outbox {
		if ev.Status == OutboxCompleted && ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			delete(s.data.outbox, id)
			n++
		}
	}
	return n, nil
}

// --- Dead-letter Operations ---

func (s *MemoryStore) ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEvent, error) {
	defer s.lock()()
	var out []*DeadLetterEvent
	for _, dl := range s.data.deadLetters {
		if dl.Status == DeadLetterUnresolved {
			cp := *dl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveDeadLetter(ctx context.Context, id string, status string, resolvedAt time.Time) error {
	defer s.lock()()
	dl, ok := s.data.deadLetters[id]
	if !ok || dl.Status != DeadLetterUnresolved {
		return ErrNotFound
	}
	dl.Status = status
	t := resolvedAt
	dl.ResolvedAt = &t
	return nil
}

func (s *MemoryStore) DeleteResolvedDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, dl := range s.data.deadLetters {
		if (dl.Status == DeadLetterResolved || dl.Status == DeadLetterIgnored) && dl.CreatedAt.Before(cutoff) {
			delete(s.data.deadLetters, id)
			n++
		}
	}
	return n, nil
}

// --- Session Operations ---

func (s *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	defer s.lock()()
	for _, existing := range s.data.sessions {
		if existing.TokenHash == sess.TokenHash || existing.RefreshTokenHash == sess.RefreshTokenHash {
			return ErrConflict
		}
	}
	cp := *sess
	s.data.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	defer s.lock()()
	sess, ok := s.data.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	defer s.lock()()
	for _, sess := range s.data.sessions {
		if sess.TokenHash == tokenHash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetSessionByRefreshHash(ctx context.Context, refreshHash string) (*Session, error) {
	defer s.lock()()
	for _, sess := range s.data.sessions {
		if sess.RefreshTokenHash == refreshHash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindReusedRefreshHash(ctx context.Context, hash string) (*Session, error) {
	defer s.lock()()
	for _, sess := range s.data.sessions {
		if sess.PreviousRefreshTokenHash == hash && sess.IsActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CountActiveSessions(ctx context.Context, accountID string, now time.Time) (int, error) {
	defer s.lock()()
	count := 0
	for _, sess := range s.data.sessions {
		if sess.AccountID == accountID && sess.IsActive && sess.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RotateSession(ctx context.Context, id, newTokenHash, newRefreshHash, oldRefreshHash string, expiresAt, now time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	sess, ok := s.data.sessions[id]
	if !ok || !sess.IsActive || sess.RefreshTokenHash != oldRefreshHash {
		return ErrConflict
	}
	sess.TokenHash = newTokenHash
	sess.RefreshTokenHash = newRefreshHash
	sess.PreviousRefreshTokenHash = oldRefreshHash
	sess.ExpiresAt = expiresAt
	sess.LastActivityAt = now
	return nil
}

func (s *MemoryStore) RevokeSession(ctx context.Context, id, reason string, now time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	sess, ok := s.data.sessions[id]
	if !ok || !sess.IsActive {
		return ErrNotFound
	}
	sess.IsActive = false
	t := now
	sess.RevokedAt = &t
	sess.RevokedReason = reason
	return nil
}

func (s *MemoryStore) RevokeAllSessionsForAccount(ctx context.Context, accountID, excludeID, reason string, now time.Time) ([]*Session, error) {
	if !s.inTx {
		return nil, ErrNoTransaction
	}
	var revoked []*Session
	for _, sess := range s.data.sessions {
		if sess.AccountID != accountID || !sess.IsActive || sess.ID == excludeID {
			continue
		}
		sess.IsActive = false
		t := now
		sess.RevokedAt = &t
		sess.RevokedReason = reason
		cp := *sess
		revoked = append(revoked, &cp)
	}
	return revoked, nil
}

func (s *MemoryStore) TouchSession(ctx context.Context, id string, now time.Time) error {
	defer s.lock()()
	if sess, ok := s.data.sessions[id]; ok {
		sess.LastActivityAt = now
	}
	return nil
}

func (s *MemoryStore) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for _, sess := range s.data.sessions {
		if sess.IsActive && sess.ExpiresAt.Before(now) {
			sess.IsActive = false
			t := now
			sess.RevokedAt = &t
			sess.RevokedReason = "expired"
			n++
		}
	}
	return n, nil
}

// --- Directory Lookups ---

func (s *MemoryStore) AccountExists(ctx context.Context, accountID string) (bool, error) {
	defer s.lock()()
	return s.data.accounts[accountID], nil
}

func (s *MemoryStore) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	defer s.lock()()
	owner, ok := s.data.devices[deviceID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

// --- Revoked-token Deny List ---

func (s *MemoryStore) InsertRevokedToken(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	if _, ok := s.data.revoked[tokenHash]; !ok {
		s.data.revoked[tokenHash] = expiresAt
	}
	return nil
}

func (s *MemoryStore) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	defer s.lock()()
	_, ok := s.data.revoked[tokenHash]
	return ok, nil
}

func (s *MemoryStore) DeleteExpiredRevokedTokens(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for hash, exp := range s.data.revoked {
		if exp.Before(now) {
			delete(s.data.revoked, hash)
			n++
		}
	}
	return n, nil
}

// --- Consents ---

func consentKey(accountID, documentType string) string {
	return accountID + "|" + documentType
}

func (s *MemoryStore) CreateConsent(ctx context.Context, c *Consent) error {
	defer s.lock()()
	key := consentKey(c.AccountID, c.DocumentType)
	if existingID, ok := s.data.consentIdx[key]; ok {
		delete(s.data.consents, existingID)
	}
	cp := *c
	s.data.consents[c.ID] = &cp
	s.data.consentIdx[key] = c.ID
	return nil
}

func (s *MemoryStore) GetConsent(ctx context.Context, accountID, documentType string) (*Consent, error) {
	defer s.lock()()
	id, ok := s.data.consentIdx[consentKey(accountID, documentType)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.data.consents[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateConsentStatus(ctx context.Context, id, fromStatus, toStatus string, now time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	c, ok := s.data.consents[id]
	if !ok || c.Status != fromStatus {
		return ErrConflict
	}
	c.Status = toStatus
	if toStatus == ConsentRevoked {
		t := now
		c.RevokedAt = &t
	}
	return nil
}

func (s *MemoryStore) ListConsentsExpiringWithin(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*Consent, error) {
	defer s.lock()()
	deadline := now.Add(horizon)
	var out []*Consent
	for _, c := range s.data.consents {
		if c.Status == ConsentActive && c.ExpiresAt != nil && c.ExpiresAt.After(now) && !c.ExpiresAt.After(deadline) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListConsentsPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Consent, error) {
	defer s.lock()()
	var out []*Consent
	for _, c := range s.data.consents {
		if (c.Status == ConsentActive || c.Status == ConsentExpiring) && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- DSR Requests ---

func (s *MemoryStore) CreateDSRRequest(ctx context.Context, r *DSRRequest) error {
	defer s.lock()()
	cp := *r
	s.data.dsrs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDSRRequest(ctx context.Context, id string) (*DSRRequest, error) {
	defer s.lock()()
	r, ok := s.data.dsrs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListOpenDSRRequests(ctx context.Context, limit int) ([]*DSRRequest, error) {
	defer s.lock()()
	var out []*DSRRequest
	for _, r := range s.data.dsrs {
		if r.Status == DSROpen || r.Status == DSRInProgress {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) EscalateDSRRequest(ctx context.Context, id, fromLevel, toLevel string) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	r, ok := s.data.dsrs[id]
	if !ok || r.EscalationLevel != fromLevel {
		return ErrConflict
	}
	r.EscalationLevel = toLevel
	return nil
}

// --- Saga Records ---

func (s *MemoryStore) InsertSagaRecord(ctx context.Context, r *SagaRecord) error {
	defer s.lock()()
	cp := *r
	s.data.sagas[r.ID] = &cp
	return nil
}

// SagaRecordByID returns a copy of the stored record, for assertions.
func (s *MemoryStore) SagaRecordByID(id string) *SagaRecord {
	defer s.lock()()
	r, ok := s.data.sagas[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (s *MemoryStore) FinishSagaRecord(ctx context.Context, id, status, sagaErr string, completedAt time.Time) error {
	defer s.lock()()
	r, ok := s.data.sagas[id]
	if !ok || r.Status != SagaRunning {
		return ErrConflict
	}
	r.Status = status
	r.Error = sagaErr
	t := completedAt
	r.CompletedAt = &t
	return nil
}

func (s *MemoryStore) TimeoutRunningSagas(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for _, r := range s.data.sagas {
		if r.Status == SagaRunning && r.TimeoutAt.Before(now) {
			r.Status = SagaTimedOut
			t := now
			r.CompletedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteFinishedSagasBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, r := range s.data.sagas {
		if r.Status != SagaRunning && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(s.data.sagas, id)
			n++
		}
	}
	return n, nil
}

// --- Idempotency Keys ---

func (s *MemoryStore) ClaimIdempotencyKey(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	defer s.lock()()
	if _, ok := s.data.idemKeys[key]; ok {
		return false, nil
	}
	s.data.idemKeys[key] = expiresAt
	return true, nil
}

func (s *MemoryStore) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for key, exp := range s.data.idemKeys {
		if exp.Before(now) {
			delete(s.data.idemKeys, key)
			n++
		}
	}
	return n, nil
}
