package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository implementation used for
// development mode and tests. A single mutex guards all state, which gives
// the deterministic single-winner semantics the protocol requires.
type MemoryRepository struct {
	mu sync.RWMutex
	s  *memState
}

type memState struct {
	clientsByClientID map[string]*Client
	clientsByID       map[string]*Client
	users             map[string]*User
	scopes            map[string]*Scope
	permissions       map[string][]string

	codes         map[string]*AuthorizationCode
	accessByHash  map[string]*AccessToken
	refreshByHash map[string]*RefreshToken
	refreshByID   map[string]*RefreshToken
	pending       map[string]*PendingAuthorization
	blacklist     map[string]time.Time
	audit         []*AuditEntry
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{s: newMemState()}
}

func newMemState() *memState {
	return &memState{
		clientsByClientID: make(map[string]*Client),
		clientsByID:       make(map[string]*Client),
		users:             make(map[string]*User),
		scopes:            make(map[string]*Scope),
		permissions:       make(map[string][]string),
		codes:             make(map[string]*AuthorizationCode),
		accessByHash:      make(map[string]*AccessToken),
		refreshByHash:     make(map[string]*RefreshToken),
		refreshByID:       make(map[string]*RefreshToken),
		pending:           make(map[string]*PendingAuthorization),
		blacklist:         make(map[string]time.Time),
	}
}

// Seeding helpers. Clients, users, scopes and permissions are owned by
// collaborators in production; in dev mode and tests they are seeded here.

// AddClient registers a client.
func (m *MemoryRepository) AddClient(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.clientsByClientID[c.ClientID] = c
	m.s.clientsByID[c.ID] = c
}

// AddUser registers a user.
func (m *MemoryRepository) AddUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.users[u.ID] = u
}

// AddScope registers a scope in the catalogue.
func (m *MemoryRepository) AddScope(s *Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.scopes[s.Name] = s
}

// SetUserPermissions replaces a user's effective permission set.
func (m *MemoryRepository) SetUserPermissions(userID string, perms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.permissions[userID] = append([]string(nil), perms...)
}

// AuditEntries returns a snapshot of appended audit entries.
func (m *MemoryRepository) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*AuditEntry(nil), m.s.audit...)
}

// Repository implementation.

func (m *MemoryRepository) FindClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findClientByClientID(clientID)
}

func (m *MemoryRepository) FindClientByID(ctx context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findClientByID(id)
}

func (m *MemoryRepository) FindUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findUserByID(id)
}

func (m *MemoryRepository) FindActiveScopes(ctx context.Context, names []string) ([]*Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findActiveScopes(names)
}

func (m *MemoryRepository) GetUserEffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getUserEffectivePermissions(userID)
}

func (m *MemoryRepository) CreateAuthCode(ctx context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createAuthCode(code)
}

func (m *MemoryRepository) FindAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findAuthCode(code)
}

func (m *MemoryRepository) ConsumeAuthCode(ctx context.Context, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.consumeAuthCode(code, at)
}

func (m *MemoryRepository) DeleteAuthCode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.deleteAuthCode(code)
}

func (m *MemoryRepository) RevokeTokensIssuedForCode(ctx context.Context, code string) ([]*AccessToken, []*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.revokeTokensIssuedForCode(code)
}

func (m *MemoryRepository) CreateAccessToken(ctx context.Context, token *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createAccessToken(token)
}

func (m *MemoryRepository) FindAccessTokenByHash(ctx context.Context, hash string) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findAccessTokenByHash(hash)
}

func (m *MemoryRepository) RevokeAccessTokenByHash(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.revokeAccessTokenByHash(hash)
}

func (m *MemoryRepository) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createRefreshToken(token)
}

func (m *MemoryRepository) FindRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findRefreshTokenByHash(hash)
}

func (m *MemoryRepository) RevokeRefreshToken(ctx context.Context, id, replacedByID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.revokeRefreshToken(id, replacedByID, at)
}

func (m *MemoryRepository) RevokeRefreshTokenChain(ctx context.Context, id string) ([]*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.revokeRefreshTokenChain(id)
}

func (m *MemoryRepository) CreatePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createPendingAuthorization(pending)
}

func (m *MemoryRepository) TakePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.takePendingAuthorization(id)
}

func (m *MemoryRepository) BlacklistJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.blacklistJTI(jti, expiresAt)
}

func (m *MemoryRepository) IsJTIBlacklisted(ctx context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.isJTIBlacklisted(jti)
}

func (m *MemoryRepository) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendAuditLog(entry)
}

// WithinTx holds the store lock for the whole callback, so a transaction is
// serialized against every other operation. On error the pre-transaction
// state is restored from a deep copy.
func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := m.s.clone()
	if err := fn(ctx, &memTx{s: m.s}); err != nil {
		m.s = backup
		return err
	}
	return nil
}

// memTx is the transaction-bound view. The store lock is already held, so
// methods operate on the live state without locking. Nested WithinTx reuses
// the same transaction.
type memTx struct {
	s *memState
}

func (t *memTx) FindClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	return t.s.findClientByClientID(clientID)
}
func (t *memTx) FindClientByID(ctx context.Context, id string) (*Client, error) {
	return t.s.findClientByID(id)
}
func (t *memTx) FindUserByID(ctx context.Context, id string) (*User, error) {
	return t.s.findUserByID(id)
}
func (t *memTx) FindActiveScopes(ctx context.Context, names []string) ([]*Scope, error) {
	return t.s.findActiveScopes(names)
}
func (t *memTx) GetUserEffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	return t.s.getUserEffectivePermissions(userID)
}
func (t *memTx) CreateAuthCode(ctx context.Context, code *AuthorizationCode) error {
	return t.s.createAuthCode(code)
}
func (t *memTx) FindAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	return t.s.findAuthCode(code)
}
func (t *memTx) ConsumeAuthCode(ctx context.Context, code string, at time.Time) error {
	return t.s.consumeAuthCode(code, at)
}
func (t *memTx) DeleteAuthCode(ctx context.Context, code string) error {
	return t.s.deleteAuthCode(code)
}
func (t *memTx) RevokeTokensIssuedForCode(ctx context.Context, code string) ([]*AccessToken, []*RefreshToken, error) {
	return t.s.revokeTokensIssuedForCode(code)
}
func (t *memTx) CreateAccessToken(ctx context.Context, token *AccessToken) error {
	return t.s.createAccessToken(token)
}
func (t *memTx) FindAccessTokenByHash(ctx context.Context, hash string) (*AccessToken, error) {
	return t.s.findAccessTokenByHash(hash)
}
func (t *memTx) RevokeAccessTokenByHash(ctx context.Context, hash string) error {
	return t.s.revokeAccessTokenByHash(hash)
}
func (t *memTx) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	return t.s.createRefreshToken(token)
}
func (t *memTx) FindRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	return t.s.findRefreshTokenByHash(hash)
}
func (t *memTx) RevokeRefreshToken(ctx context.Context, id, replacedByID string, at time.Time) error {
	return t.s.revokeRefreshToken(id, replacedByID, at)
}
func (t *memTx) RevokeRefreshTokenChain(ctx context.Context, id string) ([]*RefreshToken, error) {
	return t.s.revokeRefreshTokenChain(id)
}
func (t *memTx) CreatePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error {
	return t.s.createPendingAuthorization(pending)
}
func (t *memTx) TakePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error) {
	return t.s.takePendingAuthorization(id)
}
func (t *memTx) BlacklistJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	return t.s.blacklistJTI(jti, expiresAt)
}
func (t *memTx) IsJTIBlacklisted(ctx context.Context, jti string) (bool, error) {
	return t.s.isJTIBlacklisted(jti)
}
func (t *memTx) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	return t.s.appendAuditLog(entry)
}
func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, t)
}

// State operations. Callers hold the appropriate lock.

func (s *memState) findClientByClientID(clientID string) (*Client, error) {
	c, ok := s.clientsByClientID[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *memState) findClientByID(id string) (*Client, error) {
	c, ok := s.clientsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *memState) findUserByID(id string) (*User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (s *memState) findActiveScopes(names []string) ([]*Scope, error) {
	var out []*Scope
	for _, name := range names {
		if sc, ok := s.scopes[name]; ok && sc.IsActive {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *memState) getUserEffectivePermissions(userID string) ([]string, error) {
	return append([]string(nil), s.permissions[userID]...), nil
}

func (s *memState) createAuthCode(code *AuthorizationCode) error {
	if _, ok := s.codes[code.Code]; ok {
		return ErrAlreadyExists
	}
	s.codes[code.Code] = code
	return nil
}

func (s *memState) findAuthCode(code string) (*AuthorizationCode, error) {
	c, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *memState) consumeAuthCode(code string, at time.Time) error {
	c, ok := s.codes[code]
	if !ok {
		return ErrNotFound
	}
	if c.ConsumedAt != nil {
		return ErrCodeConsumed
	}
	t := at
	c.ConsumedAt = &t
	return nil
}

func (s *memState) deleteAuthCode(code string) error {
	delete(s.codes, code)
	return nil
}

func (s *memState) revokeTokensIssuedForCode(code string) ([]*AccessToken, []*RefreshToken, error) {
	var access []*AccessToken
	var refresh []*RefreshToken
	for _, at := range s.accessByHash {
		if at.AuthCode == code && !at.Revoked {
			at.Revoked = true
			access = append(access, at)
		}
	}
	now := time.Now()
	for _, rt := range s.refreshByHash {
		if rt.AuthCode == code && !rt.Revoked {
			rt.Revoked = true
			t := now
			rt.RevokedAt = &t
			refresh = append(refresh, rt)
		}
	}
	return access, refresh, nil
}

func (s *memState) createAccessToken(token *AccessToken) error {
	if _, ok := s.accessByHash[token.TokenHash]; ok {
		return ErrAlreadyExists
	}
	s.accessByHash[token.TokenHash] = token
	return nil
}

func (s *memState) findAccessTokenByHash(hash string) (*AccessToken, error) {
	t, ok := s.accessByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *memState) revokeAccessTokenByHash(hash string) error {
	t, ok := s.accessByHash[hash]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (s *memState) createRefreshToken(token *RefreshToken) error {
	if _, ok := s.refreshByHash[token.TokenHash]; ok {
		return ErrAlreadyExists
	}
	s.refreshByHash[token.TokenHash] = token
	s.refreshByID[token.ID] = token
	return nil
}

func (s *memState) findRefreshTokenByHash(hash string) (*RefreshToken, error) {
	t, ok := s.refreshByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *memState) revokeRefreshToken(id, replacedByID string, at time.Time) error {
	t, ok := s.refreshByID[id]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	ts := at
	t.RevokedAt = &ts
	t.ReplacedByTokenID = replacedByID
	if replacedByID != "" {
		if succ, ok := s.refreshByID[replacedByID]; ok {
			succ.PreviousTokenID = id
		}
	}
	return nil
}

func (s *memState) revokeRefreshTokenChain(id string) ([]*RefreshToken, error) {
	seen := make(map[string]bool)
	var revoked []*RefreshToken
	now := time.Now()

	var walk func(id string)
	walk = func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		t, ok := s.refreshByID[id]
		if !ok {
			return
		}
		if !t.Revoked {
			t.Revoked = true
			ts := now
			t.RevokedAt = &ts
		}
		revoked = append(revoked, t)
		walk(t.PreviousTokenID)
		walk(t.ReplacedByTokenID)
	}
	walk(id)

	if len(seen) == 0 {
		return nil, ErrNotFound
	}
	return revoked, nil
}

func (s *memState) createPendingAuthorization(pending *PendingAuthorization) error {
	if _, ok := s.pending[pending.ID]; ok {
		return ErrAlreadyExists
	}
	s.pending[pending.ID] = pending
	return nil
}

func (s *memState) takePendingAuthorization(id string) (*PendingAuthorization, error) {
	p, ok := s.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.pending, id)
	if time.Now().After(p.ExpiresAt) {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *memState) blacklistJTI(jti string, expiresAt time.Time) error {
	if time.Until(expiresAt) <= 0 {
		return nil // already expired, nothing to record
	}
	s.blacklist[jti] = expiresAt
	return nil
}

func (s *memState) isJTIBlacklisted(jti string) (bool, error) {
	exp, ok := s.blacklist[jti]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		return false, nil
	}
	return true, nil
}

func (s *memState) appendAuditLog(entry *AuditEntry) error {
	s.audit = append(s.audit, entry)
	return nil
}

// clone deep-copies the mutable state. Clients, users and scopes are
// read-only to the core and shared by reference.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.clientsByClientID {
		c.clientsByClientID[k] = v
	}
	for k, v := range s.clientsByID {
		c.clientsByID[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.scopes {
		c.scopes[k] = v
	}
	for k, v := range s.permissions {
		c.permissions[k] = v
	}
	for k, v := range s.codes {
		cp := *v
		if v.ConsumedAt != nil {
			t := *v.ConsumedAt
			cp.ConsumedAt = &t
		}
		c.codes[k] = &cp
	}
	for k, v := range s.accessByHash {
		cp := *v
		c.accessByHash[k] = &cp
	}
	for k, v := range s.refreshByHash {
		cp := *v
		if v.RevokedAt != nil {
			t := *v.RevokedAt
			cp.RevokedAt = &t
		}
		c.refreshByHash[k] = &cp
		c.refreshByID[cp.ID] = &cp
	}
	for k, v := range s.pending {
		cp := *v
		c.pending[k] = &cp
	}
	for k, v := range s.blacklist {
		c.blacklist[k] = v
	}
	c.audit = append([]*AuditEntry(nil), s.audit...)
	return c
}
