// Package memory provides in-process implementations of the auth
// repositories for local development and tests. All repositories created
// from one Store share its lock, so cross-entity writes are atomic.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

// Store holds every entity in maps guarded by a single lock.
type Store struct {
	mu         sync.RWMutex
	users      map[string]*domain.User
	tokens     map[string]*domain.SingleUseToken
	links      map[string]*domain.ExternalIdentity
	revoked    map[string]time.Time
	watermarks map[string]time.Time
	now        func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:      make(map[string]*domain.User),
		tokens:     make(map[string]*domain.SingleUseToken),
		links:      make(map[string]*domain.ExternalIdentity),
		revoked:    make(map[string]time.Time),
		watermarks: make(map[string]time.Time),
		now:        time.Now,
	}
}

// WithClock replaces the clock used to expire revocation entries.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Users returns the user repository view of s.
func (s *Store) Users() *UserRepository { return &UserRepository{s: s} }

// Tokens returns the single-use token repository view of s.
func (s *Store) Tokens() *SingleUseTokenRepository { return &SingleUseTokenRepository{s: s} }

// Identities returns the external identity repository view of s.
func (s *Store) Identities() *ExternalIdentityRepository { return &ExternalIdentityRepository{s: s} }

// Revocations returns the revocation store view of s.
func (s *Store) Revocations() *RevocationStore { return &RevocationStore{s: s} }

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// UserRepository implements repository.UserRepository in memory.
type UserRepository struct {
	s *Store
}

func (r *UserRepository) Create(_ context.Context, u *domain.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.insertUserLocked(u)
}

func (s *Store) insertUserLocked(u *domain.User) error {
	if _, ok := s.users[u.ID]; ok {
		return apperrors.AlreadyExists("user", "id", u.ID)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return domain.ErrDuplicateUsername
		}
		if existing.Email == domain.NormalizeEmail(u.Email) {
			return domain.ErrDuplicateEmail
		}
	}
	cp := *u
	cp.Email = domain.NormalizeEmail(u.Email)
	s.users[u.ID] = &cp
	return nil
}

func (r *UserRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if u, ok := r.s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r *UserRepository) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	email = domain.NormalizeEmail(email)
	return r.find(func(u *domain.User) bool { return u.Email == email })
}

func (r *UserRepository) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	return r.find(func(u *domain.User) bool { return strings.EqualFold(u.Username, username) })
}

func (r *UserRepository) find(match func(*domain.User) bool) (*domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *UserRepository) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *domain.User) {
		u.LastLoginAt = &at
		u.UpdatedAt = at
	})
}

func (r *UserRepository) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return r.update(id, func(u *domain.User) {
		u.PasswordHash = passwordHash
		u.UpdatedAt = r.s.now().UTC()
	})
}

func (r *UserRepository) MarkVerified(_ context.Context, id string) error {
	return r.update(id, func(u *domain.User) {
		u.IsVerified = true
		u.UpdatedAt = r.s.now().UTC()
	})
}

func (r *UserRepository) update(id string, fn func(*domain.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return apperrors.NotFound("user", id)
	}
	fn(u)
	return nil
}

// ---------------------------------------------------------------------------
// Single-use tokens
// ---------------------------------------------------------------------------

// SingleUseTokenRepository implements repository.SingleUseTokenRepository in memory.
type SingleUseTokenRepository struct {
	s *Store
}

func tokenKey(hash string, kind domain.TokenKind) string {
	return string(kind) + ":" + hash
}

func (r *SingleUseTokenRepository) Create(_ context.Context, t *domain.SingleUseToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tokenKey(t.TokenHash, t.Kind)
	if _, ok := r.s.tokens[key]; ok {
		return apperrors.AlreadyExists("token", "id", t.ID)
	}
	cp := *t
	r.s.tokens[key] = &cp
	return nil
}

func (r *SingleUseTokenRepository) Consume(_ context.Context, tokenHash string, kind domain.TokenKind, now time.Time) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tokens[tokenKey(tokenHash, kind)]
	if !ok || !t.ValidAt(now) {
		return "", apperrors.ErrNotFound
	}
	t.IsUsed = true
	t.UsedAt = &now
	return t.UserID, nil
}

func (r *SingleUseTokenRepository) GetByHash(_ context.Context, tokenHash string, kind domain.TokenKind) (*domain.SingleUseToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if t, ok := r.s.tokens[tokenKey(tokenHash, kind)]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r *SingleUseTokenRepository) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for key, t := range r.s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(r.s.tokens, key)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// External identities
// ---------------------------------------------------------------------------

// ExternalIdentityRepository implements repository.ExternalIdentityRepository in memory.
type ExternalIdentityRepository struct {
	s *Store
}

func linkKey(provider, providerUserID string) string {
	return provider + ":" + providerUserID
}

func (r *ExternalIdentityRepository) GetByProvider(_ context.Context, provider, providerUserID string) (*domain.ExternalIdentity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if l, ok := r.s.links[linkKey(provider, providerUserID)]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r *ExternalIdentityRepository) Upsert(_ context.Context, l *domain.ExternalIdentity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := linkKey(l.Provider, l.ProviderUserID)
	if existing, ok := r.s.links[key]; ok {
		existing.AccessToken = l.AccessToken
		existing.Profile = l.Profile
		existing.UpdatedAt = l.UpdatedAt
		*l = *existing
		return nil
	}
	cp := *l
	r.s.links[key] = &cp
	return nil
}

func (r *ExternalIdentityRepository) CreateWithUser(_ context.Context, u *domain.User, l *domain.ExternalIdentity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := linkKey(l.Provider, l.ProviderUserID)
	if _, ok := r.s.links[key]; ok {
		return apperrors.ErrAlreadyExists
	}
	if err := r.s.insertUserLocked(u); err != nil {
		return err
	}
	l.UserID = u.ID
	cp := *l
	r.s.links[key] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Revocations
// ---------------------------------------------------------------------------

// RevocationStore implements repository.RevocationStore in memory. Entries
// past their TTL are treated as absent.
type RevocationStore struct {
	s *Store
}

func (r *RevocationStore) Revoke(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	if exp, ok := r.s.revoked[jti]; ok && now.Before(exp) {
		return false, nil
	}
	r.s.revoked[jti] = now.Add(ttl)
	return true, nil
}

func (r *RevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	exp, ok := r.s.revoked[jti]
	return ok && r.s.now().Before(exp), nil
}

func (r *RevocationStore) RevokeUser(_ context.Context, userID string, at time.Time, _ time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if at.After(r.s.watermarks[userID]) {
		r.s.watermarks[userID] = at
	}
	return nil
}

func (r *RevocationStore) UserRevokedAt(_ context.Context, userID string) (time.Time, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.watermarks[userID], nil
}
