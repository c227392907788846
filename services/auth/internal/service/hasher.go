package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
)

// dummyPassword is compared against when no account matches, so unknown
// emails cost the same bcrypt work as wrong passwords.
const dummyPassword = "learnhub-timing-equalizer"

// PasswordHasher hashes and verifies passwords with bcrypt. At most
// GOMAXPROCS hashes run at once; waiters give up when their context ends.
type PasswordHasher struct {
	cost int
	sem  *semaphore.Weighted

	dummyOnce sync.Once
	dummy     []byte
}

// NewPasswordHasher creates a hasher with the given bcrypt cost.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{
		cost: cost,
		sem:  semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Hash returns the bcrypt hash of password.
func (h *PasswordHasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire hasher: %w", err)
	}
	defer h.sem.Release(1)

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", apperrors.InvalidInput("password must be at most 72 bytes")
		}
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare reports whether password matches hash. A mismatch is not an error.
func (h *PasswordHasher) Compare(ctx context.Context, hash, password string) (bool, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire hasher: %w", err)
	}
	defer h.sem.Release(1)

	// Malformed stored hashes never authenticate.
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// CompareDummy burns one comparison against a fixed hash.
func (h *PasswordHasher) CompareDummy(ctx context.Context, password string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte(dummyPassword), h.cost)
	})
	_, _ = h.Compare(ctx, string(h.dummy), password)
}
