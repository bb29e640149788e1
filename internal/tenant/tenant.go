// Package tenant resolves the opaque auth context of a request to an
// explicit tenant identifier. The tenant id is threaded through every store
// call rather than held in session state, so isolation never depends on a
// side channel being set first.
package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrUnknownKey = errors.New("unknown api key")
)

const keyPrefix = "ak_"

// Tenant is one isolated account. KeyHash is the bcrypt hash of the secret
// half of its API key; KeyID is the public lookup half.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	KeyID     string
	KeyHash   []byte
	CreatedAt time.Time
}

// Directory is the persistent tenant registry.
type Directory interface {
	CreateTenant(ctx context.Context, t Tenant) error
	TenantByKeyID(ctx context.Context, keyID string) (Tenant, error)
	TenantByName(ctx context.Context, name string) (Tenant, error)
}

// NewKey mints an API key "ak_<keyID>.<secret>" and returns it with the
// bcrypt hash to store. The plaintext key is shown exactly once.
func NewKey() (key, keyID string, hash []byte, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", nil, fmt.Errorf("generate key: %w", err)
	}
	keyID = hex.EncodeToString(buf[:8])
	secret := hex.EncodeToString(buf[8:])
	hash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", nil, fmt.Errorf("hash key: %w", err)
	}
	return keyPrefix + keyID + "." + secret, keyID, hash, nil
}

type cacheEntry struct {
	tenantID  uuid.UUID
	expiresAt time.Time
}

// Resolver verifies presented API keys against the directory. Positive
// verifications are memoized by SHA-256 of the full key so the bcrypt
// comparison is not paid on every request.
type Resolver struct {
	directory Directory
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[[sha256.Size]byte]cacheEntry
}

func NewResolver(directory Directory, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		directory: directory,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[[sha256.Size]byte]cacheEntry),
	}
}

// Resolve returns the tenant id for a presented API key. Unknown keys and
// bad secrets are reported identically.
func (r *Resolver) Resolve(ctx context.Context, presented string) (uuid.UUID, error) {
	keyID, secret, err := splitKey(presented)
	if err != nil {
		return uuid.Nil, err
	}

	fingerprint := sha256.Sum256([]byte(presented))
	r.mu.Lock()
	entry, hit := r.cache[fingerprint]
	if hit && r.now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.tenantID, nil
	}
	r.mu.Unlock()

	t, err := r.directory.TenantByKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return uuid.Nil, ErrInvalidKey
		}
		return uuid.Nil, fmt.Errorf("lookup tenant: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(t.KeyHash, []byte(secret)); err != nil {
		return uuid.Nil, ErrInvalidKey
	}

	r.mu.Lock()
	r.cache[fingerprint] = cacheEntry{tenantID: t.ID, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return t.ID, nil
}

func splitKey(presented string) (keyID, secret string, err error) {
	if !strings.HasPrefix(presented, keyPrefix) {
		return "", "", ErrInvalidKey
	}
	rest := strings.TrimPrefix(presented, keyPrefix)
	keyID, secret, ok := strings.Cut(rest, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", ErrInvalidKey
	}
	return keyID, secret, nil
}

// Provision creates a tenant with a fresh API key and returns the tenant
// and the plaintext key.
func Provision(ctx context.Context, directory Directory, name string) (Tenant, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, "", fmt.Errorf("tenant name is required")
	}
	key, keyID, hash, err := NewKey()
	if err != nil {
		return Tenant{}, "", err
	}
	t := Tenant{
		ID:        uuid.New(),
		Name:      name,
		KeyID:     keyID,
		KeyHash:   hash,
		CreatedAt: time.Now(),
	}
	if err := directory.CreateTenant(ctx, t); err != nil {
		return Tenant{}, "", fmt.Errorf("create tenant: %w", err)
	}
	return t, key, nil
}
