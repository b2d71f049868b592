package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/yakshears/passgate/internal/models"
)

// DefaultTTL bounds how long a minted session stays redeemable. The original
// design had no expiry at all; seven days matches the session cookie lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// Store holds minted sessions. A Get miss is (nil, nil), not an error.
type Store interface {
	Save(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// Issuer mints, revokes, and resolves opaque session tokens against a Store.
type Issuer struct {
	store Store
	ttl   time.Duration
}

// NewIssuer returns an Issuer over the given store. A ttl of zero falls back
// to DefaultTTL.
func NewIssuer(store Store, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{store: store, ttl: ttl}
}

// TTL reports the configured session lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Create draws a fresh token and binds it to the user.
func (i *Issuer) Create(ctx context.Context, userID string) (string, error) {
	id, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	now := time.Now()
	session := &models.Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.store.Save(ctx, session); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	return id, nil
}

// Delete revokes a session. Deleting an unknown id is a no-op.
func (i *Issuer) Delete(ctx context.Context, sessionID string) error {
	return i.store.Delete(ctx, sessionID)
}

// Resolve returns the user id bound to the token, or "" if the token is
// unknown or expired.
func (i *Issuer) Resolve(ctx context.Context, sessionID string) (string, error) {
	session, err := i.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", nil
	}
	return session.UserID, nil
}

// generateToken draws 256 bits from the system CSPRNG, hex-encoded to 64
// characters.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// MemoryStore keeps sessions in a map guarded by a RWMutex. This is the
// default backend: a restart clears every session but leaves the user
// directory intact.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore returns a store with a background sweep for expired entries.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*models.Session),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) Save(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if session.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return nil, nil
	}
	return session, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
		}
	}
}
