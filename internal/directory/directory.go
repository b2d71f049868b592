// Package directory holds the process-wide user and credential records plus
// the session map. Every structural mutation is serialized with a snapshot
// flush under one lock, so concurrent readers never observe the in-memory
// state and the on-disk snapshot out of sync.
package directory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yakshears/passgate/internal/models"
	"github.com/yakshears/passgate/internal/session"
)

var (
	// ErrNameTaken is returned when a registration reuses a login name.
	ErrNameTaken = errors.New("name already taken")
	// ErrUnknownUser is returned when a user lookup misses.
	ErrUnknownUser = errors.New("unknown user")
	// ErrUnknownCredential is returned when a credential lookup misses.
	ErrUnknownCredential = errors.New("unknown credential")
	// ErrSignCountRegression is returned when an update would move a
	// credential's sign count backwards.
	ErrSignCountRegression = errors.New("sign count regression")
	// ErrCredentialTaken is returned when an enrollment presents a
	// credential id already bound to a user in the directory.
	ErrCredentialTaken = errors.New("credential id already taken")
)

// Directory is the aggregate store. Users and the name index are persisted to
// the snapshot on every structural mutation; sessions are delegated to the
// issuer and never persisted.
type Directory struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	nameIndex map[string]string
	snapshot  Snapshot
	sessions  *session.Issuer
}

// Open loads the snapshot (best effort: a missing or corrupt snapshot starts
// an empty directory) and returns a ready directory.
func Open(ctx context.Context, snapshot Snapshot, sessions *session.Issuer) (*Directory, error) {
	d := &Directory{
		users:     make(map[string]*models.User),
		nameIndex: make(map[string]string),
		snapshot:  snapshot,
		sessions:  sessions,
	}
	state, err := snapshot.Load(ctx)
	if err != nil {
		slog.Warn("Snapshot unavailable, starting with empty directory", "error", err)
		return d, nil
	}
	if state != nil {
		d.users = state.Users
		d.nameIndex = state.NameIndex
		if d.users == nil {
			d.users = make(map[string]*models.User)
		}
		if d.nameIndex == nil {
			d.nameIndex = make(map[string]string)
		}
	}
	return d, nil
}

// Close flushes the current state one last time.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(ctx)
}

// CreateUser registers a new identity under a unique login name.
func (d *Directory) CreateUser(ctx context.Context, name, displayName string) (*models.User, error) {
	id, err := generateUserID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user id: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nameIndex[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	user := &models.User{
		ID:          id,
		Name:        name,
		DisplayName: displayName,
		Credentials: []models.CredentialEntry{},
	}
	d.users[id] = user
	d.nameIndex[name] = id

	if err := d.flushLocked(ctx); err != nil {
		delete(d.users, id)
		delete(d.nameIndex, name)
		return nil, err
	}
	return user.Clone(), nil
}

// UserByName returns a copy of the named user, or nil.
func (d *Directory) UserByName(name string) *models.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.nameIndex[name]
	if !ok {
		return nil
	}
	if user, ok := d.users[id]; ok {
		return user.Clone()
	}
	return nil
}

// UserByID returns a copy of the user with the given id, or nil.
func (d *Directory) UserByID(id string) *models.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if user, ok := d.users[id]; ok {
		return user.Clone()
	}
	return nil
}

// CredentialOwner returns the id of the user holding the given credential,
// if any. Credential ids are unique across the whole directory.
func (d *Directory) CredentialOwner(credentialID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.credentialOwnerLocked(credentialID)
}

func (d *Directory) credentialOwnerLocked(credentialID string) (string, bool) {
	for id, user := range d.users {
		if user.Credential(credentialID) != nil {
			return id, true
		}
	}
	return "", false
}

// AddCredential appends an enrolled credential to the user and flushes.
// Uniqueness of the credential id across the whole directory is enforced
// here, inside the write lock, so two concurrent enrollments of the same id
// cannot both land.
func (d *Directory) AddCredential(ctx context.Context, userID string, entry models.CredentialEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if owner, ok := d.credentialOwnerLocked(entry.ID); ok {
		return fmt.Errorf("%w: %s is bound to user %s", ErrCredentialTaken, entry.ID, owner)
	}
	user.Credentials = append(user.Credentials, entry)

	if err := d.flushLocked(ctx); err != nil {
		user.Credentials = user.Credentials[:len(user.Credentials)-1]
		return err
	}
	return nil
}

// UpdateSignCount records the counter reported by the authenticator. Counts
// are monotonically non-decreasing per credential; a regression is rejected
// and nothing is written.
func (d *Directory) UpdateSignCount(ctx context.Context, userID, credentialID string, newCount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	cred := user.Credential(credentialID)
	if cred == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, credentialID)
	}
	if newCount < cred.SignCount {
		return fmt.Errorf("%w: credential %s: %d < %d", ErrSignCountRegression, credentialID, newCount, cred.SignCount)
	}

	old := cred.SignCount
	cred.SignCount = newCount

	if err := d.flushLocked(ctx); err != nil {
		cred.SignCount = old
		return err
	}
	return nil
}

// SetChallenge stores the outstanding ceremony challenge for the user,
// replacing any previous one. Challenges are transient ceremony state and do
// not trigger a snapshot flush on their own.
func (d *Directory) SetChallenge(userID, challenge string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	user.CurrentChallenge = challenge
	user.ChallengeIssuedAt = time.Now()
	return nil
}

// ConsumeChallenge atomically takes the user's outstanding challenge and
// clears it, so a challenge can back at most one finish attempt whatever the
// outcome. An empty return means no challenge was outstanding.
func (d *Directory) ConsumeChallenge(userID string) (string, time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[userID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	challenge := user.CurrentChallenge
	issuedAt := user.ChallengeIssuedAt
	user.CurrentChallenge = ""
	user.ChallengeIssuedAt = time.Time{}
	return challenge, issuedAt, nil
}

// CreateSession mints a session token for the user.
func (d *Directory) CreateSession(ctx context.Context, userID string) (string, error) {
	return d.sessions.Create(ctx, userID)
}

// DeleteSession revokes a session token. Unknown tokens are a no-op.
func (d *Directory) DeleteSession(ctx context.Context, sessionID string) error {
	return d.sessions.Delete(ctx, sessionID)
}

// ResolveSession returns the user id bound to the token, or "".
func (d *Directory) ResolveSession(ctx context.Context, sessionID string) (string, error) {
	return d.sessions.Resolve(ctx, sessionID)
}

// UserBySession resolves a session token all the way to the user record.
// Returns nil when the token is unknown, expired, or maps to a user that no
// longer exists.
func (d *Directory) UserBySession(ctx context.Context, sessionID string) (*models.User, error) {
	userID, err := d.sessions.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}
	return d.UserByID(userID), nil
}

// Sessions exposes the issuer for callers that need TTL metadata.
func (d *Directory) Sessions() *session.Issuer {
	return d.sessions
}

// flushLocked writes the full user table and name index to the snapshot.
// Callers must hold the write lock.
func (d *Directory) flushLocked(ctx context.Context) error {
	state := &State{
		Users:     d.users,
		NameIndex: d.nameIndex,
	}
	if err := d.snapshot.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return nil
}

// generateUserID draws 128 bits from the system CSPRNG, hex-encoded to 32
// characters.
func generateUserID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
