// Package ceremony orchestrates the two-step registration and authentication
// protocols. Cryptographic option generation and response verification are
// delegated to a Verifier; the engine owns challenge lifecycle, credential
// bookkeeping, and the failure taxonomy.
package ceremony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/yakshears/passgate/internal/directory"
	"github.com/yakshears/passgate/internal/models"
)

var (
	// ErrNoActiveChallenge is returned when a finish step runs with no
	// outstanding challenge: the ceremony was never started or the
	// challenge was already consumed or expired.
	ErrNoActiveChallenge = errors.New("no active ceremony challenge")
	// ErrVerificationFailed covers every rejection by the cryptographic
	// verification step, including clone-detected sign-count regressions.
	ErrVerificationFailed = errors.New("verification failed")
)

// ChallengeTTL bounds how long a pending challenge can back a finish step.
// An abandoned ceremony past this window behaves as if never started.
const ChallengeTTL = 5 * time.Minute

// Verifier is the opaque cryptographic service the engine consults. The
// production implementation wraps go-webauthn; tests substitute a stub.
// Option generation draws the ceremony challenge and returns it
// base64url-encoded alongside the client-facing options.
type Verifier interface {
	RegistrationOptions(user *models.User) (*protocol.CredentialCreation, string, error)
	AuthenticationOptions(user *models.User) (*protocol.CredentialAssertion, string, error)
	VerifyRegistration(user *models.User, challenge string, response []byte) (*models.CredentialEntry, error)
	AssertionCredentialID(response []byte) (string, error)
	VerifyAuthentication(user *models.User, challenge string, credential *models.CredentialEntry, response []byte) (uint32, error)
}

// Engine runs ceremonies against the directory.
type Engine struct {
	dir      *directory.Directory
	verifier Verifier
}

func NewEngine(dir *directory.Directory, verifier Verifier) *Engine {
	return &Engine{dir: dir, verifier: verifier}
}

// BeginRegistration creates the user record and issues registration options
// bound to a fresh challenge. Fails with directory.ErrNameTaken when the
// login name is already registered.
func (e *Engine) BeginRegistration(ctx context.Context, name, displayName string) (*protocol.CredentialCreation, error) {
	user, err := e.dir.CreateUser(ctx, name, displayName)
	if err != nil {
		return nil, err
	}

	options, challenge, err := e.verifier.RegistrationOptions(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration options: %w", err)
	}
	if err := e.dir.SetChallenge(user.ID, challenge); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the attestation response and enrolls the
// resulting credential. The pending challenge is consumed whatever the
// outcome; no credential is stored unless verification succeeds.
func (e *Engine) FinishRegistration(ctx context.Context, name string, response []byte) (*models.CredentialEntry, error) {
	user := e.dir.UserByName(name)
	if user == nil {
		return nil, fmt.Errorf("%w: %s", directory.ErrUnknownUser, name)
	}

	challenge, err := e.takeChallenge(user.ID)
	if err != nil {
		return nil, err
	}

	entry, err := e.verifier.VerifyRegistration(user, challenge, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	// Authenticators must not hand out a credential id that is already
	// bound somewhere in the directory; treat a collision as reuse. This
	// check is a fast path: the directory enforces uniqueness again under
	// its write lock when the credential is stored.
	if owner, ok := e.dir.CredentialOwner(entry.ID); ok {
		return nil, fmt.Errorf("%w: credential already registered to user %s", ErrVerificationFailed, owner)
	}

	if err := e.dir.AddCredential(ctx, user.ID, *entry); err != nil {
		if errors.Is(err, directory.ErrCredentialTaken) {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return nil, err
	}
	return entry, nil
}

// BeginAuthentication issues authentication options restricted to the named
// user's enrolled credentials, replacing any challenge from an earlier
// unfinished ceremony.
func (e *Engine) BeginAuthentication(ctx context.Context, name string) (*protocol.CredentialAssertion, *models.User, error) {
	user := e.dir.UserByName(name)
	if user == nil {
		return nil, nil, fmt.Errorf("%w: %s", directory.ErrUnknownUser, name)
	}

	options, challenge, err := e.verifier.AuthenticationOptions(user)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate authentication options: %w", err)
	}
	if err := e.dir.SetChallenge(user.ID, challenge); err != nil {
		return nil, nil, err
	}
	return options, user, nil
}

// FinishAuthentication verifies the assertion response against the stored
// credential and records the new sign count. Callers mint a session on
// success. A sign count that fails to advance past the stored value is
// reported as a verification failure and nothing is written.
func (e *Engine) FinishAuthentication(ctx context.Context, name string, response []byte) (*models.User, *models.CredentialEntry, error) {
	user := e.dir.UserByName(name)
	if user == nil {
		return nil, nil, fmt.Errorf("%w: %s", directory.ErrUnknownUser, name)
	}

	challenge, err := e.takeChallenge(user.ID)
	if err != nil {
		return nil, nil, err
	}

	credentialID, err := e.verifier.AssertionCredentialID(response)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	credential := user.Credential(credentialID)
	if credential == nil {
		return nil, nil, fmt.Errorf("%w: %s", directory.ErrUnknownCredential, credentialID)
	}

	newCount, err := e.verifier.VerifyAuthentication(user, challenge, credential, response)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if err := e.dir.UpdateSignCount(ctx, user.ID, credentialID, newCount); err != nil {
		if errors.Is(err, directory.ErrSignCountRegression) {
			return nil, nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return nil, nil, err
	}
	credential.SignCount = newCount
	return user, credential, nil
}

// takeChallenge consumes the user's outstanding challenge, mapping an empty
// or stale slot to ErrNoActiveChallenge.
func (e *Engine) takeChallenge(userID string) (string, error) {
	challenge, issuedAt, err := e.dir.ConsumeChallenge(userID)
	if err != nil {
		return "", err
	}
	if challenge == "" {
		return "", ErrNoActiveChallenge
	}
	if time.Since(issuedAt) > ChallengeTTL {
		return "", fmt.Errorf("%w: challenge expired", ErrNoActiveChallenge)
	}
	return challenge, nil
}
