package models

import (
	"encoding/base64"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// CredentialEntry is one enrolled public-key credential. The ID is the
// base64url-encoded credential id handed out by the authenticator and is
// unique across the whole directory, not just within one user.
type CredentialEntry struct {
	ID         string   `json:"id"`
	PublicKey  []byte   `json:"public_key"`
	SignCount  uint32   `json:"sign_count"`
	Transports []string `json:"transports,omitempty"`
}

// User is an identity record. ID is system-generated (32 hex chars) and is
// also used as the WebAuthn user handle. CurrentChallenge holds the single
// outstanding ceremony challenge, base64url-encoded; empty means no ceremony
// is in flight. Starting a new ceremony overwrites it.
type User struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	DisplayName       string            `json:"display_name"`
	Credentials       []CredentialEntry `json:"credentials"`
	CurrentChallenge  string            `json:"current_challenge,omitempty"`
	ChallengeIssuedAt time.Time         `json:"challenge_issued_at,omitzero"`
}

// Clone returns a deep copy so callers can read a user without holding the
// directory lock.
func (u *User) Clone() *User {
	c := *u
	c.Credentials = make([]CredentialEntry, len(u.Credentials))
	copy(c.Credentials, u.Credentials)
	for i, cred := range u.Credentials {
		if cred.Transports != nil {
			c.Credentials[i].Transports = append([]string(nil), cred.Transports...)
		}
	}
	return &c
}

// Credential returns the enrolled credential with the given id, or nil.
func (u *User) Credential(credentialID string) *CredentialEntry {
	for i := range u.Credentials {
		if u.Credentials[i].ID == credentialID {
			return &u.Credentials[i]
		}
	}
	return nil
}

// WebAuthnID implements webauthn.User.
func (u *User) WebAuthnID() []byte {
	return []byte(u.ID)
}

// WebAuthnName implements webauthn.User.
func (u *User) WebAuthnName() string {
	return u.Name
}

// WebAuthnDisplayName implements webauthn.User.
func (u *User) WebAuthnDisplayName() string {
	return u.DisplayName
}

// WebAuthnCredentials implements webauthn.User. Entries whose id fails to
// decode are skipped rather than failing the whole ceremony.
func (u *User) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.Credentials))
	for _, entry := range u.Credentials {
		cred, err := entry.WebAuthnCredential()
		if err != nil {
			continue
		}
		creds = append(creds, cred)
	}
	return creds
}

// WebAuthnIcon implements webauthn.User.
func (u *User) WebAuthnIcon() string {
	return ""
}

// WebAuthnCredential converts the stored entry into the library's credential
// shape for signature verification.
func (e CredentialEntry) WebAuthnCredential() (webauthn.Credential, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(e.ID)
	if err != nil {
		return webauthn.Credential{}, err
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(e.Transports))
	for _, t := range e.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        rawID,
		PublicKey: e.PublicKey,
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: e.SignCount,
		},
	}, nil
}
