package ceremony

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/yakshears/passgate/internal/models"
)

// WebAuthnVerifier implements Verifier on top of go-webauthn. It owns the
// relying-party binding: every challenge it issues and every response it
// checks is scoped to the configured RP id and origins.
type WebAuthnVerifier struct {
	wa *webauthn.WebAuthn
}

func NewWebAuthnVerifier(rpID, rpDisplayName string, rpOrigins []string) (*WebAuthnVerifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create WebAuthn instance: %w", err)
	}
	return &WebAuthnVerifier{wa: wa}, nil
}

func (v *WebAuthnVerifier) RegistrationOptions(user *models.User) (*protocol.CredentialCreation, string, error) {
	options, sessionData, err := v.wa.BeginRegistration(
		user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}),
		webauthn.WithConveyancePreference(protocol.PreferDirectAttestation),
		webauthn.WithCredentialParameters([]protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
		}),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin registration: %w", err)
	}
	return options, sessionData.Challenge, nil
}

func (v *WebAuthnVerifier) AuthenticationOptions(user *models.User) (*protocol.CredentialAssertion, string, error) {
	options, sessionData, err := v.wa.BeginLogin(
		user,
		webauthn.WithUserVerification(protocol.VerificationPreferred),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin login: %w", err)
	}
	return options, sessionData.Challenge, nil
}

func (v *WebAuthnVerifier) VerifyRegistration(user *models.User, challenge string, response []byte) (*models.CredentialEntry, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation response: %w", err)
	}

	sessionData := webauthn.SessionData{
		Challenge:        challenge,
		UserID:           user.WebAuthnID(),
		UserVerification: protocol.VerificationPreferred,
	}
	credential, err := v.wa.CreateCredential(user, sessionData, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to verify attestation: %w", err)
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}
	return &models.CredentialEntry{
		ID:         base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKey:  credential.PublicKey,
		SignCount:  credential.Authenticator.SignCount,
		Transports: transports,
	}, nil
}

func (v *WebAuthnVerifier) AssertionCredentialID(response []byte) (string, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return "", fmt.Errorf("failed to parse assertion response: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(parsed.RawID), nil
}

func (v *WebAuthnVerifier) VerifyAuthentication(user *models.User, challenge string, credential *models.CredentialEntry, response []byte) (uint32, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return 0, fmt.Errorf("failed to parse assertion response: %w", err)
	}

	rawID, err := base64.RawURLEncoding.DecodeString(credential.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to decode credential id: %w", err)
	}
	sessionData := webauthn.SessionData{
		Challenge:            challenge,
		UserID:               user.WebAuthnID(),
		AllowedCredentialIDs: [][]byte{rawID},
		UserVerification:     protocol.VerificationPreferred,
	}
	verified, err := v.wa.ValidateLogin(user, sessionData, parsed)
	if err != nil {
		return 0, fmt.Errorf("failed to verify assertion: %w", err)
	}

	// go-webauthn reports a counter that failed to advance as a clone
	// warning instead of an error; a cloned authenticator must not
	// authenticate.
	if verified.Authenticator.CloneWarning {
		return 0, fmt.Errorf("sign count did not advance, authenticator may be cloned")
	}
	return verified.Authenticator.SignCount, nil
}
