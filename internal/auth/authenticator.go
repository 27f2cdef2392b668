// Package auth validates the credential presented during the connection
// handshake and resolves it to an identity.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// DefaultMaxCredentialBytes bounds the size of an accepted credential.
const DefaultMaxCredentialBytes = 4096

// Authenticator implements the handshake credential check. It never touches
// the connection registry.
type Authenticator struct {
	verifier        realtime.CredentialVerifier
	users           realtime.UserLookup
	maxCredentialSz int
	logger          zerolog.Logger
}

// NewAuthenticator creates an Authenticator. maxCredentialBytes <= 0 uses
// DefaultMaxCredentialBytes.
func NewAuthenticator(verifier realtime.CredentialVerifier, users realtime.UserLookup, maxCredentialBytes int, logger zerolog.Logger) (*Authenticator, error) {
	if verifier == nil {
		return nil, fmt.Errorf("credential verifier cannot be nil")
	}
	if users == nil {
		return nil, fmt.Errorf("user lookup cannot be nil")
	}
	if maxCredentialBytes <= 0 {
		maxCredentialBytes = DefaultMaxCredentialBytes
	}
	return &Authenticator{
		verifier:        verifier,
		users:           users,
		maxCredentialSz: maxCredentialBytes,
		logger:          logger.With().Str("component", "Authenticator").Logger(),
	}, nil
}

// Authenticate resolves rawCredential to an Identity. Every failure wraps
// realtime.ErrAuthentication, including an unreachable user lookup.
func (a *Authenticator) Authenticate(ctx context.Context, rawCredential string) (*realtime.Identity, error) {
	token := strings.TrimSpace(rawCredential)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}

	switch {
	case token == "":
		return nil, authError("missing credential")
	case len(token) > a.maxCredentialSz:
		return nil, authError("credential too large")
	}

	claims, err := a.verifier.Verify(ctx, token)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Credential verification failed.")
		return nil, authError("invalid credential")
	}
	if claims == nil || claims.Subject == "" {
		return nil, authError("credential has no subject")
	}

	identity, err := a.users.FindByID(ctx, claims.Subject)
	if err != nil {
		a.logger.Error().Err(err).Str("user", claims.Subject).Msg("User lookup failed during handshake.")
		return nil, fmt.Errorf("%w: user lookup unavailable: %w", realtime.ErrAuthentication, err)
	}
	if identity == nil {
		return nil, authError("user not found")
	}

	// The lookup is the source of truth; claims only fill gaps.
	resolved := *identity
	if resolved.UserID == "" {
		resolved.UserID = claims.Subject
	}
	if resolved.DisplayName == "" {
		resolved.DisplayName = claims.Name
	}
	if resolved.Role == "" {
		resolved.Role = claims.Role
	}
	if resolved.Role == "" {
		resolved.Role = realtime.RoleUser
	}
	return &resolved, nil
}

func authError(reason string) error {
	return fmt.Errorf("%w: %s", realtime.ErrAuthentication, reason)
}
