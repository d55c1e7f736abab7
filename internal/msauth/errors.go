package msauth

import (
	"errors"

	"github.com/halcyon-labs/m365ctl/internal/vault"
)

// Error kinds surfaced to callers. Auth failures are never silently
// retried into a fresh device-code flow; the caller re-initiates Connect
// explicitly.
var (
	// ErrRegistrationMissing re-exports the vault sentinel: no app
	// registration is provisioned for the profile.
	ErrRegistrationMissing = vault.ErrRegistrationMissing

	// ErrAuthDenied indicates the user declined the device-code request.
	ErrAuthDenied = errors.New("msauth: authorization denied")

	// ErrAuthExpired indicates the device code expired before approval.
	ErrAuthExpired = errors.New("msauth: device code expired before approval")

	// ErrReauthRequired indicates no usable token exists and refresh is
	// impossible (absent, revoked, or undecryptable). The caller must run
	// the device-code flow again via Connect.
	ErrReauthRequired = errors.New("msauth: reauthentication required")
)

// tokenError is the identity platform's OAuth2 error payload.
type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// Known token endpoint error codes for the device-code grant.
const (
	codeAuthorizationPending = "authorization_pending"
	codeSlowDown             = "slow_down"
	codeExpiredToken         = "expired_token"
	codeAccessDenied         = "access_denied"
	codeBadVerification      = "bad_verification_code"
)
