// Package vault reads per-profile app registration material from secure
// platform storage.
//
// Entries follow the {Profile}-M365-{Key} naming convention, e.g.
// "work-M365-Client-ID". The vault is strictly read-only from m365ctl's
// perspective: registrations are provisioned out of band (Azure portal +
// keychain tooling) and never written here.
package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Entry name suffixes within a profile's {Profile}-M365-* namespace.
const (
	keyClientID   = "Client-ID"
	keyTenantID   = "Tenant-ID"
	keyUserID     = "User-ID"
	keyThumbprint = "Cert-Thumbprint"
	keyCertKey    = "Cert-Key"
)

// ErrRegistrationMissing indicates the profile has no (or an incomplete)
// app registration in the vault. This is distinct from "not yet
// authenticated": without a registration no auth attempt can be made.
var ErrRegistrationMissing = errors.New("vault: app registration missing")

// Registration is the app registration material for one profile.
// The certificate itself stays in the vault; only its thumbprint travels
// with the registration, and the private key is fetched separately when a
// client assertion must be signed.
type Registration struct {
	// TenantID is the Azure AD tenant (directory) ID.
	TenantID string
	// ClientID is the app registration (application) ID.
	ClientID string
	// Thumbprint is the base64url SHA-256 thumbprint of the registered
	// certificate, sent as the x5t#S256 assertion header.
	Thumbprint string
	// UserID is the mailbox owner, used for /users/{id} Graph paths
	// under application permissions.
	UserID string
}

// Vault provides read access to per-profile registration material.
type Vault interface {
	// Registration loads the app registration for a profile. Returns
	// ErrRegistrationMissing if any required entry is absent.
	Registration(profile string) (*Registration, error)
	// PrivateKey returns the PEM-encoded certificate private key for a
	// profile. Returns ErrRegistrationMissing if absent.
	PrivateKey(profile string) ([]byte, error)
}

// entryName builds the storage entry name for a profile key.
func entryName(profile, key string) string {
	return fmt.Sprintf("%s-M365-%s", profile, key)
}

// decodeKeyMaterial accepts either raw PEM or base64-wrapped PEM. Keychain
// entries are single-line strings, so provisioning tools store the key
// base64-encoded.
func decodeKeyMaterial(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "-----BEGIN") {
		return []byte(value), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("vault: decode private key: %w", err)
	}
	return decoded, nil
}

// buildRegistration assembles a Registration from a lookup function,
// enforcing the required-fields invariant.
func buildRegistration(profile string, get func(name string) (string, bool)) (*Registration, error) {
	reg := &Registration{}
	var ok bool

	if reg.ClientID, ok = get(entryName(profile, keyClientID)); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationMissing, entryName(profile, keyClientID))
	}
	if reg.TenantID, ok = get(entryName(profile, keyTenantID)); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationMissing, entryName(profile, keyTenantID))
	}
	if reg.Thumbprint, ok = get(entryName(profile, keyThumbprint)); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationMissing, entryName(profile, keyThumbprint))
	}
	// UserID is optional; delegated tokens use /me paths.
	reg.UserID, _ = get(entryName(profile, keyUserID))
	return reg, nil
}
