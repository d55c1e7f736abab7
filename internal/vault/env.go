package vault

import (
	"fmt"
	"os"
	"strings"
)

// Env reads registration material from environment variables. It exists
// for CI and non-darwin hosts where no keychain is available; values are
// still provisioned out of band and read-only here.
//
// Entry names map to variables by uppercasing and replacing "-" with "_":
// "work-M365-Client-ID" becomes M365CTL_WORK_M365_CLIENT_ID.
type Env struct {
	// Prefix defaults to "M365CTL_".
	Prefix string
}

var _ Vault = (*Env)(nil)

// NewEnv returns an environment-backed vault.
func NewEnv() *Env {
	return &Env{}
}

// Registration implements Vault.
func (e *Env) Registration(profile string) (*Registration, error) {
	return buildRegistration(profile, func(name string) (string, bool) {
		v := os.Getenv(e.varName(name))
		return v, v != ""
	})
}

// PrivateKey implements Vault.
func (e *Env) PrivateKey(profile string) ([]byte, error) {
	name := entryName(profile, keyCertKey)
	value := os.Getenv(e.varName(name))
	if value == "" {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationMissing, name)
	}
	return decodeKeyMaterial(value)
}

func (e *Env) varName(entry string) string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "M365CTL_"
	}
	name := strings.ToUpper(strings.ReplaceAll(entry, "-", "_"))
	return prefix + name
}

// Open selects the best available vault backend for this host: the macOS
// keychain when present, the environment otherwise.
func Open() Vault {
	kc := NewKeychain()
	if kc.Available() {
		return kc
	}
	return NewEnv()
}
