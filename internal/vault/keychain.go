package vault

import (
	"bytes"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// keychainAccount is the account name shared by all m365ctl entries.
const keychainAccount = "m365ctl"

// keychainTimeout bounds each security(1) invocation.
const keychainTimeout = 5 * time.Second

// Keychain reads registration material from the macOS keychain via the
// security(1) command line tool.
type Keychain struct {
	// account overrides keychainAccount when set (tests).
	account string
}

var _ Vault = (*Keychain)(nil)

// NewKeychain returns a keychain-backed vault.
func NewKeychain() *Keychain {
	return &Keychain{}
}

// Available reports whether the keychain backend can be used on this
// platform.
func (k *Keychain) Available() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := exec.LookPath("security")
	return err == nil
}

// Registration implements Vault.
func (k *Keychain) Registration(profile string) (*Registration, error) {
	return buildRegistration(profile, func(name string) (string, bool) {
		v, err := k.find(name)
		return v, err == nil && v != ""
	})
}

// PrivateKey implements Vault.
func (k *Keychain) PrivateKey(profile string) ([]byte, error) {
	value, err := k.find(entryName(profile, keyCertKey))
	if err != nil || value == "" {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationMissing, entryName(profile, keyCertKey))
	}
	return decodeKeyMaterial(value)
}

// find reads one generic password entry.
func (k *Keychain) find(service string) (string, error) {
	account := k.account
	if account == "" {
		account = keychainAccount
	}

	cmd := exec.Command("security", "find-generic-password",
		"-a", account, "-s", service, "-w")
	var out bytes.Buffer
	cmd.Stdout = &out

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("vault: run security: %w", err)
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("vault: entry %q not found: %w", service, err)
		}
	case <-time.After(keychainTimeout):
		_ = cmd.Process.Kill()
		return "", fmt.Errorf("vault: security timed out reading %q", service)
	}

	return strings.TrimSpace(out.String()), nil
}
