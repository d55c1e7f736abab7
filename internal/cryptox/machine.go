package cryptox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// MachineSecret returns a stable identifier for this machine, used as the
// KDF input so token files only decrypt on the host that wrote them.
//
// Sources, in order:
//  1. M365CTL_MACHINE_SECRET environment variable (tests, containers)
//  2. /etc/machine-id, /var/lib/dbus/machine-id (Linux)
//  3. IOPlatformUUID via ioreg (macOS)
//  4. hostname + uid, as a last resort
func MachineSecret() ([]byte, error) {
	if v := os.Getenv("M365CTL_MACHINE_SECRET"); v != "" {
		return []byte(v), nil
	}

	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return []byte(id), nil
			}
		}
	}

	if runtime.GOOS == "darwin" {
		if id, err := darwinPlatformUUID(); err == nil && id != "" {
			return []byte(id), nil
		}
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("cryptox: machine secret unavailable: %w", err)
	}
	return []byte(host + ":" + strconv.Itoa(os.Getuid())), nil
}

// darwinPlatformUUID extracts IOPlatformUUID from ioreg output.
func darwinPlatformUUID() (string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", fmt.Errorf("cryptox: ioreg: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		parts := strings.Split(line, "\"")
		// Line shape: "IOPlatformUUID" = "XXXX-..."; the UUID is the
		// fourth quoted segment.
		if len(parts) >= 4 {
			return parts[3], nil
		}
	}
	return "", errors.New("cryptox: IOPlatformUUID not found")
}
