package app

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/halcyon-labs/m365ctl/internal/config"
	"github.com/halcyon-labs/m365ctl/internal/msauth"
)

// ProfileInfo describes one known profile.
type ProfileInfo struct {
	Name   string        `json:"name"`
	Active bool          `json:"active"`
	Status msauth.Status `json:"status"`
}

// tokenFileSuffix matches the token store's per-profile file naming.
const tokenFileSuffix = "-M365.json"

// ListProfiles enumerates the profiles known to this host: any profile
// with a token record on disk, plus the active profile itself (which may
// not have authenticated yet). Each entry carries the profile's full auth
// status.
func ListProfiles() ([]ProfileInfo, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	active := config.ActiveProfile(dir, cfg.DefaultProfile)

	tokenDir := cfg.TokenDir
	if tokenDir == "" {
		tokenDir = dir
	}

	names := map[string]bool{active: true}
	entries, err := os.ReadDir(tokenDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, tokenFileSuffix) {
			continue
		}
		if profile := strings.TrimSuffix(name, tokenFileSuffix); profile != "" {
			names[profile] = true
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	profiles := make([]ProfileInfo, 0, len(sorted))
	for _, name := range sorted {
		a, err := Open(name)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, ProfileInfo{
			Name:   name,
			Active: name == active,
			Status: a.Auth.Status(),
		})
	}
	return profiles, nil
}
