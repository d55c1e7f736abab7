// Package app wires the credential core together for the CLI and MCP
// server: config, vault, cipher, token store, rate limiter, state
// machine, and Graph client, one set per profile.
package app

import (
	"fmt"

	"github.com/halcyon-labs/m365ctl/internal/config"
	"github.com/halcyon-labs/m365ctl/internal/cryptox"
	"github.com/halcyon-labs/m365ctl/internal/graph"
	"github.com/halcyon-labs/m365ctl/internal/graph/contacts"
	"github.com/halcyon-labs/m365ctl/internal/graph/mail"
	"github.com/halcyon-labs/m365ctl/internal/msauth"
	"github.com/halcyon-labs/m365ctl/internal/ratelimit"
	"github.com/halcyon-labs/m365ctl/internal/tokenstore"
	"github.com/halcyon-labs/m365ctl/internal/vault"
)

// App holds one profile's fully wired component set.
type App struct {
	Profile  string
	Dir      string
	Config   config.Config
	Vault    vault.Vault
	Store    *tokenstore.Store
	Limiter  *ratelimit.Limiter
	Auth     *msauth.Authenticator
	Graph    *graph.Client
	Mail     *mail.Service
	Contacts *contacts.Service
}

// Open builds the component set for a profile. An empty profile selects
// the active profile (falling back to the config default).
func Open(profile string) (*App, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if profile == "" {
		profile = config.ActiveProfile(dir, cfg.DefaultProfile)
	}

	secret, err := cryptox.MachineSecret()
	if err != nil {
		return nil, err
	}
	cipher, err := cryptox.New(secret)
	if err != nil {
		return nil, err
	}

	tokenDir := cfg.TokenDir
	if tokenDir == "" {
		tokenDir = dir
	}
	store, err := tokenstore.NewStore(tokenDir, cipher)
	if err != nil {
		return nil, err
	}

	v := vault.Open()
	limiter := ratelimit.New(ratelimit.Config{
		WindowRequests: cfg.RateLimit.WindowRequests,
		Window:         cfg.RateLimit.Window(),
		SmoothRPS:      cfg.RateLimit.SmoothRPS,
		Burst:          cfg.RateLimit.Burst,
	})

	auth := msauth.New(profile, v, store, limiter, msauth.Options{})
	client := graph.NewClient(auth, limiter, graph.Options{BaseURL: cfg.GraphBaseURL})

	// Under application permissions Graph paths address the mailbox as
	// /users/{id}; the user ID rides along in the registration. A missing
	// registration is surfaced later by Connect, not here.
	userID := ""
	if reg, err := v.Registration(profile); err == nil {
		userID = reg.UserID
	}

	return &App{
		Profile:  profile,
		Dir:      dir,
		Config:   cfg,
		Vault:    v,
		Store:    store,
		Limiter:  limiter,
		Auth:     auth,
		Graph:    client,
		Mail:     mail.NewService(client, userID),
		Contacts: contacts.NewService(client, userID),
	}, nil
}

// SetActiveProfile records the active profile for subsequent invocations.
func SetActiveProfile(profile string) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := config.SetActiveProfile(dir, profile); err != nil {
		return fmt.Errorf("set active profile: %w", err)
	}
	return nil
}
