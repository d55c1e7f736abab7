// Package mcpserver exposes mailbox and authentication operations as MCP
// tools over stdio, for consumption by tool-calling agents.
//
// The tools are thin: argument structs map one-to-one onto the mail
// service and authenticator calls; everything stateful (tokens, rate
// limiting, retries) lives in the layers underneath.
package mcpserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/halcyon-labs/m365ctl/internal/app"
	"github.com/halcyon-labs/m365ctl/internal/graph/contacts"
	"github.com/halcyon-labs/m365ctl/internal/graph/mail"
	"github.com/halcyon-labs/m365ctl/internal/logger"
	"github.com/halcyon-labs/m365ctl/internal/msauth"
)

// Server hosts the MCP tool surface. Apps are built lazily per profile
// and cached, so each profile keeps a single state machine instance for
// the whole session.
type Server struct {
	version string

	mu   sync.Mutex
	apps map[string]*app.App
}

// New creates an MCP server.
func New(version string) *Server {
	return &Server{version: version, apps: make(map[string]*app.App)}
}

// app returns the cached component set for a profile, building it on
// first use. Empty selects the active profile.
func (s *Server) app(profile string) (*app.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.apps[profile]; ok {
		return a, nil
	}
	a, err := app.Open(profile)
	if err != nil {
		return nil, err
	}
	s.apps[profile] = a
	return a, nil
}

// Run serves MCP over stdio until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	logger.New(logger.Config{Service: "m365ctl", Version: s.version, Format: "json"})

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "m365ctl",
		Version: s.version,
	}, nil)

	s.registerAuthTools(srv)
	s.registerMailTools(srv)

	return srv.Run(ctx, &mcp.StdioTransport{})
}

// profileArg is shared by tools that take an optional profile.
type profileArg struct {
	Profile string `json:"profile,omitempty" jsonschema:"profile name; defaults to the active profile"`
}

func (s *Server) registerAuthTools(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_auth_status",
		Description: "Check Microsoft 365 authentication status for a profile",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in profileArg) (*mcp.CallToolResult, msauth.Status, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, msauth.Status{}, err
		}
		return nil, a.Auth.Status(), nil
	})

	type connectOut struct {
		Profile string `json:"profile"`
		Account string `json:"account,omitempty"`
		Status  string `json:"status"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name: "m365_connect",
		Description: "Authenticate with Microsoft 365 using the device-code flow. " +
			"Returns after the user approves the code shown in the result message.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in profileArg) (*mcp.CallToolResult, connectOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, connectOut{}, err
		}
		dc, err := a.Auth.Connect(ctx)
		if err != nil {
			return nil, connectOut{}, err
		}

		// Surface the verification code immediately so the agent can show
		// it, then wait for approval within the device code's lifetime.
		msg := dc.Message
		if msg == "" {
			msg = fmt.Sprintf("Open %s and enter the code %s", dc.VerificationURI, dc.UserCode)
		}
		res := &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		}

		rec, err := a.Auth.Wait(ctx, dc)
		if err != nil {
			return res, connectOut{Profile: a.Profile, Status: "failed"}, err
		}
		return res, connectOut{Profile: a.Profile, Account: rec.Account, Status: "connected"}, nil
	})

	type disconnectOut struct {
		Profile string `json:"profile"`
		Status  string `json:"status"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_disconnect",
		Description: "Disconnect from Microsoft 365 and delete stored tokens",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in profileArg) (*mcp.CallToolResult, disconnectOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, disconnectOut{}, err
		}
		if err := a.Auth.Disconnect(); err != nil {
			return nil, disconnectOut{}, err
		}
		return nil, disconnectOut{Profile: a.Profile, Status: "disconnected"}, nil
	})

	type setProfileIn struct {
		Profile string `json:"profile" jsonschema:"profile name to activate"`
	}
	type setProfileOut struct {
		Profile string `json:"profile"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_set_profile",
		Description: "Switch the active Microsoft 365 tenant profile",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in setProfileIn) (*mcp.CallToolResult, setProfileOut, error) {
		if err := app.SetActiveProfile(in.Profile); err != nil {
			return nil, setProfileOut{}, err
		}
		return nil, setProfileOut{Profile: in.Profile}, nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_list_profiles",
		Description: "List known Microsoft 365 profiles with their auth status",
	}, s.listProfiles)
}

// listProfilesOut is the m365_list_profiles result payload.
type listProfilesOut struct {
	ActiveProfile string            `json:"active_profile"`
	Profiles      []app.ProfileInfo `json:"profiles"`
}

func (s *Server) listProfiles(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, listProfilesOut, error) {
	profiles, err := app.ListProfiles()
	if err != nil {
		return nil, listProfilesOut{}, err
	}
	out := listProfilesOut{Profiles: profiles}
	for _, p := range profiles {
		if p.Active {
			out.ActiveProfile = p.Name
		}
	}
	return nil, out, nil
}

func (s *Server) registerMailTools(srv *mcp.Server) {
	type listIn struct {
		Profile string `json:"profile,omitempty" jsonschema:"profile name; defaults to the active profile"`
		Folder  string `json:"folder,omitempty" jsonschema:"folder name or ID, e.g. inbox, sentitems"`
		Top     int    `json:"top,omitempty" jsonschema:"maximum messages to return"`
	}
	type listOut struct {
		Messages []mail.Message `json:"messages"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_list_messages",
		Description: "List messages in a mail folder, newest first",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in listIn) (*mcp.CallToolResult, listOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, listOut{}, err
		}
		msgs, err := a.Mail.List(ctx, in.Folder, in.Top)
		if err != nil {
			return nil, listOut{}, err
		}
		return nil, listOut{Messages: msgs}, nil
	})

	type searchIn struct {
		Profile string `json:"profile,omitempty" jsonschema:"profile name; defaults to the active profile"`
		Query   string `json:"query" jsonschema:"free-text search query"`
		Top     int    `json:"top,omitempty" jsonschema:"maximum messages to return"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_search_messages",
		Description: "Search messages across the mailbox",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in searchIn) (*mcp.CallToolResult, listOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, listOut{}, err
		}
		msgs, err := a.Mail.Search(ctx, in.Query, in.Top)
		if err != nil {
			return nil, listOut{}, err
		}
		return nil, listOut{Messages: msgs}, nil
	})

	type sendIn struct {
		Profile string   `json:"profile,omitempty" jsonschema:"profile name; defaults to the active profile"`
		Subject string   `json:"subject" jsonschema:"message subject"`
		Body    string   `json:"body" jsonschema:"message body text"`
		HTML    bool     `json:"html,omitempty" jsonschema:"treat the body as HTML"`
		To      []string `json:"to" jsonschema:"recipient addresses"`
		Cc      []string `json:"cc,omitempty" jsonschema:"cc addresses"`
	}
	type sendOut struct {
		Status string `json:"status"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name: "m365_send_mail",
		Description: "Send a message. Graph accepts sends asynchronously; " +
			"a successful result means accepted for delivery, not delivered.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in sendIn) (*mcp.CallToolResult, sendOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, sendOut{}, err
		}
		req := &mail.SendRequest{
			Subject: in.Subject, Body: in.Body, To: in.To, Cc: in.Cc, SaveCopy: true,
		}
		if in.HTML {
			req.BodyType = "HTML"
		}
		if err := a.Mail.Send(ctx, req); err != nil {
			return nil, sendOut{}, err
		}
		return nil, sendOut{Status: "accepted"}, nil
	})

	type draftOut struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_create_draft",
		Description: "Save a message to the Drafts folder without sending",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in sendIn) (*mcp.CallToolResult, draftOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, draftOut{}, err
		}
		req := &mail.SendRequest{Subject: in.Subject, Body: in.Body, To: in.To, Cc: in.Cc}
		if in.HTML {
			req.BodyType = "HTML"
		}
		draft, err := a.Mail.CreateDraft(ctx, req)
		if err != nil {
			return nil, draftOut{}, err
		}
		return nil, draftOut{ID: draft.ID, Status: "saved"}, nil
	})

	type foldersOut struct {
		Folders []mail.Folder `json:"folders"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_list_folders",
		Description: "List mail folders with unread and total counts",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in profileArg) (*mcp.CallToolResult, foldersOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, foldersOut{}, err
		}
		folders, err := a.Mail.ListFolders(ctx)
		if err != nil {
			return nil, foldersOut{}, err
		}
		return nil, foldersOut{Folders: folders}, nil
	})

	type contactsListIn struct {
		Profile string `json:"profile,omitempty" jsonschema:"profile name; defaults to the active profile"`
		Top     int    `json:"top,omitempty" jsonschema:"maximum contacts to return"`
	}
	type contactsOut struct {
		Contacts []contacts.Contact `json:"contacts"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_list_contacts",
		Description: "List contacts from the address book, ordered by name",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in contactsListIn) (*mcp.CallToolResult, contactsOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, contactsOut{}, err
		}
		list, err := a.Contacts.List(ctx, in.Top)
		if err != nil {
			return nil, contactsOut{}, err
		}
		return nil, contactsOut{Contacts: list}, nil
	})

	type contactsSearchIn struct {
		Profile string `json:"profile,omitempty" jsonschema:"profile name; defaults to the active profile"`
		Query   string `json:"query" jsonschema:"name or company prefix to search for"`
		Top     int    `json:"top,omitempty" jsonschema:"maximum contacts to return"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "m365_search_contacts",
		Description: "Search contacts by name or company",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in contactsSearchIn) (*mcp.CallToolResult, contactsOut, error) {
		a, err := s.app(in.Profile)
		if err != nil {
			return nil, contactsOut{}, err
		}
		list, err := a.Contacts.Search(ctx, in.Query, in.Top)
		if err != nil {
			return nil, contactsOut{}, err
		}
		return nil, contactsOut{Contacts: list}, nil
	})
}
