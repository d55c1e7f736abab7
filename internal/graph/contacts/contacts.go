// Package contacts maps address book operations onto Microsoft Graph
// REST calls, mirroring the thin mapping style of the mail package.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Contact is an Outlook contact from Microsoft Graph.
type Contact struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"displayName"`
	GivenName      string         `json:"givenName,omitempty"`
	Surname        string         `json:"surname,omitempty"`
	EmailAddresses []EmailAddress `json:"emailAddresses,omitempty"`
	MobilePhone    string         `json:"mobilePhone,omitempty"`
	BusinessPhones []string       `json:"businessPhones,omitempty"`
	CompanyName    string         `json:"companyName,omitempty"`
	JobTitle       string         `json:"jobTitle,omitempty"`
}

// EmailAddress is a contact email with optional display name.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// PrimaryEmail returns the contact's first email address, if any.
func (c *Contact) PrimaryEmail() string {
	if len(c.EmailAddresses) == 0 {
		return ""
	}
	return c.EmailAddresses[0].Address
}

// listResponse is Graph's collection envelope.
type listResponse struct {
	Value []Contact `json:"value"`
}

// Requester issues Graph calls; satisfied by *graph.Client.
type Requester interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// Service exposes address book operations for one account.
type Service struct {
	client   Requester
	userPath string
}

// NewService creates a contacts service. userID selects the mailbox under
// application permissions; empty means the delegated /me path.
func NewService(client Requester, userID string) *Service {
	userPath := "me"
	if userID != "" {
		userPath = "users/" + url.PathEscape(userID)
	}
	return &Service{client: client, userPath: userPath}
}

const contactSelect = "id,displayName,givenName,surname,emailAddresses,mobilePhone,businessPhones,companyName,jobTitle"

// List returns contacts ordered by display name.
func (s *Service) List(ctx context.Context, top int) ([]Contact, error) {
	if top <= 0 {
		top = 50
	}
	if top > 1000 {
		top = 1000
	}

	q := url.Values{
		"$select":  {contactSelect},
		"$top":     {strconv.Itoa(top)},
		"$orderby": {"displayName"},
	}
	path := fmt.Sprintf("%s/contacts?%s", s.userPath, q.Encode())

	data, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out listResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("contacts: decode contact list: %w", err)
	}
	return out.Value, nil
}

// Search finds contacts whose name or company starts with the query.
func (s *Service) Search(ctx context.Context, query string, top int) ([]Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("contacts: empty search query")
	}
	if top <= 0 {
		top = 25
	}

	// OData string literals escape single quotes by doubling them.
	escaped := strings.ReplaceAll(query, "'", "''")
	filter := fmt.Sprintf(
		"startswith(displayName,'%[1]s') or startswith(givenName,'%[1]s') or "+
			"startswith(surname,'%[1]s') or startswith(companyName,'%[1]s')", escaped)

	q := url.Values{
		"$select": {contactSelect},
		"$top":    {strconv.Itoa(top)},
		"$filter": {filter},
	}
	path := fmt.Sprintf("%s/contacts?%s", s.userPath, q.Encode())

	data, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out listResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("contacts: decode search results: %w", err)
	}
	return out.Value, nil
}

// Get fetches one contact by ID.
func (s *Service) Get(ctx context.Context, contactID string) (*Contact, error) {
	path := fmt.Sprintf("%s/contacts/%s", s.userPath, url.PathEscape(contactID))
	data, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var c Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("contacts: decode contact: %w", err)
	}
	return &c, nil
}
