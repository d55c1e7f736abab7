// Package mail maps mailbox operations onto Microsoft Graph REST calls.
// Each operation is a thin one-to-one mapping; all retry, throttling, and
// auth behaviour lives in the graph client underneath.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Message is an Outlook message from Microsoft Graph.
type Message struct {
	ID               string        `json:"id"`
	Subject          string        `json:"subject"`
	BodyPreview      string        `json:"bodyPreview"`
	Body             *MessageBody  `json:"body,omitempty"`
	From             *EmailAddress `json:"from,omitempty"`
	ToRecipients     []Recipient   `json:"toRecipients,omitempty"`
	CcRecipients     []Recipient   `json:"ccRecipients,omitempty"`
	ReceivedDateTime string        `json:"receivedDateTime,omitempty"`
	SentDateTime     string        `json:"sentDateTime,omitempty"`
	IsRead           bool          `json:"isRead"`
	IsDraft          bool          `json:"isDraft"`
	Importance       string        `json:"importance,omitempty"`
	ConversationID   string        `json:"conversationId,omitempty"`
	ParentFolderID   string        `json:"parentFolderId,omitempty"`
	WebLink          string        `json:"webLink,omitempty"`
	HasAttachments   bool          `json:"hasAttachments"`
}

// MessageBody is the body of an email.
type MessageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// EmailAddress is an address with optional display name.
type EmailAddress struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// Recipient is an email recipient.
type Recipient struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// NewRecipient builds a recipient from a bare address.
func NewRecipient(address string) Recipient {
	var r Recipient
	r.EmailAddress.Address = address
	return r
}

// listResponse is Graph's collection envelope.
type listResponse[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Requester issues Graph calls; satisfied by *graph.Client.
type Requester interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Post(ctx context.Context, path string, body any) (json.RawMessage, error)
	Patch(ctx context.Context, path string, body any) (json.RawMessage, error)
	Delete(ctx context.Context, path string) (json.RawMessage, error)
}

// Service exposes mailbox operations for one account.
type Service struct {
	client   Requester
	userPath string
}

// NewService creates a mail service. userID selects the mailbox under
// application permissions; empty means the delegated /me path.
func NewService(client Requester, userID string) *Service {
	userPath := "me"
	if userID != "" {
		userPath = "users/" + url.PathEscape(userID)
	}
	return &Service{client: client, userPath: userPath}
}

// messageSelect keeps list payloads small.
const messageSelect = "id,subject,bodyPreview,from,toRecipients,receivedDateTime,sentDateTime,isRead,isDraft,importance,conversationId,parentFolderId,webLink,hasAttachments"

// List returns messages from a folder, newest first. folder may be a
// well-known name ("inbox", "sentitems", "drafts") or a folder ID.
func (s *Service) List(ctx context.Context, folder string, top int) ([]Message, error) {
	if folder == "" {
		folder = "inbox"
	}
	if top <= 0 {
		top = 25
	}

	q := url.Values{
		"$select":  {messageSelect},
		"$top":     {strconv.Itoa(top)},
		"$orderby": {"receivedDateTime desc"},
	}
	path := fmt.Sprintf("%s/mailFolders/%s/messages?%s", s.userPath, url.PathEscape(folder), q.Encode())

	data, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out listResponse[Message]
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("mail: decode message list: %w", err)
	}
	return out.Value, nil
}

// Search finds messages matching a free-text query across the mailbox.
func (s *Service) Search(ctx context.Context, query string, top int) ([]Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("mail: empty search query")
	}
	if top <= 0 {
		top = 25
	}

	q := url.Values{
		"$select": {messageSelect},
		"$top":    {strconv.Itoa(top)},
		"$search": {`"` + strings.ReplaceAll(query, `"`, ``) + `"`},
	}
	path := fmt.Sprintf("%s/messages?%s", s.userPath, q.Encode())

	data, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out listResponse[Message]
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("mail: decode search results: %w", err)
	}
	return out.Value, nil
}

// Get fetches one message, including its full body.
func (s *Service) Get(ctx context.Context, messageID string) (*Message, error) {
	path := fmt.Sprintf("%s/messages/%s", s.userPath, url.PathEscape(messageID))
	data, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("mail: decode message: %w", err)
	}
	return &msg, nil
}

// MarkRead updates a message's read flag.
func (s *Service) MarkRead(ctx context.Context, messageID string, read bool) error {
	path := fmt.Sprintf("%s/messages/%s", s.userPath, url.PathEscape(messageID))
	_, err := s.client.Patch(ctx, path, map[string]any{"isRead": read})
	return err
}
