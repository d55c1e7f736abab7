package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// CreateDraft saves a message into the Drafts folder without sending it.
func (s *Service) CreateDraft(ctx context.Context, req *SendRequest) (*Message, error) {
	payload, err := req.payload()
	if err != nil {
		return nil, err
	}
	data, err := s.client.Post(ctx, s.userPath+"/messages", payload.Message)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("mail: decode draft: %w", err)
	}
	return &msg, nil
}

// ListDrafts returns messages from the Drafts folder.
func (s *Service) ListDrafts(ctx context.Context, top int) ([]Message, error) {
	return s.List(ctx, "drafts", top)
}

// SendDraft submits an existing draft. Accepted asynchronously (202).
func (s *Service) SendDraft(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("%s/messages/%s/send", s.userPath, url.PathEscape(messageID))
	_, err := s.client.Post(ctx, path, nil)
	return err
}

// DeleteDraft removes a draft message.
func (s *Service) DeleteDraft(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("%s/messages/%s", s.userPath, url.PathEscape(messageID))
	_, err := s.client.Delete(ctx, path)
	return err
}
