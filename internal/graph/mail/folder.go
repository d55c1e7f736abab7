package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Folder is an Outlook mail folder.
type Folder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId,omitempty"`
	ChildFolderCount int    `json:"childFolderCount"`
	UnreadItemCount  int    `json:"unreadItemCount"`
	TotalItemCount   int    `json:"totalItemCount"`
}

// ListFolders returns the mailbox's top-level folders.
func (s *Service) ListFolders(ctx context.Context) ([]Folder, error) {
	data, err := s.client.Get(ctx, s.userPath+"/mailFolders?$top=100")
	if err != nil {
		return nil, err
	}
	var out listResponse[Folder]
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("mail: decode folder list: %w", err)
	}
	return out.Value, nil
}

// CreateFolder creates a top-level mail folder.
func (s *Service) CreateFolder(ctx context.Context, displayName string) (*Folder, error) {
	if displayName == "" {
		return nil, fmt.Errorf("mail: empty folder name")
	}
	data, err := s.client.Post(ctx, s.userPath+"/mailFolders",
		map[string]any{"displayName": displayName})
	if err != nil {
		return nil, err
	}
	var folder Folder
	if err := json.Unmarshal(data, &folder); err != nil {
		return nil, fmt.Errorf("mail: decode folder: %w", err)
	}
	return &folder, nil
}

// MoveMessage moves a message into a folder.
func (s *Service) MoveMessage(ctx context.Context, messageID, folderID string) (*Message, error) {
	path := fmt.Sprintf("%s/messages/%s/move", s.userPath, url.PathEscape(messageID))
	data, err := s.client.Post(ctx, path, map[string]any{"destinationId": folderID})
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("mail: decode moved message: %w", err)
	}
	return &msg, nil
}
