package mail

import (
	"context"
	"fmt"
)

// SendRequest describes an outgoing message.
type SendRequest struct {
	Subject  string
	Body     string
	BodyType string // "Text" or "HTML"; defaults to Text
	To       []string
	Cc       []string
	SaveCopy bool
}

// sendMailPayload is the Graph sendMail envelope.
type sendMailPayload struct {
	Message         outgoingMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type outgoingMessage struct {
	Subject      string      `json:"subject"`
	Body         MessageBody `json:"body"`
	ToRecipients []Recipient `json:"toRecipients"`
	CcRecipients []Recipient `json:"ccRecipients,omitempty"`
}

func (r *SendRequest) payload() (*sendMailPayload, error) {
	if len(r.To) == 0 {
		return nil, fmt.Errorf("mail: no recipients")
	}
	bodyType := r.BodyType
	if bodyType == "" {
		bodyType = "Text"
	}

	msg := outgoingMessage{
		Subject: r.Subject,
		Body:    MessageBody{ContentType: bodyType, Content: r.Body},
	}
	for _, to := range r.To {
		msg.ToRecipients = append(msg.ToRecipients, NewRecipient(to))
	}
	for _, cc := range r.Cc {
		msg.CcRecipients = append(msg.CcRecipients, NewRecipient(cc))
	}
	return &sendMailPayload{Message: msg, SaveToSentItems: r.SaveCopy}, nil
}

// Send submits a message via sendMail. Graph accepts the send for
// asynchronous delivery with a 202 and no body; a nil error means
// accepted, not yet delivered.
func (s *Service) Send(ctx context.Context, req *SendRequest) error {
	payload, err := req.payload()
	if err != nil {
		return err
	}
	_, err = s.client.Post(ctx, s.userPath+"/sendMail", payload)
	return err
}

// Reply sends a reply to an existing message. Also a 202-style accept.
func (s *Service) Reply(ctx context.Context, messageID, comment string) error {
	path := fmt.Sprintf("%s/messages/%s/reply", s.userPath, messageID)
	_, err := s.client.Post(ctx, path, map[string]any{"comment": comment})
	return err
}
