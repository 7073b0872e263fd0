package email

import (
	"context"
	"time"
)

// SendRequest is one message handed to a provider.
type SendRequest struct {
	To      []string
	From    string // overrides the sender's default when set
	Subject string
	HTML    string
	Text    string // plain-text alternative
	ReplyTo string
}

// SendResult is the provider's acknowledgement.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers notification emails.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}
