package outbox

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ConversationID identifies the remote conversation a message belongs to.
type ConversationID string

// Message is a locally persisted outgoing text message.
type Message struct {
	// ServerID is assigned by the remote endpoint on acceptance, empty until then.
	ServerID string
	// ClientKey is generated once at creation and doubles as the idempotency token.
	ClientKey      string
	ConversationID ConversationID
	Text           string
	// CreatedAt orders messages for display, ties are broken by insertion order.
	CreatedAt time.Time
	Status    Status
}

// Outgoing returns the payload handed to a Transport.
func (m Message) Outgoing() Outgoing {
	return Outgoing{
		ClientKey:      m.ClientKey,
		ConversationID: m.ConversationID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

// Update is a partial change applied by Store.Update. Nil fields are left untouched.
type Update struct {
	ServerID *string
	Status   *Status
}

// StatusUpdate returns an Update that only changes the status.
func StatusUpdate(status Status) Update {
	return Update{Status: &status}
}

// AcceptedUpdate returns an Update that marks the message sent.
// An empty serverID keeps the stored one.
func AcceptedUpdate(serverID string) Update {
	status := StatusSent
	if serverID == "" {
		return Update{Status: &status}
	}

	return Update{ServerID: &serverID, Status: &status}
}

// IsZero reports whether the update changes nothing.
func (u Update) IsZero() bool {
	return u.ServerID == nil && u.Status == nil
}

// Apply returns a copy of msg with the provided fields replaced.
func (u Update) Apply(msg Message) Message {
	if u.ServerID != nil {
		msg.ServerID = *u.ServerID
	}
	if u.Status != nil {
		msg.Status = *u.Status
	}

	return msg
}

// ValidateText checks a message body before it is enqueued.
// maxRunes <= 0 disables the length check.
func ValidateText(text string, maxRunes int) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return ErrTextTooLong
	}

	return nil
}
