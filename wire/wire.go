// Package wire defines the HTTP contract between httptransport and receiver.
package wire

import (
	"fmt"
	"net/url"
	"time"
)

// HeaderIdempotencyKey carries the client key of the message being delivered.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderRequestID correlates a request with server logs.
const HeaderRequestID = "X-Request-ID"

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidKey  = "invalid_idempotency_key"
	CodeInvalidBody = "invalid_body"
	CodeEmptyText   = "empty_text"
	CodeTooLong     = "text_too_long"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal_error"
	CodeNotFound    = "not_found"
)

// SendRequest is the body of a message delivery.
type SendRequest struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SendResponse acknowledges a delivery. Duplicate is true when the key was
// accepted by an earlier request.
type SendResponse struct {
	ServerID       string `json:"server_id"`
	ClientKey      string `json:"client_key"`
	ConversationID string `json:"conversation_id"`
	Duplicate      bool   `json:"duplicate"`
}

// Message is an accepted message as listed by the remote endpoint.
type Message struct {
	ServerID       string    `json:"server_id"`
	ClientKey      string    `json:"client_key"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	ReceivedAt     time.Time `json:"received_at"`
}

// ErrorResponse is returned with every 4xx and 5xx status.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// MessagesPath returns the collection path of a conversation.
func MessagesPath(conversation string) string {
	return fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(conversation))
}
