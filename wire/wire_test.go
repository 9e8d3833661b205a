package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessagesPath(t *testing.T) {
	require.Equal(t, "/v1/conversations/general/messages", MessagesPath("general"))
	require.Equal(t, "/v1/conversations/room%2F1/messages", MessagesPath("room/1"))
	require.Equal(t, "/v1/conversations/a%20b/messages", MessagesPath("a b"))
}

func TestSendRequestFieldNames(t *testing.T) {
	data, err := json.Marshal(SendRequest{Text: "hi", CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hi","created_at":"2026-03-01T12:00:00Z"}`, string(data))
}
