package pebble

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/velmie/offline-outbox"
)

var (
	seqKey        = []byte("s")
	messagePrefix = []byte("m/")
	indexPrefix   = []byte("c/")
)

// record is the persisted message value.
type record struct {
	Seq            uint64        `json:"seq"`
	ClientKey      string        `json:"client_key"`
	ConversationID string        `json:"conversation_id"`
	ServerID       string        `json:"server_id,omitempty"`
	Text           string        `json:"text"`
	CreatedAt      int64         `json:"created_at"`
	Status         outbox.Status `json:"status"`
}

func toRecord(msg outbox.Message, seq uint64) record {
	return record{
		Seq:            seq,
		ClientKey:      msg.ClientKey,
		ConversationID: string(msg.ConversationID),
		ServerID:       msg.ServerID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt.UnixNano(),
		Status:         msg.Status,
	}
}

func (r record) message() outbox.Message {
	return outbox.Message{
		ServerID:       r.ServerID,
		ClientKey:      r.ClientKey,
		ConversationID: outbox.ConversationID(r.ConversationID),
		Text:           r.Text,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		Status:         r.Status,
	}
}

func messageKey(clientKey string) []byte {
	return append(append([]byte{}, messagePrefix...), clientKey...)
}

func conversationPrefix(conversation outbox.ConversationID) []byte {
	return fmt.Appendf(nil, "%s%s/", indexPrefix, hex.EncodeToString([]byte(conversation)))
}

// indexKey flips the sign bit of created so pre-1970 times still sort first.
func (r record) indexKey() []byte {
	created := uint64(r.CreatedAt) ^ (1 << 63)
	return fmt.Appendf(conversationPrefix(outbox.ConversationID(r.ConversationID)), "%020d/%020d", created, r.Seq)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}

	return nil
}
