package sqlite

import (
	"time"

	"github.com/velmie/offline-outbox"
)

// record is the persisted row. Timestamps are unix nanoseconds so ordering
// does not depend on the driver's text encoding of time values.
type record struct {
	Seq            int64   `gorm:"column:seq;primaryKey;autoIncrement"`
	ClientKey      string  `gorm:"column:client_key;type:TEXT NOT NULL;uniqueIndex"`
	ConversationID string  `gorm:"column:conversation_id;type:TEXT NOT NULL;index:idx_conversation_order,priority:1"`
	ServerID       *string `gorm:"column:server_id;type:TEXT"`
	Body           string  `gorm:"column:body;type:TEXT NOT NULL"`
	Status         int16   `gorm:"column:status;type:INTEGER NOT NULL;index:idx_status_updated,priority:1"`
	CreatedAt      int64   `gorm:"column:created_at;type:INTEGER NOT NULL;autoCreateTime:false;index:idx_conversation_order,priority:2"`
	UpdatedAt      int64   `gorm:"column:updated_at;type:INTEGER NOT NULL;autoUpdateTime:nano;index:idx_status_updated,priority:2"`
}

func toRecord(msg outbox.Message) record {
	r := record{
		ClientKey:      msg.ClientKey,
		ConversationID: string(msg.ConversationID),
		Body:           msg.Text,
		Status:         int16(msg.Status),
		CreatedAt:      msg.CreatedAt.UnixNano(),
	}
	if msg.ServerID != "" {
		id := msg.ServerID
		r.ServerID = &id
	}

	return r
}

func (r record) message() outbox.Message {
	msg := outbox.Message{
		ClientKey:      r.ClientKey,
		ConversationID: outbox.ConversationID(r.ConversationID),
		Text:           r.Body,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		Status:         outbox.Status(r.Status),
	}
	if r.ServerID != nil {
		msg.ServerID = *r.ServerID
	}

	return msg
}
