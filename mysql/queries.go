package mysql

import "fmt"

type queries struct {
	upsert             string
	update             string
	conversationOf     string
	selectConversation string
	selectByStatus     string
	countPending       string
}

func newQueries(table string) queries {
	cols := "client_key, conversation_id, server_id, body, status, created_at"
	upsert := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?) AS new "+
			"ON DUPLICATE KEY UPDATE conversation_id = new.conversation_id, server_id = new.server_id, "+
			"body = new.body, status = new.status, created_at = new.created_at",
		table,
		cols,
	)
	update := fmt.Sprintf(
		"UPDATE %s SET server_id = COALESCE(?, server_id), status = COALESCE(?, status) WHERE client_key = ?",
		table,
	)
	conversationOf := fmt.Sprintf("SELECT conversation_id FROM %s WHERE client_key = ?", table)
	selectConversation := fmt.Sprintf(
		"SELECT %s FROM %s WHERE conversation_id = ? ORDER BY created_at ASC, seq ASC",
		cols,
		table,
	)
	selectByStatus := fmt.Sprintf(
		"SELECT %s FROM %s WHERE conversation_id = ? AND status IN (?, ?) ORDER BY created_at ASC, seq ASC",
		cols,
		table,
	)
	countPending := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status IN (?, ?)", table)

	return queries{
		upsert:             upsert,
		update:             update,
		conversationOf:     conversationOf,
		selectConversation: selectConversation,
		selectByStatus:     selectByStatus,
		countPending:       countPending,
	}
}
