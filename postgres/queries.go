package postgres

import "fmt"

const columns = "client_key, conversation_id, server_id, body, status, created_at"

type queries struct {
	upsert             string
	update             string
	selectConversation string
	selectByStatus     string
	prune              string
}

func newQueries(table string) queries {
	return queries{
		// The previous conversation is read in the same statement so a moved
		// message refreshes both observers.
		upsert: fmt.Sprintf(
			"WITH prev AS (SELECT conversation_id FROM %[1]s WHERE client_key = $1) "+
				"INSERT INTO %[1]s (%[2]s) VALUES ($1, $2, $3, $4, $5, $6) "+
				"ON CONFLICT (client_key) DO UPDATE SET conversation_id = EXCLUDED.conversation_id, "+
				"server_id = EXCLUDED.server_id, body = EXCLUDED.body, status = EXCLUDED.status, "+
				"created_at = EXCLUDED.created_at, updated_at = now() "+
				"RETURNING (SELECT conversation_id FROM prev)",
			table,
			columns,
		),
		update: fmt.Sprintf(
			"UPDATE %s SET server_id = COALESCE($1, server_id), status = COALESCE($2, status), updated_at = now() "+
				"WHERE client_key = $3 RETURNING conversation_id",
			table,
		),
		selectConversation: fmt.Sprintf(
			"SELECT %s FROM %s WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC",
			columns,
			table,
		),
		selectByStatus: fmt.Sprintf(
			"SELECT %s FROM %s WHERE conversation_id = $1 AND status = ANY($2) ORDER BY created_at ASC, seq ASC",
			columns,
			table,
		),
		prune: fmt.Sprintf(
			"DELETE FROM %[1]s WHERE seq IN (SELECT seq FROM %[1]s WHERE status = $1 AND updated_at <= $2 ORDER BY seq LIMIT $3)",
			table,
		),
	}
}
