package postgres

import "fmt"

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	client_key TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	server_id TEXT NULL,
	body TEXT NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (conversation_id, created_at, seq);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (status, updated_at);`

// Schema returns the DDL for a messages table.
func Schema(table string) (string, error) {
	name, err := parseTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name.quoted, name.index("conversation_order"), name.index("status_updated")), nil
}
