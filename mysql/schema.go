package mysql

import "fmt"

const maxClientKeyLen = 64

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	seq BIGINT NOT NULL AUTO_INCREMENT,
	client_key VARCHAR(64) NOT NULL,
	conversation_id VARCHAR(191) NOT NULL,
	server_id VARCHAR(191) NULL,
	body TEXT NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (seq),
	UNIQUE KEY uq_client_key (client_key),
	INDEX idx_conversation_order (conversation_id, created_at, seq),
	INDEX idx_status_updated (status, updated_at)
);`

// Schema returns the DDL for a messages table.
func Schema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name), nil
}
