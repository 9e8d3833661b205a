package postgres

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

const maxIdentifierLen = 63

type tableName struct {
	// quoted is the sanitized, possibly schema qualified name.
	quoted string
	// base is the unqualified table name, used to derive index names.
	base string
}

func parseTableName(name string) (tableName, error) {
	if name == "" {
		return tableName{}, ErrTableNameRequired
	}

	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return tableName{}, ErrInvalidTableName
	}
	for _, part := range parts {
		if !validIdentifier(part) {
			return tableName{}, ErrInvalidTableName
		}
	}

	return tableName{
		quoted: pgx.Identifier(parts).Sanitize(),
		base:   parts[len(parts)-1],
	}, nil
}

func (t tableName) index(suffix string) string {
	return pgx.Identifier{t.base + "_" + suffix}.Sanitize()
}

func validIdentifier(part string) bool {
	if part == "" || len(part) > maxIdentifierLen {
		return false
	}
	for i, r := range part {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}

	return true
}
