package storage

import (
	"strconv"
	"strings"
)

// Dialect covers the SQL differences between SQLite and PostgreSQL that
// BaseStore runs into. Queries are written with ? placeholders and
// rewritten for PostgreSQL by ConvertPlaceholders.
type Dialect interface {
	Name() string
	// UpsertConflict is the "ON CONFLICT (...) DO UPDATE SET" prefix.
	UpsertConflict(conflictColumns []string) string
	// ForUpdate locks rows read inside a transaction. SQLite serializes
	// writers itself and returns "".
	ForUpdate() string
	TextType() string
	IntegerType(big bool) string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

func (*SQLiteDialect) Name() string { return "sqlite" }

func (*SQLiteDialect) UpsertConflict(cols []string) string {
	return "ON CONFLICT(" + strings.Join(cols, ", ") + ") DO UPDATE SET"
}

func (*SQLiteDialect) ForUpdate() string       { return "" }
func (*SQLiteDialect) TextType() string        { return "TEXT" }
func (*SQLiteDialect) IntegerType(bool) string { return "INTEGER" }

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

func (*PostgresDialect) Name() string { return "postgres" }

func (*PostgresDialect) UpsertConflict(cols []string) string {
	return "ON CONFLICT (" + strings.Join(cols, ", ") + ") DO UPDATE SET"
}

func (*PostgresDialect) ForUpdate() string { return "FOR UPDATE" }
func (*PostgresDialect) TextType() string  { return "TEXT" }

func (*PostgresDialect) IntegerType(big bool) string {
	if big {
		return "BIGINT"
	}
	return "INTEGER"
}

// ConvertPlaceholders numbers ? placeholders as $1, $2, ... for PostgreSQL.
// A ? inside a single-quoted literal is left alone.
func ConvertPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n, quoted := 0, false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
