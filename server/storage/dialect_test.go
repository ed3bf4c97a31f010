package storage

import (
	"testing"

	"github.com/JoilsonLima1/foodhub09-sub007/common/config"
)

func TestDialects(t *testing.T) {
	t.Parallel()

	sq, pg := &SQLiteDialect{}, &PostgresDialect{}
	if sq.Name() != "sqlite" || pg.Name() != "postgres" {
		t.Errorf("names = %s, %s", sq.Name(), pg.Name())
	}
	if sq.ForUpdate() != "" || pg.ForUpdate() != "FOR UPDATE" {
		t.Error("unexpected ForUpdate clauses")
	}
	if sq.IntegerType(true) != "INTEGER" || pg.IntegerType(true) != "BIGINT" || pg.IntegerType(false) != "INTEGER" {
		t.Error("unexpected integer types")
	}
	if got := pg.UpsertConflict([]string{"id"}); got != "ON CONFLICT (id) DO UPDATE SET" {
		t.Errorf("UpsertConflict = %q", got)
	}
	if got := sq.UpsertConflict([]string{"tenant_id", "id"}); got != "ON CONFLICT(tenant_id, id) DO UPDATE SET" {
		t.Errorf("UpsertConflict = %q", got)
	}
}

func TestConvertPlaceholders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"WHERE id = ?", "WHERE id = $1"},
		{"VALUES (?, ?, ?)", "VALUES ($1, $2, $3)"},
		{"WHERE note = 'why?' AND id = ?", "WHERE note = 'why?' AND id = $1"},
	}
	for _, tt := range tests {
		if got := ConvertPlaceholders(tt.in); got != tt.want {
			t.Errorf("ConvertPlaceholders(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func configFor(driver, path string) config.DatabaseConfig {
	return config.DatabaseConfig{Driver: driver, Path: path}
}
