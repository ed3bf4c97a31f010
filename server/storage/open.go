package storage

import (
	"fmt"
	"strings"

	"github.com/JoilsonLima1/foodhub09-sub007/common/config"
)

// Open returns the store selected by cfg.Driver: "sqlite" (default),
// "postgres" or "memory".
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.Path)
	case "postgres", "postgresql", "pgx":
		return NewPostgresStore(&cfg)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (want sqlite, postgres or memory)", cfg.Driver)
	}
}
