package conversation

import (
	"context"
	"strings"
)

// NewStore picks postgres when databaseURL is set, then sqlite when
// sqlitePath is set, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, sqlitePath)
	}
	return NewInMemoryStore(), nil
}

// BackendName reports which store NewStore would build.
func BackendName(databaseURL, sqlitePath string) string {
	switch {
	case strings.TrimSpace(databaseURL) != "":
		return "postgres"
	case strings.TrimSpace(sqlitePath) != "":
		return "sqlite"
	default:
		return "memory"
	}
}
