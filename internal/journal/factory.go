package journal

import (
	"context"
	"fmt"
)

// NewStore opens the journal backend for driver: "postgres", "sqlite" or "memory".
func NewStore(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	case "sqlite":
		return NewSQLiteStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
}
