package chatrelay

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildEntityStoreFromDSN selects a store by DSN scheme: memory:// for the
// in-process store, postgres:// for the durable one.
func BuildEntityStoreFromDSN(dsn string) (EntityStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported entity store scheme: %s", scheme)
	}
}
