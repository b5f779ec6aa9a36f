package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

// Store keeps one opaque checkpoint per thread. The method set matches
// eino's compose.CheckPointStore.
type Store interface {
	Get(ctx context.Context, threadID string) ([]byte, bool, error)
	Set(ctx context.Context, threadID string, data []byte) error
}

// Deleter is implemented by stores that can drop a thread.
type Deleter interface {
	Delete(ctx context.Context, threadID string) error
}

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

// Open builds the configured store. The returned close function is never nil.
func Open(kind, path string) (Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMemory, "":
		return NewMemoryStore(), func() error { return nil }, nil
	case KindSQLite:
		if strings.TrimSpace(path) == "" {
			return nil, nil, fmt.Errorf("sqlite checkpoint store requires a path")
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported checkpoint store: %s", kind)
	}
}
