package checkpoint

import "context"

// Backend stores raw checkpoint bytes by key. Write must be atomic.
type Backend interface {
	// Read returns ErrNotFound when nothing is stored under key.
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
