package meta

import "context"

// Repository is a small key/value table for bookkeeping that must survive
// restarts: the pending-change checkpoint counter, the device identifier,
// and similar scalars.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
