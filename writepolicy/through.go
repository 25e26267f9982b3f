package writepolicy

import (
	"context"
)

// writeThrough persists synchronously and updates the cache only after the
// backing store acknowledged. A failed store write leaves the cache untouched,
// so after any successful write cache and store hold the same value.
type writeThrough struct {
	*core
}

func (p *writeThrough) Kind() Kind { return WriteThrough }

func (p *writeThrough) Read(ctx context.Context, key string) ([]byte, error) {
	return p.read(ctx, key, nil)
}

func (p *writeThrough) Write(ctx context.Context, key string, value []byte) error {
	mu := p.locks.of(key)
	mu.Lock()
	defer mu.Unlock()

	if err := p.backend.Set(ctx, key, value); err != nil {
		return p.storeErr("write", key, err)
	}
	p.cache.Set(key, value)
	return nil
}

func (p *writeThrough) Delete(ctx context.Context, key string) error {
	mu := p.locks.of(key)
	mu.Lock()
	defer mu.Unlock()

	if err := p.backend.Delete(ctx, key); err != nil {
		return p.storeErr("delete", key, err)
	}
	p.cache.Remove(key)
	return nil
}

func (p *writeThrough) Flush(context.Context) error { return nil }
func (p *writeThrough) Close() error                { return nil }

// writeAround writes straight to the backing store and invalidates the cached
// copy. The next read misses and repopulates; the cache never holds data the
// store has not seen.
type writeAround struct {
	*core
}

func (p *writeAround) Kind() Kind { return WriteAround }

func (p *writeAround) Read(ctx context.Context, key string) ([]byte, error) {
	return p.read(ctx, key, nil)
}

func (p *writeAround) Write(ctx context.Context, key string, value []byte) error {
	mu := p.locks.of(key)
	mu.Lock()
	defer mu.Unlock()

	if err := p.backend.Set(ctx, key, value); err != nil {
		return p.storeErr("write", key, err)
	}
	p.cache.Remove(key)
	return nil
}

func (p *writeAround) Delete(ctx context.Context, key string) error {
	mu := p.locks.of(key)
	mu.Lock()
	defer mu.Unlock()

	if err := p.backend.Delete(ctx, key); err != nil {
		return p.storeErr("delete", key, err)
	}
	p.cache.Remove(key)
	return nil
}

func (p *writeAround) Flush(context.Context) error { return nil }
func (p *writeAround) Close() error                { return nil }
