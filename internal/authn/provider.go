package authn

import "context"

// StoreKeySetProvider adapts anything exposing KeySet(ctx) (map-like
// result) — namely internal/store.Store — into a KeySetProvider.
type StoreKeySetProvider struct {
	fetch func(ctx context.Context) (map[string][]byte, error)
}

// NewStoreKeySetProvider wraps a fetch function, typically a store's
// KeySet method adapted to return the raw key map.
func NewStoreKeySetProvider(fetch func(ctx context.Context) (map[string][]byte, error)) *StoreKeySetProvider {
	return &StoreKeySetProvider{fetch: fetch}
}

func (p *StoreKeySetProvider) FetchKeySet(ctx context.Context) (map[string][]byte, error) {
	return p.fetch(ctx)
}

// StaticKeySetProvider serves a fixed key set, for tests and for
// deployments that configure signing keys directly rather than fetching
// them from the store.
type StaticKeySetProvider struct {
	Keys map[string][]byte
}

func (p *StaticKeySetProvider) FetchKeySet(ctx context.Context) (map[string][]byte, error) {
	return p.Keys, nil
}
