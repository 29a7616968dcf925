// Package kv provides key-value storage abstractions.
// This package defines the contract that decouples session state from
// specific storage implementations.
package kv

import (
	"context"
	"strings"
)

// Store is a flat byte-valued key-value store.
//
// Domain code depends on this interface, not concrete implementations.
// Durable stores live in infrastructure/storage/postgres, session-scoped
// stores in infrastructure/storage/memory.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Prefixed scopes every key of store under prefix.
// Keys passed to and returned from the wrapper are unprefixed.
func Prefixed(store Store, prefix string) Store {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &prefixed{store: store, prefix: prefix}
}

type prefixed struct {
	store  Store
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte) error {
	return p.store.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}

func (p *prefixed) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	all, err := p.store.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[strings.TrimPrefix(k, p.prefix)] = v
	}
	return out, nil
}
