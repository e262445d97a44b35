// Package kv is the durable key-value storage boundary used by the recorder agent.
// Values are JSON documents; a multi-key Set is applied atomically.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is an async get/set/remove key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes every key in values; either all writes land or none do.
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
}

// GetJSON decodes the value at key into v. Returns false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Values builds a Set argument from JSON-encodable values.
func Values(m map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// SetJSON encodes and writes the given values in one Set call.
func SetJSON(ctx context.Context, s Store, m map[string]any) error {
	values, err := Values(m)
	if err != nil {
		return err
	}
	return s.Set(ctx, values)
}
