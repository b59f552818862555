// Package kvstore is the durable key/value store behind scheduler state.
// It offers whole-value get/set/remove with no multi-key atomicity.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Store is an asynchronous-style key/value store. Values are JSON documents.
type Store interface {
	// Get returns the values present for the given keys. Missing keys are
	// absent from the result.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, values map[string]any) error
	Remove(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
}

// GetJSON decodes a single key into out. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	values, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores a single key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	return s.Set(ctx, map[string]any{key: value})
}

// KeysMatching returns keys that start with prefix and end with suffix.
func KeysMatching(ctx context.Context, s Store, prefix, suffix string) ([]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if len(k) < len(prefix)+len(suffix) {
			continue
		}
		if strings.HasPrefix(k, prefix) && strings.HasSuffix(k, suffix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func encode(values map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(values))
	for k, v := range values {
		if raw, ok := v.(json.RawMessage); ok {
			out[k] = append([]byte(nil), raw...)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("kvstore: encode %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}
