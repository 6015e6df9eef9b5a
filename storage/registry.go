// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// OpenFunc opens a store backend from the shared configuration.
type OpenFunc func(ctx context.Context, log *zap.Logger, cfg Config) (Store, error)

var (
	registryMu sync.Mutex
	registry   = map[string]OpenFunc{}
)

// legacy names kept as aliases for the documented types
var aliases = map[string]string{
	"kv-memory": "redis",
	"kv-table":  "dydb",
}

// Register makes a backend available under the given type tag. Backends
// register themselves in init, so selecting one requires importing its
// package. Registering the same tag twice panics.
func Register(typ string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	typ = strings.ToLower(typ)
	if _, exists := registry[typ]; exists {
		panic("storage: driver registered twice: " + typ)
	}
	registry[typ] = open
}

// Open opens the backend selected by cfg.Type.
func Open(ctx context.Context, log *zap.Logger, cfg Config) (Store, error) {
	typ := strings.ToLower(cfg.Type)
	if alias, ok := aliases[typ]; ok {
		typ = alias
	}

	registryMu.Lock()
	open, ok := registry[typ]
	registryMu.Unlock()
	if !ok {
		return nil, Error.New("unknown store type %q (registered: %s)",
			cfg.Type, strings.Join(Registered(), ", "))
	}
	return open(ctx, log, cfg)
}

// Registered lists the registered type tags.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
