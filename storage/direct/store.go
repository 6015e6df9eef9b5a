// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package direct implements the snapshot store used when a worker reads
// straight from a live master. Nothing is persisted: the clone engine
// exports the master into this store and the worker consumes it within
// the same run.
package direct

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

// Error is a direct store error.
var Error = errs.Class("direct store")

func init() {
	storage.Register("direct", func(ctx context.Context, log *zap.Logger, cfg storage.Config) (storage.Store, error) {
		return New(), nil
	})
}

// Store holds a single in-memory snapshot.
type Store struct {
	mu       sync.Mutex
	versions []snapshot.Version
	records  map[string][]snapshot.Record
}

// New creates an empty direct store.
func New() *Store {
	return &Store{records: map[string][]snapshot.Record{}}
}

// Versions lists the in-memory versions, newest first.
func (store *Store) Versions(ctx context.Context) ([]snapshot.Version, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	versions := append([]snapshot.Version(nil), store.versions...)
	snapshot.SortVersions(versions)
	return versions, nil
}

// PutVersion publishes version metadata.
func (store *Store) PutVersion(ctx context.Context, version snapshot.Version) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	for i, v := range store.versions {
		if v.ID == version.ID {
			store.versions[i] = version
			return nil
		}
	}
	store.versions = append(store.versions, version)
	return nil
}

// Records returns every record of the given version.
func (store *Store) Records(ctx context.Context, versionID string) ([]snapshot.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	records, ok := store.records[versionID]
	if !ok {
		return nil, storage.ErrVersionNotFound.New("%s", versionID)
	}
	return append([]snapshot.Record(nil), records...), nil
}

// PutRecords stores the record set of a version.
func (store *Store) PutRecords(ctx context.Context, versionID string, records []snapshot.Record) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.records[versionID] = append(store.records[versionID], records...)
	return nil
}

// DeleteVersion removes a version and its records.
func (store *Store) DeleteVersion(ctx context.Context, versionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.records, versionID)
	for i, v := range store.versions {
		if v.ID == versionID {
			store.versions = append(store.versions[:i], store.versions[i+1:]...)
			return nil
		}
	}
	return storage.ErrVersionNotFound.New("%s", versionID)
}

// DeleteRecord removes a single record of a version.
func (store *Store) DeleteRecord(ctx context.Context, versionID, dataID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	records, ok := store.records[versionID]
	if !ok {
		return storage.ErrVersionNotFound.New("%s", versionID)
	}
	for i, rec := range records {
		if rec.DataID == dataID {
			store.records[versionID] = append(records[:i], records[i+1:]...)
			return nil
		}
	}
	return Error.New("record %s not in version %s", dataID, versionID)
}

// Clear removes everything the scope covers.
func (store *Store) Clear(ctx context.Context, scope storage.Scope) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	switch scope {
	case storage.ScopeVersions:
		store.versions = nil
	case storage.ScopeData:
		store.records = map[string][]snapshot.Record{}
	case storage.ScopeAll:
		store.versions = nil
		store.records = map[string][]snapshot.Record{}
	default:
		return storage.Error.New("unknown scope %q", scope)
	}
	return nil
}

// Close discards the snapshot.
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.versions = nil
	store.records = map[string][]snapshot.Record{}
	return nil
}
