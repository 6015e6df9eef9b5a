// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package teststore implements an in-memory snapshot store for tests.
package teststore

import (
	"context"
	"sync"

	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

// Client implements an in-memory snapshot store.
type Client struct {
	mu sync.Mutex

	versions []snapshot.Version
	records  map[string][]snapshot.Record

	CallCount struct {
		Versions      int
		PutVersion    int
		Records       int
		PutRecords    int
		DeleteVersion int
		DeleteRecord  int
		Clear         int
		Close         int
	}

	// ForcedError, when set, is returned by every call.
	ForcedError error
}

// New creates a new in-memory snapshot store.
func New() *Client {
	return &Client{records: map[string][]snapshot.Record{}}
}

// Versions lists stored versions, newest first.
func (store *Client) Versions(ctx context.Context) ([]snapshot.Version, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Versions++
	if store.ForcedError != nil {
		return nil, store.ForcedError
	}

	versions := append([]snapshot.Version(nil), store.versions...)
	snapshot.SortVersions(versions)
	return versions, nil
}

// PutVersion publishes version metadata.
func (store *Client) PutVersion(ctx context.Context, version snapshot.Version) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.PutVersion++
	if store.ForcedError != nil {
		return store.ForcedError
	}

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
func (store *Client) Records(ctx context.Context, versionID string) ([]snapshot.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Records++
	if store.ForcedError != nil {
		return nil, store.ForcedError
	}

	records, ok := store.records[versionID]
	if !ok {
		return nil, storage.ErrVersionNotFound.New("%s", versionID)
	}
	return append([]snapshot.Record(nil), records...), nil
}

// PutRecords writes the record set of a version.
func (store *Client) PutRecords(ctx context.Context, versionID string, records []snapshot.Record) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.PutRecords++
	if store.ForcedError != nil {
		return store.ForcedError
	}

	store.records[versionID] = append(store.records[versionID], records...)
	return nil
}

// DeleteVersion removes a version and its records.
func (store *Client) DeleteVersion(ctx context.Context, versionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.DeleteVersion++
	if store.ForcedError != nil {
		return store.ForcedError
	}

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
func (store *Client) DeleteRecord(ctx context.Context, versionID, dataID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.DeleteRecord++
	if store.ForcedError != nil {
		return store.ForcedError
	}

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
	return storage.Error.New("record %s not in version %s", dataID, versionID)
}

// Clear removes everything the scope covers.
func (store *Client) Clear(ctx context.Context, scope storage.Scope) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Clear++
	if store.ForcedError != nil {
		return store.ForcedError
	}

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

// Close releases backend resources.
func (store *Client) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Close++
	return store.ForcedError
}
