// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package storage defines the snapshot store interface shared by all
// backends and the registry through which backends are selected.
package storage

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/monclone/monclone/pkg/snapshot"
)

var (
	// Error is the default error class for this package.
	Error = errs.Class("storage")
	// ErrVersionNotFound is returned when a version id is not in the store.
	ErrVersionNotFound = errs.Class("version not found")
)

// Scope selects what Clear removes from a store.
type Scope string

// Clear scopes.
const (
	ScopeAll      Scope = "all"
	ScopeVersions Scope = "versions"
	ScopeData     Scope = "data"
)

// ParseScope converts a user supplied scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeAll, ScopeVersions, ScopeData:
		return Scope(s), nil
	}
	return "", Error.New("unknown scope %q", s)
}

// Store is the uniform interface over snapshot backends.
//
// Writers must call PutRecords before PutVersion: a version becomes
// visible to other nodes only once its metadata row exists, so a failed
// record write never publishes a half written snapshot.
type Store interface {
	// Versions lists stored versions, newest first.
	Versions(ctx context.Context) ([]snapshot.Version, error)

	// PutVersion publishes version metadata.
	PutVersion(ctx context.Context, version snapshot.Version) error

	// Records returns every record of the given version.
	Records(ctx context.Context, versionID string) ([]snapshot.Record, error)

	// PutRecords writes the record set of a not yet published version.
	PutRecords(ctx context.Context, versionID string, records []snapshot.Record) error

	// DeleteVersion removes a version and its records.
	DeleteVersion(ctx context.Context, versionID string) error

	// DeleteRecord removes a single record of a version.
	DeleteRecord(ctx context.Context, versionID, dataID string) error

	// Clear removes everything the scope covers.
	Clear(ctx context.Context, scope Scope) error

	// Close releases backend resources.
	Close() error
}

// FindVersion resolves a version id against the store listing.
func FindVersion(ctx context.Context, store Store, versionID string) (snapshot.Version, error) {
	versions, err := store.Versions(ctx)
	if err != nil {
		return snapshot.Version{}, err
	}
	for _, v := range versions {
		if v.ID == versionID {
			return v, nil
		}
	}
	return snapshot.Version{}, ErrVersionNotFound.New("%s", versionID)
}
