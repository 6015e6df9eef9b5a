// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

var mon = monkit.Package()

var id int64

// Logger implements a zap.Logger for storage.Store
type Logger struct {
	log   *zap.Logger
	store storage.Store
}

// New creates a new Logger with log and store
func New(log *zap.Logger, store storage.Store) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), store}
}

// Versions lists version metadata from the store
func (store *Logger) Versions(ctx context.Context) (_ []snapshot.Version, err error) {
	defer mon.Task()(&ctx)(&err)
	versions, err := store.store.Versions(ctx)
	store.log.Debug("Versions", zap.Int("count", len(versions)))
	return versions, err
}

// PutVersion publishes version metadata to the store
func (store *Logger) PutVersion(ctx context.Context, version snapshot.Version) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("PutVersion",
		zap.String("version", version.ID),
		zap.Stringer("master release", version.MasterRelease),
	)
	return store.store.PutVersion(ctx, version)
}

// Records returns all records of a version
func (store *Logger) Records(ctx context.Context, versionID string) (_ []snapshot.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	records, err := store.store.Records(ctx, versionID)
	store.log.Debug("Records", zap.String("version", versionID), zap.Int("count", len(records)))
	return records, err
}

// PutRecords stores records under a version
func (store *Logger) PutRecords(ctx context.Context, versionID string, records []snapshot.Record) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("PutRecords", zap.String("version", versionID), zap.Int("count", len(records)))
	return store.store.PutRecords(ctx, versionID, records)
}

// DeleteVersion deletes a version and its records
func (store *Logger) DeleteVersion(ctx context.Context, versionID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("DeleteVersion", zap.String("version", versionID))
	return store.store.DeleteVersion(ctx, versionID)
}

// DeleteRecord deletes a single record of a version
func (store *Logger) DeleteRecord(ctx context.Context, versionID, dataID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("DeleteRecord", zap.String("version", versionID), zap.String("data", dataID))
	return store.store.DeleteRecord(ctx, versionID, dataID)
}

// Clear removes everything the scope covers
func (store *Logger) Clear(ctx context.Context, scope storage.Scope) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Clear", zap.String("scope", string(scope)))
	return store.store.Clear(ctx, scope)
}

// Close closes the store
func (store *Logger) Close() error {
	store.log.Debug("Close")
	return store.store.Close()
}
