// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package filestore implements the snapshot store on a local directory.
//
// Every version is one compressed file named
// {versionId}_{createdAt}_{masterRelease}.bz whose body is the encoded
// record set. The directory listing is the version listing; a version's
// description is not persisted.
package filestore

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

var (
	// Error is a file store error.
	Error = errs.Class("file store")

	mon = monkit.Package()
)

const fileExt = ".bz"

func init() {
	storage.Register("file", func(ctx context.Context, log *zap.Logger, cfg storage.Config) (storage.Store, error) {
		return Open(cfg)
	})
}

// DefaultDir returns the platform default store directory.
func DefaultDir() string {
	if runtime.GOOS == "windows" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		return filepath.Join(home, "Documents", "monclone")
	}
	return "/var/lib/monclone"
}

// Store implements the snapshot store on a directory of version files.
type Store struct {
	dir string

	mu      sync.Mutex
	pending map[string][]snapshot.Record
}

// Open creates the store directory if needed.
func Open(cfg storage.Config) (*Store, error) {
	dir := cfg.Path
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{
		dir:     dir,
		pending: map[string][]snapshot.Record{},
	}, nil
}

// Versions lists stored versions, newest first. Metadata is parsed out
// of the file names.
func (store *Store) Versions(ctx context.Context) (_ []snapshot.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var versions []snapshot.Version
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		versions = append(versions, version)
	}
	snapshot.SortVersions(versions)
	return versions, nil
}

// PutVersion writes the version file from the records buffered by
// PutRecords. The write is atomic: temp file then rename.
func (store *Store) PutVersion(ctx context.Context, version snapshot.Version) (err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.Lock()
	records := store.pending[version.ID]
	delete(store.pending, version.ID)
	store.mu.Unlock()

	blob, err := snapshot.EncodeRecords(records)
	if err != nil {
		return err
	}

	path := filepath.Join(store.dir, versionName(version))
	tmp, err := os.CreateTemp(store.dir, "tmp-"+version.ID)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := tmp.Write(blob); err != nil {
		return Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}
	return nil
}

// Records returns every record of the given version.
func (store *Store) Records(ctx context.Context, versionID string) (_ []snapshot.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	path, _, err := store.find(versionID)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return snapshot.DecodeRecords(blob)
}

// PutRecords buffers records until PutVersion names the file.
func (store *Store) PutRecords(ctx context.Context, versionID string, records []snapshot.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.Lock()
	defer store.mu.Unlock()
	store.pending[versionID] = append(store.pending[versionID], records...)
	return nil
}

// DeleteVersion removes the version file.
func (store *Store) DeleteVersion(ctx context.Context, versionID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.Lock()
	delete(store.pending, versionID)
	store.mu.Unlock()

	path, _, err := store.find(versionID)
	if err != nil {
		return err
	}
	return Error.Wrap(os.Remove(path))
}

// DeleteRecord rewrites the version file without the record.
func (store *Store) DeleteRecord(ctx context.Context, versionID, dataID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	path, version, err := store.find(versionID)
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return Error.Wrap(err)
	}
	records, err := snapshot.DecodeRecords(blob)
	if err != nil {
		return err
	}

	kept := records[:0]
	for _, rec := range records {
		if rec.DataID != dataID {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return Error.New("record %s not in version %s", dataID, versionID)
	}

	store.mu.Lock()
	store.pending[versionID] = kept
	store.mu.Unlock()
	return store.PutVersion(ctx, version)
}

// Clear removes every version file. The file layout cannot separate
// version metadata from record data, so all scopes behave like ScopeAll.
func (store *Store) Clear(ctx context.Context, scope storage.Scope) (err error) {
	defer mon.Task()(&ctx)(&err)

	switch scope {
	case storage.ScopeAll, storage.ScopeVersions, storage.ScopeData:
	default:
		return storage.Error.New("unknown scope %q", scope)
	}

	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return Error.Wrap(err)
	}
	var group errs.Group
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := parseName(entry.Name()); !ok {
			continue
		}
		group.Add(os.Remove(filepath.Join(store.dir, entry.Name())))
	}

	store.mu.Lock()
	store.pending = map[string][]snapshot.Record{}
	store.mu.Unlock()
	return Error.Wrap(group.Err())
}

// Close releases nothing; the store is stateless between calls.
func (store *Store) Close() error { return nil }

// find locates the file of a version by its id prefix.
func (store *Store) find(versionID string) (path string, version snapshot.Version, err error) {
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return "", snapshot.Version{}, Error.Wrap(err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parsed, ok := parseName(entry.Name())
		if !ok || parsed.ID != versionID {
			continue
		}
		return filepath.Join(store.dir, entry.Name()), parsed, nil
	}
	return "", snapshot.Version{}, storage.ErrVersionNotFound.New("%s", versionID)
}

func versionName(version snapshot.Version) string {
	return strings.Join([]string{
		version.ID,
		strconv.FormatInt(version.CreatedAt, 10),
		version.MasterRelease.String(),
	}, "_") + fileExt
}

func parseName(name string) (snapshot.Version, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return snapshot.Version{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, fileExt), "_")
	if len(parts) != 3 {
		return snapshot.Version{}, false
	}
	createdAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return snapshot.Version{}, false
	}
	master, err := release.Parse(parts[2])
	if err != nil {
		return snapshot.Version{}, false
	}
	return snapshot.Version{
		ID:            parts[0],
		CreatedAt:     createdAt,
		MasterRelease: master,
		Description:   "import file " + name,
	}, true
}
