// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package boltstore implements the snapshot store on a bbolt file.
//
// It is the reference store extension: it is not one of the documented
// backends, it becomes selectable as type "bolt" purely by being linked
// into the binary and registering itself at init time.
package boltstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
	"github.com/monclone/monclone/storage/filestore"
)

var (
	// Error is a bolt store error.
	Error = errs.Class("bolt store")

	mon = monkit.Package()
)

var (
	versionBucket = []byte("versions")
	recordBucket  = []byte("records")
)

func init() {
	storage.Register("bolt", func(ctx context.Context, log *zap.Logger, cfg storage.Config) (storage.Store, error) {
		return Open(cfg)
	})
}

// Store implements the snapshot store on a single bbolt file.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the bolt file. cfg.Path may name the file
// directly or the directory to place monclone.db in.
func Open(cfg storage.Config) (*Store, error) {
	path := cfg.Path
	switch {
	case path == "":
		path = filepath.Join(filestore.DefaultDir(), "monclone.db")
	case !strings.HasSuffix(path, ".db"):
		path = filepath.Join(path, "monclone.db")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(versionBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(recordBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &Store{db: db}, nil
}

// Versions lists stored versions, newest first.
func (store *Store) Versions(ctx context.Context) (_ []snapshot.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	var versions []snapshot.Version
	err = store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(versionBucket).ForEach(func(k, v []byte) error {
			var version snapshot.Version
			if err := json.Unmarshal(v, &version); err != nil {
				return err
			}
			versions = append(versions, version)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	snapshot.SortVersions(versions)
	return versions, nil
}

// PutVersion publishes version metadata.
func (store *Store) PutVersion(ctx context.Context, version snapshot.Version) (err error) {
	defer mon.Task()(&ctx)(&err)

	blob, err := json.Marshal(version)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(versionBucket).Put([]byte(version.ID), blob)
	}))
}

// Records returns every record of the given version.
func (store *Store) Records(ctx context.Context, versionID string) (_ []snapshot.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var records []snapshot.Record
	err = store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket).Bucket([]byte(versionID))
		if bucket == nil {
			return storage.ErrVersionNotFound.New("%s", versionID)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec snapshot.Record
			if err := snapshot.Decode(v, &rec); err != nil {
				return err
			}
			rec.DataID = string(k)
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		if storage.ErrVersionNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return records, nil
}

// PutRecords writes the record set of a version.
func (store *Store) PutRecords(ctx context.Context, versionID string, records []snapshot.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(store.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(recordBucket).CreateBucketIfNotExists([]byte(versionID))
		if err != nil {
			return err
		}
		for _, rec := range records {
			blob, err := snapshot.Encode(snapshot.Record{
				Kind: rec.Kind,
				Name: rec.Name,
				Data: rec.Data,
			})
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(rec.DataID), blob); err != nil {
				return err
			}
		}
		return nil
	}))
}

// DeleteVersion removes a version and its records.
func (store *Store) DeleteVersion(ctx context.Context, versionID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return store.db.Update(func(tx *bolt.Tx) error {
		key := []byte(versionID)
		hadVersion := tx.Bucket(versionBucket).Get(key) != nil
		hadRecords := tx.Bucket(recordBucket).Bucket(key) != nil
		if !hadVersion && !hadRecords {
			return storage.ErrVersionNotFound.New("%s", versionID)
		}
		if hadVersion {
			if err := tx.Bucket(versionBucket).Delete(key); err != nil {
				return Error.Wrap(err)
			}
		}
		if hadRecords {
			if err := tx.Bucket(recordBucket).DeleteBucket(key); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// DeleteRecord removes a single record of a version.
func (store *Store) DeleteRecord(ctx context.Context, versionID, dataID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket).Bucket([]byte(versionID))
		if bucket == nil {
			return storage.ErrVersionNotFound.New("%s", versionID)
		}
		if bucket.Get([]byte(dataID)) == nil {
			return Error.New("record %s not in version %s", dataID, versionID)
		}
		return Error.Wrap(bucket.Delete([]byte(dataID)))
	})
}

// Clear removes everything the scope covers.
func (store *Store) Clear(ctx context.Context, scope storage.Scope) (err error) {
	defer mon.Task()(&ctx)(&err)

	clear := func(tx *bolt.Tx, name []byte) error {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	}
	return Error.Wrap(store.db.Update(func(tx *bolt.Tx) error {
		switch scope {
		case storage.ScopeVersions:
			return clear(tx, versionBucket)
		case storage.ScopeData:
			return clear(tx, recordBucket)
		case storage.ScopeAll:
			if err := clear(tx, versionBucket); err != nil {
				return err
			}
			return clear(tx, recordBucket)
		}
		return storage.Error.New("unknown scope %q", scope)
	}))
}

// Close closes the bolt file.
func (store *Store) Close() error {
	return Error.Wrap(store.db.Close())
}
