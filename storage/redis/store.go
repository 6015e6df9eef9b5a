// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package redis implements the snapshot store on a redis server.
//
// Version metadata lives in logical database 0 as one hash per version
// id. Record payloads live in logical database 1 as one hash per
// version id whose fields are data ids and whose values are compressed
// record bodies.
package redis

import (
	"context"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

var (
	// Error is a redis store error.
	Error = errs.Class("redis store")

	mon = monkit.Package()
)

const (
	versionDB = 0
	dataDB    = 1
)

func init() {
	storage.Register("redis", func(ctx context.Context, log *zap.Logger, cfg storage.Config) (storage.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store implements the snapshot store on redis.
type Store struct {
	versions *redis.Client
	data     *redis.Client
}

// Open connects to redis and verifies the connection with a ping.
func Open(ctx context.Context, cfg storage.Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, Error.New("endpoint required")
	}
	addr := net.JoinHostPort(cfg.Endpoint, cfg.Port)

	store := &Store{
		versions: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Credential,
			DB:       versionDB,
		}),
		data: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Credential,
			DB:       dataDB,
		}),
	}

	if err := store.versions.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return store, nil
}

// Versions lists stored versions, newest first.
func (store *Store) Versions(ctx context.Context) (_ []snapshot.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	var versions []snapshot.Version
	it := store.versions.Scan(ctx, 0, "", 0).Iterator()

	var lastKey string
	var lastOk bool
	for it.Next(ctx) {
		id := it.Val()
		// redis may return duplicates
		if lastOk && id == lastKey {
			continue
		}
		lastKey, lastOk = id, true

		fields, err := store.versions.HGetAll(ctx, id).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		version, err := versionFromFields(id, fields)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	if err := it.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	snapshot.SortVersions(versions)
	return versions, nil
}

// PutVersion publishes version metadata.
func (store *Store) PutVersion(ctx context.Context, version snapshot.Version) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = store.versions.HSet(ctx, version.ID, map[string]any{
		"createdAt":     strconv.FormatInt(version.CreatedAt, 10),
		"masterRelease": version.MasterRelease.String(),
		"description":   version.Description,
	}).Err()
	return Error.Wrap(err)
}

// Records returns every record of the given version.
func (store *Store) Records(ctx context.Context, versionID string) (_ []snapshot.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	fields, err := store.data.HGetAll(ctx, versionID).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrVersionNotFound.New("%s", versionID)
	}

	records := make([]snapshot.Record, 0, len(fields))
	for dataID, blob := range fields {
		var rec snapshot.Record
		if err := snapshot.Decode([]byte(blob), &rec); err != nil {
			return nil, Error.Wrap(err)
		}
		rec.DataID = dataID
		records = append(records, rec)
	}
	return records, nil
}

// PutRecords writes the record set of a version.
func (store *Store) PutRecords(ctx context.Context, versionID string, records []snapshot.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(records) == 0 {
		return nil
	}
	mapping := make(map[string]any, len(records))
	for _, rec := range records {
		blob, err := snapshot.Encode(snapshot.Record{
			Kind: rec.Kind,
			Name: rec.Name,
			Data: rec.Data,
		})
		if err != nil {
			return Error.Wrap(err)
		}
		mapping[rec.DataID] = blob
	}
	return Error.Wrap(store.data.HSet(ctx, versionID, mapping).Err())
}

// DeleteVersion removes a version and its records.
func (store *Store) DeleteVersion(ctx context.Context, versionID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	versionCount, err := store.versions.Del(ctx, versionID).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	dataCount, err := store.data.Del(ctx, versionID).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	if versionCount == 0 && dataCount == 0 {
		return storage.ErrVersionNotFound.New("%s", versionID)
	}
	return nil
}

// DeleteRecord removes a single record of a version.
func (store *Store) DeleteRecord(ctx context.Context, versionID, dataID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	count, err := store.data.HDel(ctx, versionID, dataID).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	if count == 0 {
		return Error.New("record %s not in version %s", dataID, versionID)
	}
	return nil
}

// Clear removes everything the scope covers.
func (store *Store) Clear(ctx context.Context, scope storage.Scope) (err error) {
	defer mon.Task()(&ctx)(&err)

	switch scope {
	case storage.ScopeVersions:
		return Error.Wrap(store.versions.FlushDB(ctx).Err())
	case storage.ScopeData:
		return Error.Wrap(store.data.FlushDB(ctx).Err())
	case storage.ScopeAll:
		return Error.Wrap(errs.Combine(
			store.versions.FlushDB(ctx).Err(),
			store.data.FlushDB(ctx).Err(),
		))
	}
	return storage.Error.New("unknown scope %q", scope)
}

// Close closes both redis clients.
func (store *Store) Close() error {
	return Error.Wrap(errs.Combine(
		store.versions.Close(),
		store.data.Close(),
	))
}

func versionFromFields(id string, fields map[string]string) (snapshot.Version, error) {
	createdAt, err := strconv.ParseInt(fields["createdAt"], 10, 64)
	if err != nil {
		return snapshot.Version{}, Error.New("version %s: bad createdAt %q", id, fields["createdAt"])
	}
	master, err := release.Parse(fields["masterRelease"])
	if err != nil {
		return snapshot.Version{}, Error.New("version %s: bad masterRelease %q", id, fields["masterRelease"])
	}
	return snapshot.Version{
		ID:            id,
		CreatedAt:     createdAt,
		MasterRelease: master,
		Description:   fields["description"],
	}, nil
}
