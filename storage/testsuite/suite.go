// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package testsuite runs a common set of conformance tests against any
// snapshot store implementation.
package testsuite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monclone/monclone/internal/testcontext"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

// RunTests runs common storage.Store tests.
func RunTests(t *testing.T, store storage.Store) {
	t.Run("VersionLifecycle", func(t *testing.T) { testVersionLifecycle(t, store) })
	t.Run("RecordRoundTrip", func(t *testing.T) { testRecordRoundTrip(t, store) })
	t.Run("MissingVersion", func(t *testing.T) { testMissingVersion(t, store) })
	t.Run("DeleteRecord", func(t *testing.T) { testDeleteRecord(t, store) })
	t.Run("Clear", func(t *testing.T) { testClear(t, store) })
}

func testRecords(version string) []snapshot.Record {
	return []snapshot.Record{
		{Kind: "hostgroup", DataID: version + "-g", Name: "Linux servers",
			Data: map[string]any{"name": "Linux servers"}},
		{Kind: "host", DataID: version + "-h", Name: "web1",
			Data: map[string]any{
				"host": "web1",
				"interfaces": []any{
					map[string]any{"type": "AGENT", "ip": "10.0.0.1", "main": "YES"},
				},
			}},
		{Kind: "usermacro", DataID: version + "-m", Name: "{$SNMP_COMMUNITY}",
			Data: map[string]any{"macro": "{$SNMP_COMMUNITY}", "value": "public"}},
	}
}

func testVersionLifecycle(t *testing.T, store storage.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	older := snapshot.Version{ID: "11111111-1111-4111-8111-111111111111",
		CreatedAt: 1000, MasterRelease: release.R60, Description: "first"}
	newer := snapshot.Version{ID: "22222222-2222-4222-8222-222222222222",
		CreatedAt: 2000, MasterRelease: release.R64, Description: "second"}

	// records go in before the version is published
	require.NoError(t, store.PutRecords(ctx, older.ID, testRecords(older.ID)))
	require.NoError(t, store.PutVersion(ctx, older))
	require.NoError(t, store.PutRecords(ctx, newer.ID, testRecords(newer.ID)))
	require.NoError(t, store.PutVersion(ctx, newer))

	versions, err := store.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, newer.ID, versions[0].ID, "newest first")
	require.Equal(t, older.ID, versions[1].ID)
	require.Equal(t, release.R64, versions[0].MasterRelease)

	found, err := storage.FindVersion(ctx, store, older.ID)
	require.NoError(t, err)
	require.Equal(t, older.CreatedAt, found.CreatedAt)

	require.NoError(t, store.DeleteVersion(ctx, older.ID))
	versions, err = store.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	_, err = store.Records(ctx, older.ID)
	require.Error(t, err, "records die with their version")

	require.NoError(t, store.DeleteVersion(ctx, newer.ID))
}

func testRecordRoundTrip(t *testing.T, store storage.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	version := snapshot.Version{ID: "33333333-3333-4333-8333-333333333333",
		CreatedAt: 3000, MasterRelease: release.R70}
	records := testRecords(version.ID)

	require.NoError(t, store.PutRecords(ctx, version.ID, records))
	require.NoError(t, store.PutVersion(ctx, version))
	defer func() { require.NoError(t, store.DeleteVersion(ctx, version.ID)) }()

	got, err := store.Records(ctx, version.ID)
	require.NoError(t, err)
	require.Len(t, got, len(records))

	byID := map[string]snapshot.Record{}
	for _, rec := range got {
		byID[rec.DataID] = rec
	}
	for _, want := range records {
		rec, ok := byID[want.DataID]
		require.True(t, ok, "missing record %s", want.DataID)
		require.Equal(t, want.Kind, rec.Kind)
		require.Equal(t, want.Name, rec.Name)
		require.Equal(t, want.Data, rec.Data, "payload survives the codec")
	}
}

func testMissingVersion(t *testing.T, store storage.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := store.Records(ctx, "99999999-9999-4999-8999-999999999999")
	require.Error(t, err)

	_, err = storage.FindVersion(ctx, store, "99999999-9999-4999-8999-999999999999")
	require.True(t, storage.ErrVersionNotFound.Has(err))
}

func testDeleteRecord(t *testing.T, store storage.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	version := snapshot.Version{ID: "44444444-4444-4444-8444-444444444444",
		CreatedAt: 4000, MasterRelease: release.R64}
	records := testRecords(version.ID)

	require.NoError(t, store.PutRecords(ctx, version.ID, records))
	require.NoError(t, store.PutVersion(ctx, version))
	defer func() { require.NoError(t, store.DeleteVersion(ctx, version.ID)) }()

	require.NoError(t, store.DeleteRecord(ctx, version.ID, records[1].DataID))

	got, err := store.Records(ctx, version.ID)
	require.NoError(t, err)
	require.Len(t, got, len(records)-1)
	for _, rec := range got {
		require.NotEqual(t, records[1].DataID, rec.DataID)
	}
}

func testClear(t *testing.T, store storage.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	version := snapshot.Version{ID: "55555555-5555-4555-8555-555555555555",
		CreatedAt: 5000, MasterRelease: release.R62}
	require.NoError(t, store.PutRecords(ctx, version.ID, testRecords(version.ID)))
	require.NoError(t, store.PutVersion(ctx, version))

	require.NoError(t, store.Clear(ctx, storage.ScopeAll))

	versions, err := store.Versions(ctx)
	require.NoError(t, err)
	require.Empty(t, versions)
	_, err = store.Records(ctx, version.ID)
	require.Error(t, err)
}
