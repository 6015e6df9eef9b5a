// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monclone/monclone/internal/testcontext"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
	"github.com/monclone/monclone/storage/testsuite"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := Open(storage.Config{Type: "file", Path: ctx.Dir("store")})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	testsuite.RunTests(t, store)
}

func TestFileNaming(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("store")
	store, err := Open(storage.Config{Type: "file", Path: dir})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	version := snapshot.Version{
		ID:            "aaaaaaaa-0000-4000-8000-000000000001",
		CreatedAt:     1714000000,
		MasterRelease: release.R64,
	}
	require.NoError(t, store.PutRecords(ctx, version.ID, []snapshot.Record{
		{Kind: "hostgroup", DataID: "d1", Name: "Linux servers",
			Data: map[string]any{"name": "Linux servers"}},
	}))
	require.NoError(t, store.PutVersion(ctx, version))

	want := version.ID + "_1714000000_6.4.bz"
	_, err = os.Stat(filepath.Join(dir, want))
	require.NoError(t, err, "expected file %s", want)

	// stray files in the directory are not versions
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk_name.bz"), []byte("x"), 0644))

	versions, err := store.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, version.ID, versions[0].ID)
	require.Equal(t, version.CreatedAt, versions[0].CreatedAt)
	require.Equal(t, release.R64, versions[0].MasterRelease)
	require.Contains(t, versions[0].Description, want)
}
