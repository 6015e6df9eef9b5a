// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/monclone/monclone/internal/testcontext"
	"github.com/monclone/monclone/storage"
	"github.com/monclone/monclone/storage/testsuite"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := miniredis.RunT(t)

	store, err := Open(ctx, storage.Config{
		Type:     "redis",
		Endpoint: server.Host(),
		Port:     server.Port(),
	})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	testsuite.RunTests(t, store)
}

func TestOpenBadEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := Open(ctx, storage.Config{Type: "redis"})
	require.Error(t, err)

	_, err = Open(ctx, storage.Config{Type: "redis", Endpoint: "127.0.0.1", Port: "0"})
	require.Error(t, err)
}
