// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package snapshot_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

func TestVersionIDs(t *testing.T) {
	v := snapshot.NewVersion(release.R64, "weekly export")
	require.True(t, snapshot.IsVersionID(v.ID))
	require.Equal(t, release.R64, v.MasterRelease)
	require.NotZero(t, v.CreatedAt)

	require.False(t, snapshot.IsVersionID(snapshot.NotYetCloned))
	require.False(t, snapshot.IsVersionID(snapshot.FirstCreate))

	direct := snapshot.DirectVersionID(time.Date(2025, 3, 2, 13, 14, 15, 0, time.UTC))
	require.Equal(t, "__DIRECT_MASTER_2025-03-02T13:14:15Z__", direct)
	require.True(t, snapshot.IsDirectVersionID(direct))
	require.False(t, snapshot.IsDirectVersionID(v.ID))
	require.False(t, snapshot.IsDirectVersionID(snapshot.NotYetCloned))
}

func TestSetRecords(t *testing.T) {
	set := snapshot.Set{
		"host": {
			{Name: "web1", Data: map[string]any{"host": "web1"}},
			{Name: "web2", Data: map[string]any{"host": "web2"}},
		},
		"action": {
			{Name: "notify ops", Data: map[string]any{"name": "notify ops"}},
		},
	}

	records := set.Records()
	require.Len(t, records, 3)
	// kinds come out sorted, record order within a kind is preserved
	require.Equal(t, "action", records[0].Kind)
	require.Equal(t, "web1", records[1].Name)
	require.Equal(t, "web2", records[2].Name)
	for _, rec := range records {
		require.True(t, snapshot.IsVersionID(rec.DataID), "data ids are uuids")
	}

	back := snapshot.Collect(records)
	require.Len(t, back, 2)
	require.Len(t, back["host"], 2)
	require.Equal(t, "notify ops", back["action"][0].Name)
}

func TestLatest(t *testing.T) {
	_, ok := snapshot.Latest(nil)
	require.False(t, ok)

	versions := []snapshot.Version{
		{ID: "a", CreatedAt: 10},
		{ID: "c", CreatedAt: 30},
		{ID: "b", CreatedAt: 20},
	}
	latest, ok := snapshot.Latest(versions)
	require.True(t, ok)
	require.Equal(t, "c", latest.ID)

	snapshot.SortVersions(versions)
	require.Equal(t, []string{"c", "b", "a"},
		[]string{versions[0].ID, versions[1].ID, versions[2].ID})
}

func TestCodecRoundTrip(t *testing.T) {
	payload := map[string]any{
		"name": "Template OS Linux",
		"items": []any{
			map[string]any{"key": "system.cpu.load", "delay": "1m"},
			map[string]any{"key": "vm.memory.size", "delay": "5m"},
		},
	}

	blob, err := snapshot.Encode(payload)
	require.NoError(t, err)
	require.Less(t, 0, len(blob))

	var decoded map[string]any
	require.NoError(t, snapshot.Decode(blob, &decoded))
	require.Equal(t, payload, decoded)

	records := []snapshot.Record{
		{Kind: "template", DataID: "d1", Name: "Template OS Linux", Data: payload},
		{Kind: "hostgroup", DataID: "d2", Name: "Linux servers", Data: map[string]any{"name": "Linux servers"}},
	}
	blob, err = snapshot.EncodeRecords(records)
	require.NoError(t, err)

	back, err := snapshot.DecodeRecords(blob)
	require.NoError(t, err)
	require.Equal(t, records, back)
}

func TestDecodeGarbage(t *testing.T) {
	var v any
	require.Error(t, snapshot.Decode([]byte("not bzip2"), &v))
}
