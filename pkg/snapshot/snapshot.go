// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package snapshot defines the versioned data model shared by the store
// drivers and the cloning engine.
//
// A snapshot is an immutable capture of the master monitor's cloneable
// configuration: a Version describing it plus a set of Records holding
// the per-entity payloads. Payloads are arbitrary JSON trees decoded
// into any ({nil, bool, float64, string, []any, map[string]any}).
package snapshot

import (
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/monclone/monclone/pkg/release"
)

// Error is the default error class for this package.
var Error = errs.Class("snapshot")

// Reserved version ids written to the applied-version macro when no
// real snapshot id is available.
const (
	NotYetCloned = "__NOT_YET_CLONE__"
	FirstCreate  = "__FIRST_CREATE__"
)

// Reserved monitor object names the cloning system owns on every node.
const (
	// VersionMacro is the global macro holding the applied version id.
	VersionMacro = "{$MC_VERSION}"

	// CarryTag is the host tag carrying a host's stable identity.
	CarryTag = "MC_UUID"

	// WorkerTag names the workers an object is assigned to: as a host
	// tag with the node name as value, and as a "MC_WORKER:<node>;"
	// marker leading a proxy description.
	WorkerTag = "MC_WORKER"

	// MaintenanceMarker names the alert-stop window a worker schedules
	// while it applies a snapshot.
	MaintenanceMarker = "__MC_UPDATE__"
)

// directVersionRegex matches the id minted for a direct-from-master run,
// __DIRECT_MASTER_<RFC3339>__.
var directVersionRegex = regexp.MustCompile(
	`^__DIRECT_MASTER_\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z__$`)

// DirectVersionID mints the reserved id for a direct-from-master run.
func DirectVersionID(now time.Time) string {
	return "__DIRECT_MASTER_" + now.UTC().Format("2006-01-02T15:04:05Z") + "__"
}

// IsDirectVersionID reports whether id was minted by DirectVersionID.
func IsDirectVersionID(id string) bool {
	return directVersionRegex.MatchString(id)
}

// IsVersionID reports whether id is a regular snapshot id.
func IsVersionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Version identifies one immutable configuration capture.
type Version struct {
	ID            string      `json:"versionId"`
	CreatedAt     int64       `json:"createdAt"`
	MasterRelease release.Rel `json:"masterRelease"`
	Description   string      `json:"description"`
}

// NewVersion mints a version with a fresh id and the current time.
func NewVersion(master release.Rel, description string) Version {
	return Version{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().Unix(),
		MasterRelease: master,
		Description:   description,
	}
}

// Record is one named entity payload inside a snapshot. Kind is the
// monitor API object name (host, template, usermacro, ...); for
// singleton kinds such as settings the Name is the property sub-key.
type Record struct {
	Kind   string `json:"kind"`
	DataID string `json:"dataId,omitempty"`
	Name   string `json:"name"`
	Data   any    `json:"data"`
}

// Set is the engine's working form of a snapshot: records grouped by
// kind, preserving order within a kind.
type Set map[string][]Record

// Records flattens the set into store order: kinds sorted, records in
// their original order within each kind. Records without a data id get
// a fresh one, matching the write path of every driver.
func (s Set) Records() []Record {
	kinds := make([]string, 0, len(s))
	for kind := range s {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []Record
	for _, kind := range kinds {
		for _, rec := range s[kind] {
			rec.Kind = kind
			if rec.DataID == "" {
				rec.DataID = uuid.NewString()
			}
			out = append(out, rec)
		}
	}
	return out
}

// Collect groups flat records by kind.
func Collect(records []Record) Set {
	set := make(Set)
	for _, rec := range records {
		set[rec.Kind] = append(set[rec.Kind], rec)
	}
	return set
}

// SortVersions orders versions newest first.
func SortVersions(versions []Version) {
	sort.SliceStable(versions, func(i, k int) bool {
		return versions[i].CreatedAt > versions[k].CreatedAt
	})
}

// Latest returns the newest version. ok is false when the list is empty.
func Latest(versions []Version) (_ Version, ok bool) {
	if len(versions) == 0 {
		return Version{}, false
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.CreatedAt > latest.CreatedAt {
			latest = v
		}
	}
	return latest, true
}
