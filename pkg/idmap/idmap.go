// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package idmap indexes local monitor ids against stable names, per
// entity kind and in both directions.
//
// Ids are local to one monitor node and never travel between nodes;
// names do. Snapshots therefore carry names, and each side swaps
// between the two through this index. Ids are handled as strings, the
// form the monitor API uses on the wire.
package idmap

import (
	"sort"
	"strconv"
)

// Reserved names standing in for id zero, which the monitor uses for
// "all", "none" or "the current one" depending on the kind.
const (
	AllMedia     = "__ALL_MEDIA__"
	CurrentHost  = "__CURRENT_HOST__"
	ServerDirect = "__SERVER_DIRECT__"
	NoGroup      = "__NO_GROUP__"
	AllGroup     = "__ALL_GROUP__"
)

// sentinelByKind maps a kind to the name its zero id means.
var sentinelByKind = map[string]string{
	"mediatype":     AllMedia,
	"host":          CurrentHost,
	"proxy":         ServerDirect,
	"proxygroup":    NoGroup,
	"usergroup":     AllGroup,
	"hostgroup":     AllGroup,
	"templategroup": AllGroup,
}

// Entry is one id/name pair of a kind.
type Entry struct {
	ID   string
	Name string
}

// Map is the bidirectional index. Not safe for concurrent mutation;
// the engine loads it up front and refreshes it between sections.
type Map struct {
	toName map[string]map[string]string
	toID   map[string]map[string]string
}

// New returns an empty index.
func New() *Map {
	return &Map{
		toName: make(map[string]map[string]string),
		toID:   make(map[string]map[string]string),
	}
}

// Load replaces the index of kind with entries. Pairs with an empty or
// zero id or an empty name are skipped; zero belongs to the sentinel
// table. Loading no entries still registers the kind.
func (m *Map) Load(kind string, entries []Entry) {
	m.toName[kind] = make(map[string]string, len(entries))
	m.toID[kind] = make(map[string]string, len(entries))
	for _, e := range entries {
		m.Add(kind, e.ID, e.Name)
	}
}

// Add indexes one pair on top of whatever is already loaded. Used
// after imports create objects the initial load has not seen.
func (m *Map) Add(kind, id, name string) {
	if id == "" || id == "0" || name == "" {
		return
	}
	if m.toName[kind] == nil {
		m.toName[kind] = make(map[string]string)
		m.toID[kind] = make(map[string]string)
	}
	m.toName[kind][id] = name
	m.toID[kind][name] = id
}

// Has reports whether kind has been loaded, even empty.
func (m *Map) Has(kind string) bool {
	_, ok := m.toName[kind]
	return ok
}

// Names returns the loaded names of kind, sorted. Sentinels are not
// included.
func (m *Map) Names(kind string) []string {
	byName := m.toID[kind]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IDs returns the loaded local ids of kind in numeric order.
func (m *Map) IDs(kind string) []string {
	byID := m.toName[kind]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool {
		a, errA := strconv.ParseUint(ids[i], 10, 64)
		b, errB := strconv.ParseUint(ids[k], 10, 64)
		if errA != nil || errB != nil {
			return ids[i] < ids[k]
		}
		return a < b
	})
	return ids
}

// ToName resolves a local id to its stable name. Id zero resolves to
// the kind's sentinel where one exists.
func (m *Map) ToName(kind, id string) (string, bool) {
	byID, ok := m.toName[kind]
	if !ok {
		return "", false
	}
	if id == "0" {
		if s, ok := sentinelByKind[kind]; ok {
			return s, true
		}
	}
	name, ok := byID[id]
	return name, ok
}

// ToID resolves a stable name to the local id. The kind's sentinel
// resolves to "0".
func (m *Map) ToID(kind, name string) (string, bool) {
	byName, ok := m.toID[kind]
	if !ok {
		return "", false
	}
	if sentinelByKind[kind] == name && name != "" {
		return "0", true
	}
	id, ok := byName[name]
	return id, ok
}

// Swap converts whichever side target holds to the other: ids become
// names and names become ids. Numbers are taken as ids. ok is false
// when the kind is unloaded or the target is unknown to it.
func (m *Map) Swap(kind string, target any) (any, bool) {
	if !m.Has(kind) {
		return nil, false
	}
	s, isID := normalize(target)
	if s == "" {
		return nil, false
	}
	if isID {
		name, ok := m.ToName(kind, s)
		if !ok {
			return nil, false
		}
		return name, true
	}
	id, ok := m.ToID(kind, s)
	if !ok {
		return nil, false
	}
	return id, true
}

// normalize renders target as a string and classifies it: numbers and
// all-digit strings are ids, everything else is a name.
func normalize(target any) (s string, isID bool) {
	switch v := target.(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return "", false
	}
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s, false
		}
	}
	return s, true
}
