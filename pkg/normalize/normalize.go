// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package normalize reshapes snapshot records between the master's
// export form and a worker's apply form.
//
// Each kind with version- or identity-sensitive payloads has a
// processor with two directions. On the master the processor turns
// local ids into stable names and strips volatile fields before the
// records reach the store; on a worker it swaps names back to local
// ids, drops fields the node's release rejects, and filters records the
// node must not apply. Processors may also queue late work (second
// pass updates, deletions) for the run's EXTEND section.
//
// Processors mutate record payloads in place and a failure is fatal
// for the whole kind: a half reshaped kind must never be applied.
package normalize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/idmap"
	"github.com/monclone/monclone/pkg/profile"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// Error is the default error class for this package.
var Error = errs.Class("normalize")

// PSK is one proxy's pre-shared key pair, supplied through the config
// file because the API stopped exposing key material.
type PSK struct {
	Identity string
	Key      string
}

// Env carries everything the processors need to know about the run.
// The orchestrator rebuilds IDs between sections; processors see the
// freshest index at the time their section runs.
type Env struct {
	Log *zap.Logger

	// Master selects the export direction; otherwise records are
	// reshaped for applying to this node.
	Master bool

	// Replica workers mirror the master wholesale: disabled records
	// and worker markers are not filtered.
	Replica bool

	// Node is this node's name, matched against worker markers.
	Node string

	// Release is the node being reshaped for; Source is the release of
	// the master that produced the snapshot. On the master both are
	// the node's own release.
	Release release.Rel
	Source  release.Rel

	Profile *profile.Profile

	// IDs indexes the node's current objects, names against local ids.
	IDs *idmap.Map

	// Operator material from the config file.
	ProxyPSK         map[string]PSK
	AllowedUsers     map[string]string
	MFAClientSecrets map[string]string
	CloneSuperAdmin  bool
	Cloud            bool

	// NowFn overrides the clock in tests.
	NowFn func() time.Time
}

// Extend is late work a processor queues for the EXTEND section:
// updates that must wait until the section's own records exist, and
// deletions of local objects the snapshot no longer carries.
type Extend struct {
	// Kind is the API object the extension addresses.
	Kind string

	// Records are second pass updates, applied before any deletion.
	Records []snapshot.Record

	// Delete lists local ids to remove.
	Delete []string
}

type processorFunc func(*Env, []snapshot.Record) ([]snapshot.Record, []Extend, error)

var processors = map[string]processorFunc{
	"action":         processAction,
	"authentication": processAuthentication,
	"connector":      processConnector,
	"correlation":    processCorrelation,
	"drule":          processDrule,
	"maintenance":    processMaintenance,
	"mediatype":      processMediatype,
	"mfa":            processMFA,
	"proxy":          processProxy,
	"proxygroup":     processProxygroup,
	"regexp":         processRegexp,
	"role":           processRole,
	"script":         processScript,
	"service":        processService,
	"sla":            processSLA,
	"user":           processUser,
	"usergroup":      processUsergroup,
	"userdirectory":  processUserdirectory,
}

// Handled reports whether kind has its own processor.
func Handled(kind string) bool {
	_, ok := processors[kind]
	return ok
}

// Apply reshapes the records of kind for the env's direction. Kinds
// without a processor pass through unchanged. The returned extends are
// in emission order; the orchestrator applies them reversed.
func Apply(env *Env, kind string, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	fn, ok := processors[kind]
	if !ok {
		return recs, nil, nil
	}
	out, extends, err := fn(env, recs)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return out, extends, nil
}

func (env *Env) worker() bool { return !env.Master }

func (env *Env) now() time.Time {
	if env.NowFn != nil {
		return env.NowFn()
	}
	return time.Now()
}

// swap converts between a local id and a stable name of kind,
// whichever direction the value calls for.
func (env *Env) swap(kind string, value any) (any, bool) {
	return env.IDs.Swap(kind, value)
}

// swapField replaces m[field] through the id index when the value
// resolves; unresolvable values are left alone.
func (env *Env) swapField(kind string, m map[string]any, field string) bool {
	v, ok := m[field]
	if !ok {
		return false
	}
	swapped, ok := env.swap(kind, v)
	if !ok {
		return false
	}
	m[field] = swapped
	return true
}

// localID resolves a name against the node's current objects.
func (env *Env) localID(kind, name string) (string, bool) {
	return env.IDs.ToID(kind, name)
}

// missingLocal collects local ids of kind whose names are absent from
// keep, skipping the given names. Used for worker delete sidecars.
func (env *Env) missingLocal(kind string, keep []snapshot.Record, skip ...string) []string {
	wanted := make(map[string]bool, len(keep))
	for _, rec := range keep {
		wanted[rec.Name] = true
	}
	for _, name := range skip {
		wanted[name] = true
	}
	var ids []string
	for _, name := range env.IDs.Names(kind) {
		if wanted[name] {
			continue
		}
		if id, ok := env.localID(kind, name); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// object asserts a record payload is a JSON object.
func object(rec snapshot.Record) (map[string]any, error) {
	data, ok := rec.Data.(map[string]any)
	if !ok {
		return nil, Error.New("%s %q: payload is %T, not an object", rec.Kind, rec.Name, rec.Data)
	}
	return data, nil
}

// objects filters a JSON array down to its object elements.
func objects(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// empty reports whether a decoded JSON value reads as unset: null,
// empty string or container, zero number, false. The string "0" is a
// set value.
func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// num parses a decoded JSON value as an integer. API payloads carry
// numbers as strings.
func num(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case int:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}

// intOr parses m[field] as an integer, falling back to def when the
// field is absent or unparseable.
func intOr(m map[string]any, field string, def int64) int64 {
	v, ok := m[field]
	if !ok {
		return def
	}
	n, ok := num(v)
	if !ok {
		return def
	}
	return n
}

// str renders a decoded JSON scalar the way the API writes it.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// drop removes the listed fields.
func drop(m map[string]any, fields ...string) {
	for _, f := range fields {
		delete(m, f)
	}
}

// dropEmpty removes every unset field.
func dropEmpty(m map[string]any) {
	for k, v := range m {
		if empty(v) {
			delete(m, k)
		}
	}
}

// dropEmptyField removes field only when its value is unset.
func dropEmptyField(m map[string]any, fields ...string) {
	for _, f := range fields {
		if v, ok := m[f]; ok && empty(v) {
			delete(m, f)
		}
	}
}
