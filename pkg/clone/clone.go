// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package clone runs the replication pipeline against one node.
//
// A master run captures the node's configuration as an immutable
// version on the store; a worker run applies a stored version to its
// node section by section, in the order the object dependencies
// demand. The engine owns the run state: the node's current objects,
// the id index payloads are resolved against, and the record set being
// applied. Release differences live in the profile, payload reshaping
// in normalize, template bundles in configbridge and the host phase in
// hostsync; the engine sequences them.
package clone

import (
	"context"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/configbridge"
	"github.com/monclone/monclone/pkg/hostsync"
	"github.com/monclone/monclone/pkg/idmap"
	"github.com/monclone/monclone/pkg/normalize"
	"github.com/monclone/monclone/pkg/profile"
	"github.com/monclone/monclone/pkg/progress"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

var (
	// Error is the catch-all class for clone failures.
	Error = errs.Class("clone")

	// ErrPrecondition marks failures found before the node is written:
	// unknown roles, release gates, the alert user check.
	ErrPrecondition = errs.Class("clone precondition")

	// ErrStore marks store reads and writes that failed.
	ErrStore = errs.Class("clone store")

	// ErrSection marks a pipeline section that could not complete.
	ErrSection = errs.Class("clone section")

	mon = monkit.Package()
)

// Node roles. A master feeds the store, workers and replicas apply
// from it; replicas additionally adopt every host and never notify.
const (
	RoleMaster  = "master"
	RoleWorker  = "worker"
	RoleReplica = "replica"
)

// API is the slice of the monitor client the engine drives. It is a
// superset of what configbridge and hostsync need, so one connected
// client serves all three.
type API interface {
	Do(ctx context.Context, method string, params, result interface{}) error
	Get(ctx context.Context, kind string, params map[string]interface{}) (objects []map[string]interface{}, err error)
	Create(ctx context.Context, kind string, object interface{}) (result map[string]interface{}, err error)
	Update(ctx context.Context, kind string, object interface{}) (result map[string]interface{}, err error)
	Delete(ctx context.Context, kind string, ids []string) (result map[string]interface{}, err error)
	Export(ctx context.Context, params map[string]interface{}) (document string, err error)
	Import(ctx context.Context, params map[string]interface{}) error
	ChangePassword(ctx context.Context) error
	Release() release.Rel
	Node() string
	Endpoint() string
}

// Config tunes a clone run.
type Config struct {
	Role            string `help:"node role: master, worker or replica" default:"worker"`
	TargetVersion   string `help:"version id to apply, empty means the newest on the store" default:""`
	ForceInitialize bool   `help:"wipe the node before applying even when it carries a sane version marker" default:"false"`
	NoDelete        bool   `help:"never delete objects from the node" default:"false"`
	NoUUID          bool   `help:"skip carry tags entirely, hosts pair by name only" default:"false"`
	Cloud           bool   `help:"node is a hosted monitor: leave the platform owned objects and fields alone" default:"false"`

	ChecknowExecute  bool          `help:"fire a first collection run for discovery rules and slow items after hosts land" default:"false"`
	ChecknowInterval []string      `help:"item delays that mark an item for the first collection run" default:"1h"`
	ChecknowWait     time.Duration `help:"settle time before each first collection batch" default:"30s"`
	ApplyWait        time.Duration `help:"pause between kinds while the node catches up" default:"1s"`

	Bridge configbridge.Config
	Hosts  hostsync.Config

	// Direct marks a run whose store is a live master node; the cmd
	// layer fills these from the store configuration.
	Direct         bool   `internal:"true"`
	DirectNode     string `internal:"true"`
	DirectEndpoint string `internal:"true"`
}

// SecretMacro re-injects one secret global macro the export cannot
// carry.
type SecretMacro struct {
	Macro string `json:"macro" mapstructure:"macro"`
	Value string `json:"value" mapstructure:"value"`
}

// SeverityOverride renames or recolors one severity level.
type SeverityOverride struct {
	Name  string `json:"name" mapstructure:"name"`
	Color string `json:"color" mapstructure:"color"`
}

// SettingsOverride is the config file settings block layered on top of
// the version's global settings. Severity is keyed by level "0".."5",
// Timeout by the check type the timeout belongs to.
type SettingsOverride struct {
	Severity map[string]SeverityOverride `json:"severity" mapstructure:"severity"`
	Timeout  map[string]interface{}      `json:"timeout" mapstructure:"timeout"`
}

// MediaRoute wires one media type to one user: where to send, which
// severities, and the weekly windows, keyed by weekday name.
type MediaRoute struct {
	To       interface{}       `json:"to" mapstructure:"to"`
	Severity map[string]string `json:"severity" mapstructure:"severity"`
	WorkTime map[string]string `json:"work_time" mapstructure:"work_time"`
}

// Material is the operator input that only makes sense in the config
// file: secrets and structured blocks, never flags.
type Material struct {
	Description       string                           `json:"description" mapstructure:"description"`
	SecretGlobalmacro []SecretMacro                    `json:"secret_globalmacro" mapstructure:"secret_globalmacro"`
	EnableUser        map[string]string                `json:"enable_user" mapstructure:"enable_user"`
	CloningSuperAdmin bool                             `json:"cloning_super_admin" mapstructure:"cloning_super_admin"`
	ProxyPSK          map[string]normalize.PSK         `json:"proxy_psk" mapstructure:"proxy_psk"`
	Settings          SettingsOverride                 `json:"settings" mapstructure:"settings"`
	MediaSettings     map[string]map[string]MediaRoute `json:"media_settings" mapstructure:"media_settings"`
	MFAClientSecret   map[string]string                `json:"mfa_client_secret" mapstructure:"mfa_client_secret"`
}

// KindResult counts what applying one kind did.
type KindResult struct {
	Section string
	Kind    string
	Created int
	Updated int
	Deleted int
	Skipped int
	Failed  int
}

// MediaResult counts the alert media routing.
type MediaResult struct {
	Users  int
	Failed int
}

// FirstRunResult counts the first collection run commands.
type FirstRunResult struct {
	Rules int
	Items int
}

// Result aggregates one run. Per-record refusals land here instead of
// failing the run; the caller decides how loud to be about them.
type Result struct {
	VersionID string
	Kinds     []KindResult
	Templates configbridge.Result
	Hosts     hostsync.Result
	Media     MediaResult
	FirstRun  FirstRunResult
}

// add records one kind's counters, dropping all-zero ones.
func (r *Result) add(kr KindResult) {
	if kr.Created == 0 && kr.Updated == 0 && kr.Deleted == 0 && kr.Skipped == 0 && kr.Failed == 0 {
		return
	}
	r.Kinds = append(r.Kinds, kr)
}

// Failures totals the per-record refusals across every phase.
func (r Result) Failures() int {
	n := r.Templates.Failed + r.Hosts.Failed + r.Hosts.Interfaces.Failed + r.Media.Failed
	for _, kr := range r.Kinds {
		n += kr.Failed
	}
	return n
}

// Engine drives one node through a full run.
type Engine struct {
	log      *zap.Logger
	api      API
	store    storage.Store
	profile  *profile.Profile
	ids      *idmap.Map
	progress progress.Presenter
	config   Config
	material Material

	local    map[string]map[string]object
	versions []snapshot.Version
	target   snapshot.Version
	set      snapshot.Set
	extends  []normalize.Extend
	created  snapshot.Version
	result   Result

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an engine over api, which must already be connected, and
// prof, which must describe api's release.
func New(log *zap.Logger, api API, store storage.Store, prof *profile.Profile, pres progress.Presenter, config Config, material Material) *Engine {
	if pres == nil {
		pres = progress.Quiet()
	}
	if config.ApplyWait <= 0 {
		config.ApplyWait = time.Second
	}
	return &Engine{
		log:      log,
		api:      api,
		store:    store,
		profile:  prof,
		ids:      idmap.New(),
		progress: pres,
		config:   config,
		material: material,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// env assembles the reshaping context from the current run state.
func (eng *Engine) env() *normalize.Env {
	return &normalize.Env{
		Log:              eng.log,
		Master:           eng.config.Role == RoleMaster,
		Replica:          eng.config.Role == RoleReplica,
		Node:             eng.api.Node(),
		Release:          eng.profile.Release,
		Source:           eng.source(),
		Profile:          eng.profile,
		IDs:              eng.ids,
		ProxyPSK:         eng.material.ProxyPSK,
		AllowedUsers:     eng.material.EnableUser,
		MFAClientSecrets: eng.material.MFAClientSecret,
		CloneSuperAdmin:  eng.material.CloningSuperAdmin,
		Cloud:            eng.config.Cloud,
		NowFn:            eng.now,
	}
}

// source is the release that shaped the records being applied.
func (eng *Engine) source() release.Rel {
	if eng.config.Role == RoleMaster || eng.target.MasterRelease.IsZero() {
		return eng.api.Release()
	}
	return eng.target.MasterRelease
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// str renders the scalar forms the API mixes freely.
func str(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

// intOr reads a numeric field the API may deliver as a string.
func intOr(data map[string]interface{}, key string, def int) int {
	v, ok := data[key]
	if !ok || v == nil {
		return def
	}
	n, err := strconv.Atoi(str(v))
	if err != nil {
		return def
	}
	return n
}

// objects coerces a decoded JSON array into its object elements.
func objects(value interface{}) []map[string]interface{} {
	items, _ := value.([]interface{})
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// resultIDs pulls the created ids out of an API result.
func resultIDs(result map[string]interface{}, key string) []string {
	items, _ := result[key].([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// containsString reports whether list holds s.
func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
