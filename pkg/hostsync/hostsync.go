// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package hostsync reconciles the hosts of a snapshot against the
// hosts that exist on a worker node.
//
// Hosts are the one kind that differs per node: a worker only adopts
// the hosts whose worker tag names it (replicas adopt everything), and
// existing hosts are matched by display name and by the carry tag so
// that renames and re-creations do not monitor the same machine twice.
// Creates and updates fan out over a bounded worker pool; interface
// rewrites and stale-host deletion run serially afterwards.
package hostsync

import (
	"context"
	"net"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/idmap"
	"github.com/monclone/monclone/pkg/profile"
	"github.com/monclone/monclone/pkg/progress"
	"github.com/monclone/monclone/pkg/release"
)

var (
	// Error is the error class for host reconciliation errors.
	Error = errs.Class("hostsync")

	mon = monkit.Package()
)

// API is the slice of the monitor client the reconciler drives.
type API interface {
	Get(ctx context.Context, kind string, params map[string]interface{}) (objects []map[string]interface{}, err error)
	Create(ctx context.Context, kind string, object interface{}) (result map[string]interface{}, err error)
	Update(ctx context.Context, kind string, object interface{}) (result map[string]interface{}, err error)
	Delete(ctx context.Context, kind string, ids []string) (result map[string]interface{}, err error)
}

// Config tunes how hosts are matched and applied.
type Config struct {
	HostUpdate        bool `help:"update an existing host even when its carry tag does not match" default:"false"`
	ForceHostUpdate   bool `help:"follow renames: update the local host that carries the same tag under another name" default:"false"`
	ForceUseip        bool `help:"resolve dns-only interfaces and pin them to the resolved address" default:"false"`
	WorkerConcurrency int  `help:"parallel host create and update calls" default:"4"`

	// NoDelete and NoUUID mirror the run-wide flags; the engine copies
	// them in before reconciling.
	NoDelete bool `internal:"true"`
	NoUUID   bool `internal:"true"`
}

// Target describes the node the hosts are applied to.
type Target struct {
	// Node is matched against the worker tag values of each host.
	Node string

	// Replica nodes adopt every host and keep the master's status.
	Replica bool

	// Release selects the payload shape the node accepts.
	Release release.Rel
}

// Result counts what one reconciliation did.
type Result struct {
	Total   int
	Created int
	Updated int
	Skipped int
	Failed  int
	Deleted int

	Interfaces InterfaceResult
}

// InterfaceResult counts the serial interface phase.
type InterfaceResult struct {
	Total   int
	Updated int
	Deleted int
	Skipped int
	Failed  int
}

// Reconciler applies snapshot hosts to one node.
type Reconciler struct {
	log      *zap.Logger
	api      API
	profile  *profile.Profile
	target   Target
	ids      *idmap.Map
	progress progress.Presenter
	config   Config
	resolve  func(ctx context.Context, host string) (string, error)
}

// New returns a reconciler over api, which must be connected to the
// node that target, profile and ids describe.
func New(log *zap.Logger, api API, prof *profile.Profile, target Target, ids *idmap.Map, pres progress.Presenter, config Config) *Reconciler {
	if config.WorkerConcurrency <= 0 {
		config.WorkerConcurrency = 4
	}
	if pres == nil {
		pres = progress.Quiet()
	}
	return &Reconciler{
		log:      log,
		api:      api,
		profile:  prof,
		target:   target,
		ids:      ids,
		progress: pres,
		config:   config,
		resolve:  resolveHost,
	}
}

func resolveHost(ctx context.Context, host string) (string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if len(addrs) == 0 {
		return "", Error.New("no address for %q", host)
	}
	return addrs[0], nil
}
