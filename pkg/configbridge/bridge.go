// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package configbridge moves the bundled configuration kinds through
// the monitor's configuration.export and configuration.import calls.
//
// Templates only travel safely together with their items, triggers,
// discovery rules and value maps, so instead of the per-kind API the
// bridge exports them as one document on the master and replays them
// as import bundles on a worker. Non-template kinds go in a single
// bundle; each template gets a bundle of its own, ordered so that
// linked templates are already in place when a template arrives.
package configbridge

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/idmap"
	"github.com/monclone/monclone/pkg/profile"
	"github.com/monclone/monclone/pkg/progress"
)

var (
	// Error is the error class for configuration bundle errors.
	Error = errs.Class("configbridge")

	mon = monkit.Package()
)

// API is the slice of the monitor client the bridge drives.
type API interface {
	Export(ctx context.Context, params map[string]interface{}) (document string, err error)
	Import(ctx context.Context, params map[string]interface{}) error
	Create(ctx context.Context, kind string, object interface{}) (result map[string]interface{}, err error)
}

// Config tunes how the bundles are cut.
type Config struct {
	TemplateSeparate int  `help:"how many templates go into one export call" default:"100"`
	TemplateSkip     bool `help:"leave templates out of the clone entirely" default:"false"`
}

// Bridge drives the bundled export/import path against one node.
type Bridge struct {
	log      *zap.Logger
	api      API
	profile  *profile.Profile
	ids      *idmap.Map
	progress progress.Presenter
	config   Config
	now      func() time.Time
}

// New returns a bridge over api, which must be connected to the node
// that profile and ids describe.
func New(log *zap.Logger, api API, prof *profile.Profile, ids *idmap.Map, pres progress.Presenter, config Config) *Bridge {
	if config.TemplateSeparate <= 0 {
		config.TemplateSeparate = 100
	}
	if pres == nil {
		pres = progress.Quiet()
	}
	return &Bridge{
		log:      log,
		api:      api,
		profile:  prof,
		ids:      ids,
		progress: pres,
		config:   config,
		now:      time.Now,
	}
}
