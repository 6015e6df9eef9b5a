// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Endpoint string        `help:"monitor api endpoint" default:"http://localhost"`
	Yes      bool          `help:"assume yes" default:"false"`
	Workers  int           `help:"pool size" default:"4" devDefault:"1"`
	Wait     time.Duration `help:"settle wait" default:"30s"`
	Interval []string      `help:"intervals" default:"1h"`
	Store    struct {
		Type      string `help:"backend" default:"file"`
		BasePath  string `help:"data dir" default:"$CONFDIR/store"`
		Secret    string `help:"credential" default:"" hidden:"true"`
		FirstTime bool   `help:"write initial state" default:"true" setup:"true"`
	}
	Allowed map[string]string `internal:"true"`
}

func TestBind(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var cfg testConfig
	Bind(flags, &cfg, ConfDir("/tmp/conf"))

	for _, name := range []string{
		"endpoint", "yes", "workers", "wait", "interval",
		"store.type", "store.base-path", "store.secret",
	} {
		require.NotNil(t, flags.Lookup(name), name)
	}
	// internal fields and setup-only fields stay off the flag set.
	assert.Nil(t, flags.Lookup("allowed"))
	assert.Nil(t, flags.Lookup("store.first-time"))

	require.NoError(t, flags.Parse([]string{"--workers=8", "--store.type", "redis"}))
	assert.Equal(t, "http://localhost", cfg.Endpoint)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, 30*time.Second, cfg.Wait)
	assert.Equal(t, []string{"1h"}, cfg.Interval)
	assert.Equal(t, "/tmp/conf/store", cfg.Store.BasePath)

	hidden := flags.Lookup("store.secret")
	assert.True(t, hidden.Hidden)
	assert.Equal(t, []string{"true"}, hidden.Annotations["hidden"])
}

func TestBindSetup(t *testing.T) {
	flags := pflag.NewFlagSet("setup", pflag.ContinueOnError)
	var cfg testConfig
	BindSetup(flags, &cfg)

	f := flags.Lookup("store.first-time")
	require.NotNil(t, f)
	assert.Equal(t, []string{"true"}, f.Annotations["setup"])
}

func TestDevDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("dev", pflag.ContinueOnError)
	var cfg testConfig
	Bind(flags, &cfg, UseDefaults("dev"))
	require.NoError(t, flags.Parse(nil))
	assert.Equal(t, 1, cfg.Workers)
}

func TestHyphenate(t *testing.T) {
	for in, want := range map[string]string{
		"Endpoint":       "endpoint",
		"BatchLimit":     "batch-limit",
		"APIToken":       "api-token",
		"ForceUseIP":     "force-use-ip",
		"TLSSkipVerify":  "tls-skip-verify",
		"CheckNowWait":   "check-now-wait",
		"HTTPTimeout":    "http-timeout",
		"Node2Endpoint":  "node2-endpoint",
		"UpdatePassword": "update-password",
	} {
		assert.Equal(t, want, hyphenate(in), in)
	}
}
