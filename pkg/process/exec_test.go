// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package process_test

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v2"

	"github.com/monclone/monclone/internal/testcontext"
	"github.com/monclone/monclone/pkg/cfgstruct"
	"github.com/monclone/monclone/pkg/process"
)

type testConfig struct {
	Workers  int    `help:"worker count" default:"4"`
	Endpoint string `help:"monitoring server endpoint" default:"http://localhost"`
	Store    struct {
		Type string `help:"store driver" default:"file"`
	}
}

func TestExecPropagatesEnv(t *testing.T) {
	t.Setenv("MONCLONE_WORKERS", "8")
	t.Setenv("MONCLONE_STORE_TYPE", "redis")

	var config, got testConfig
	cmd := &cobra.Command{
		Use: "test-propagate",
		RunE: func(cmd *cobra.Command, args []string) error {
			got = config
			return nil
		},
	}
	cfgstruct.Bind(cmd.Flags(), &config)
	cmd.SetArgs([]string{"--no-config-files"})
	process.Exec(cmd)

	require.Equal(t, 8, got.Workers)
	require.Equal(t, "redis", got.Store.Type)
	require.Equal(t, "http://localhost", got.Endpoint)
}

func TestExecReadsConfigFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("monclone.conf")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"workers": 12, "store": {"type": "bolt"}}`), 0600))

	var config, got testConfig
	cmd := &cobra.Command{
		Use: "test-config-file",
		RunE: func(cmd *cobra.Command, args []string) error {
			got = config
			return nil
		},
	}
	cfgstruct.Bind(cmd.Flags(), &config)
	cmd.SetArgs([]string{"--config-file", path, "--workers", "3"})
	process.Exec(cmd)

	// the command line wins over the file, the file over the default
	require.Equal(t, 3, got.Workers)
	require.Equal(t, "bolt", got.Store.Type)
	require.Equal(t, "http://localhost", got.Endpoint)
}

func TestSaveConfigFiltersFlags(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	type saveConfig struct {
		Endpoint string `help:"monitoring server endpoint" default:"http://localhost" user:"true"`
		Token    string `help:"api token" default:"" hidden:"true"`
		Workers  int    `help:"worker count" default:"4"`
		FirstRun bool   `help:"run initial setup" default:"false" setup:"true"`
	}

	var config saveConfig
	outfile := ctx.File("config.yaml")
	cmd := &cobra.Command{
		Use: "test-save",
		RunE: func(cmd *cobra.Command, args []string) error {
			return process.SaveConfig(cmd, outfile, map[string]interface{}{
				"workers": 9,
			})
		},
	}
	cfgstruct.BindSetup(cmd.Flags(), &config)
	cmd.SetArgs([]string{"--endpoint", "http://master:8080", "--no-config-files"})
	process.Exec(cmd)

	data, err := os.ReadFile(outfile)
	require.NoError(t, err)
	saved := map[string]interface{}{}
	require.NoError(t, yaml.Unmarshal(data, &saved))

	require.Equal(t, "http://master:8080", saved["endpoint"])
	require.Equal(t, 9, saved["workers"])
	require.NotContains(t, saved, "token")
	require.NotContains(t, saved, "first-run")
}

func TestFailCarriesCode(t *testing.T) {
	base := errs.New("store not reachable")
	err := process.Fail(3, base)
	require.Error(t, err)
	require.Equal(t, "store not reachable", err.Error())
	require.ErrorIs(t, err, base)

	require.NoError(t, process.Fail(3, nil))
}
