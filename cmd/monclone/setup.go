// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"github.com/monclone/monclone/pkg/process"
)

// cmdSetup writes the effective settings into the config directory so a
// node can be provisioned once and run from the file afterwards.
func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir := os.ExpandEnv(confDir)
	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return errs.Wrap(err)
	}

	configFile := filepath.Join(setupDir, process.DefaultCfgFilename)
	if _, err := os.Stat(configFile); err == nil {
		return errs.New("configuration already exists (%v)", configFile)
	}

	overrides := map[string]interface{}{}
	return process.SaveConfig(cmd, configFile, overrides)
}
