// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package main

import (
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/process"
	"github.com/monclone/monclone/storage"
)

func cmdDeleteVersion(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L().Named("deleteversion")

	if showVersion == "" {
		return errs.New("--version is required")
	}
	if runCfg.Store.Type == "direct" {
		return process.Fail(3, errs.New("a direct store has no stored versions"))
	}

	store, err := openStore(ctx, log)
	if err != nil {
		return process.Fail(3, err)
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	version, err := storage.FindVersion(ctx, store, showVersion)
	if err != nil {
		return process.Fail(3, err)
	}
	if !confirmed("delete version " + version.ID) {
		log.Info("deletion declined, nothing done")
		return nil
	}
	if err := store.DeleteVersion(ctx, version.ID); err != nil {
		return process.Fail(3, err)
	}
	presenter(log).Say("deleted version %s", version.ID)
	return nil
}

func cmdClearStore(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L().Named("clearstore")

	scope, err := storage.ParseScope(clearScope)
	if err != nil {
		return err
	}
	if runCfg.Store.Type == "direct" {
		return process.Fail(3, errs.New("a direct store holds nothing to clear"))
	}

	store, err := openStore(ctx, log)
	if err != nil {
		return process.Fail(3, err)
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	if !confirmed("clear " + string(scope) + " from the " + runCfg.Store.Type + " store") {
		log.Info("clear declined, nothing done")
		return nil
	}
	if err := store.Clear(ctx, scope); err != nil {
		return process.Fail(3, err)
	}
	presenter(log).Say("cleared %s", scope)
	return nil
}
