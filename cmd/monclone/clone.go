// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/clone"
	"github.com/monclone/monclone/pkg/monitor"
	"github.com/monclone/monclone/pkg/process"
	"github.com/monclone/monclone/pkg/profile"
	"github.com/monclone/monclone/pkg/progress"
	"github.com/monclone/monclone/storage"
	"github.com/monclone/monclone/storage/direct"
)

func cmdClone(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L().Named("clone")

	material, err := loadMaterial(cmd)
	if err != nil {
		return process.Fail(254, err)
	}

	pres := presenter(log)
	summarize(pres)
	if !confirmed("run " + runCfg.Clone.Role + " against " + runCfg.Monitor.Endpoint) {
		log.Info("run declined, nothing done")
		return nil
	}

	client, err := connectMonitor(ctx, log)
	if err != nil {
		return process.Fail(2, err)
	}
	if runCfg.Monitor.UpdatePassword && runCfg.Clone.Role != clone.RoleMaster {
		if err := client.ChangePassword(ctx); err != nil {
			return process.Fail(2, err)
		}
	}

	prof, err := profile.New(client.Release())
	if err != nil {
		return process.Fail(2, err)
	}

	var store storage.Store
	if runCfg.Store.Type == "direct" {
		store, err = captureDirect(ctx, log, pres, material)
		if err != nil {
			return failFor(err)
		}
	} else {
		store, err = openStore(ctx, log)
		if err != nil {
			return process.Fail(3, err)
		}
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Warn("store close failed", zap.Error(closeErr))
		}
	}()

	eng := clone.New(log.Named("engine"), client, store, prof, pres, runCfg.Clone, material)
	result, err := eng.Run(ctx)
	if err != nil {
		return failFor(err)
	}
	report(pres, result)
	return nil
}

// captureDirect runs the master leg of a direct clone: the store
// configuration names a live master node, a master engine exports it
// into an in-memory store, and the worker consumes that store within
// this run. Failures here are store preconditions; the worker's node
// has not been touched.
func captureDirect(ctx context.Context, log *zap.Logger, pres progress.Presenter, material clone.Material) (storage.Store, error) {
	masterCfg := monitor.Config{
		Endpoint: runCfg.Store.Endpoint,
		Node:     runCfg.Store.Access,
		Token:    runCfg.Store.Credential,
		SelfCert: runCfg.Monitor.SelfCert,
		Timeout:  runCfg.Monitor.Timeout,
	}
	master := monitor.New(log.Named("master"), masterCfg)
	if err := master.Connect(ctx); err != nil {
		return nil, clone.ErrStore.New("direct master unreachable: %v", err)
	}
	masterProfile, err := profile.New(master.Release())
	if err != nil {
		return nil, clone.ErrStore.Wrap(err)
	}

	store := direct.New()
	config := clone.Config{
		Role:   clone.RoleMaster,
		NoUUID: runCfg.Clone.NoUUID,
		Cloud:  runCfg.Clone.Cloud,
		Bridge: runCfg.Clone.Bridge,
		Direct: true,
	}
	eng := clone.New(log.Named("direct"), master, store, masterProfile, pres, config, material)
	if _, err := eng.Run(ctx); err != nil {
		return nil, clone.ErrStore.New("direct capture failed: %v", err)
	}

	runCfg.Clone.Direct = true
	runCfg.Clone.DirectNode = master.Node()
	runCfg.Clone.DirectEndpoint = master.Endpoint()
	return store, nil
}

// summarize prints the parameters that decide what the run will do.
func summarize(pres progress.Presenter) {
	pres.Say("role: %s, node: %s (%s)",
		runCfg.Clone.Role, runCfg.Monitor.Node, runCfg.Monitor.Endpoint)
	pres.Say("store: %s %s", runCfg.Store.Type, runCfg.Store.Endpoint)
	if runCfg.Clone.TargetVersion != "" {
		pres.Say("target version: %s", runCfg.Clone.TargetVersion)
	}
	pres.Say("force-initialize: %v, no-delete: %v, no-uuid: %v, cloud: %v",
		runCfg.Clone.ForceInitialize, runCfg.Clone.NoDelete,
		runCfg.Clone.NoUUID, runCfg.Clone.Cloud)
	if runCfg.Clone.Bridge.TemplateSkip {
		pres.Say("templates: skipped")
	}
	if runCfg.Clone.ChecknowExecute {
		pres.Say("first collection: intervals %v", runCfg.Clone.ChecknowInterval)
	}
}

// report prints what the run did. Per-record refusals do not change
// the exit code; the summary is how they surface.
func report(pres progress.Presenter, result clone.Result) {
	if result.VersionID != "" {
		pres.Say("version: %s", result.VersionID)
	}
	for _, kr := range result.Kinds {
		pres.Say("%s %s: created %d, updated %d, deleted %d, skipped %d, failed %d",
			kr.Section, kr.Kind, kr.Created, kr.Updated, kr.Deleted, kr.Skipped, kr.Failed)
	}
	if result.Templates.Total > 0 {
		pres.Say("templates: %d imported, %d failed",
			result.Templates.Success, result.Templates.Failed)
		for _, te := range result.Templates.Errors {
			pres.Say("  template %s: %v", te.Name, te.Err)
		}
	}
	if result.Hosts.Total > 0 {
		pres.Say("hosts: created %d, updated %d, deleted %d, skipped %d, failed %d",
			result.Hosts.Created, result.Hosts.Updated, result.Hosts.Deleted,
			result.Hosts.Skipped, result.Hosts.Failed)
	}
	if result.Media.Users > 0 {
		pres.Say("media routing: %d users, %d failed", result.Media.Users, result.Media.Failed)
	}
	if result.FirstRun.Rules+result.FirstRun.Items > 0 {
		pres.Say("first collection: %d rules, %d items",
			result.FirstRun.Rules, result.FirstRun.Items)
	}
	if failures := result.Failures(); failures > 0 {
		pres.Say("completed with %d record failures", failures)
	} else {
		pres.Say("completed")
	}
}
