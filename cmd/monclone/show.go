// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/process"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

func cmdShowVersions(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L().Named("showversions")

	if runCfg.Store.Type == "direct" {
		// a direct store holds nothing until a run captures the master
		return process.Fail(3, errs.New("a direct store has no stored versions"))
	}
	store, err := openStore(ctx, log)
	if err != nil {
		return process.Fail(3, err)
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	versions, err := store.Versions(ctx)
	if err != nil {
		return process.Fail(3, err)
	}

	pres := presenter(log)
	for _, v := range versions {
		if showIDOnly {
			pres.Say("%s", v.ID)
			continue
		}
		pres.Say("%s  %s  %s  %s", v.ID,
			time.Unix(v.CreatedAt, 0).UTC().Format("2006-01-02T15:04:05Z"),
			v.MasterRelease, v.Description)
	}
	if len(versions) == 0 {
		pres.Say("no versions on store")
	}
	return nil
}

func cmdShowData(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L().Named("showdata")

	var store storage.Store
	if runCfg.Store.Type == "direct" {
		// live master: capture it into the in-memory store first
		material, err := loadMaterial(cmd)
		if err != nil {
			return process.Fail(254, err)
		}
		store, err = captureDirect(ctx, log, presenter(log), material)
		if err != nil {
			return failFor(err)
		}
	} else {
		store, err = openStore(ctx, log)
		if err != nil {
			return process.Fail(3, err)
		}
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	version, err := resolveVersion(ctx, store, showVersion)
	if err != nil {
		return process.Fail(3, err)
	}
	records, err := store.Records(ctx, version.ID)
	if err != nil {
		return process.Fail(3, err)
	}

	pres := presenter(log)
	if !showIDOnly {
		pres.Say("version %s (master %s)", version.ID, version.MasterRelease)
	}
	shown := 0
	for _, rec := range records {
		if showMethod != "" && rec.Kind != showMethod {
			continue
		}
		if showName != "" && !strings.Contains(rec.Name, showName) {
			continue
		}
		shown++
		if showIDOnly {
			pres.Say("%s", rec.DataID)
			continue
		}
		pres.Say("%s  %-16s %s", rec.DataID, rec.Kind, rec.Name)
	}
	if shown == 0 && !showIDOnly {
		pres.Say("no matching records")
	}
	return nil
}

// resolveVersion picks the named version off the store, or the newest
// when id is empty.
func resolveVersion(ctx context.Context, store storage.Store, id string) (snapshot.Version, error) {
	if id != "" {
		return storage.FindVersion(ctx, store, id)
	}
	versions, err := store.Versions(ctx)
	if err != nil {
		return snapshot.Version{}, err
	}
	latest, ok := snapshot.Latest(versions)
	if !ok {
		return snapshot.Version{}, storage.ErrVersionNotFound.New("store is empty")
	}
	return latest, nil
}
