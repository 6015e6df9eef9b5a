// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/configbridge"
	"github.com/monclone/monclone/pkg/monitor"
	"github.com/monclone/monclone/pkg/normalize"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// runMaster captures this node's configuration as a new version on the
// store and records the version on the node itself.
func (eng *Engine) runMaster(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := eng.refresh(ctx); err != nil {
		return err
	}
	if err := eng.ensureCarryTags(ctx); err != nil {
		return err
	}
	if err := eng.capture(ctx); err != nil {
		return err
	}
	if err := eng.upload(ctx); err != nil {
		return err
	}
	return eng.markVersion(ctx, eng.created.ID)
}

// ensureCarryTags assigns a fresh carry tag to every host that has
// none. The tag is the host's identity on every worker, so it is
// written once and never changed. A host that refuses the tag is
// counted and exported without one; it will pair by name only.
func (eng *Engine) ensureCarryTags(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if eng.config.NoUUID || eng.api.Release().Before(release.R42) {
		return nil
	}

	hosts := eng.local["host"]
	counter := eng.progress.Start("carry tags", int64(len(hosts)))
	defer counter.Finish()

	idField := eng.profile.IDField("host")
	failed := 0
	for _, name := range sortedNames(hosts) {
		host := hosts[name]
		counter.Increment()
		tags := objects(host.data["tags"])
		if hasTag(tags, snapshot.CarryTag) {
			continue
		}
		tagged := make([]interface{}, 0, len(tags)+1)
		for _, tag := range tags {
			tagged = append(tagged, tag)
		}
		tagged = append(tagged, map[string]interface{}{
			"tag":   snapshot.CarryTag,
			"value": uuid.NewString(),
		})
		host.data["tags"] = tagged
		_, err := eng.api.Update(ctx, "host", map[string]interface{}{
			idField: host.id,
			"tags":  tagged,
		})
		if err != nil {
			eng.log.Warn("carry tag refused", zap.String("host", name), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		eng.result.add(KindResult{Section: "INIT", Kind: "host", Failed: failed})
	}
	return nil
}

func hasTag(tags []map[string]interface{}, name string) bool {
	for _, tag := range tags {
		if str(tag["tag"]) == name {
			return true
		}
	}
	return false
}

// capture builds the snapshot record set: the bundled configuration
// export plus every API-path kind, with local ids swapped to names.
// The built-in administrator account, group and role never travel,
// nor does the node's own version macro.
func (eng *Engine) capture(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	bridge := configbridge.New(eng.log.Named("bridge"), eng.api, eng.profile,
		eng.ids, eng.progress, eng.config.Bridge)
	exported, err := bridge.Export(ctx)
	if err != nil {
		return ErrSection.Wrap(err)
	}

	// Data ids are minted at upload; the export's provisional ones are
	// local ids and not unique across kinds.
	for i := range exported {
		exported[i].DataID = ""
	}
	set := snapshot.Collect(exported)
	for kind, byName := range eng.local {
		// Bundled kinds already arrived through the export.
		if _, bundled := eng.profile.ConfigExport[kind]; bundled {
			continue
		}
		for _, name := range sortedNames(byName) {
			if eng.excludeFromCapture(kind, name, byName[name]) {
				continue
			}
			set[kind] = append(set[kind], snapshot.Record{
				Kind: kind,
				Name: name,
				Data: deepCopyValue(byName[name].data),
			})
		}
	}

	// Swap ids for names before anything reaches the store.
	sections := [][]string{
		eng.profile.Sections.Pre,
		eng.profile.Sections.Mid,
		eng.profile.Sections.Post,
		eng.profile.Sections.Account,
		{"authentication"},
	}
	for _, kinds := range sections {
		for _, kind := range kinds {
			if len(set[kind]) == 0 {
				continue
			}
			recs, _, err := normalize.Apply(eng.env(), kind, set[kind])
			if err != nil {
				return ErrSection.New("reshaping %s failed: %v", kind, err)
			}
			if len(recs) == 0 {
				delete(set, kind)
				continue
			}
			set[kind] = recs
		}
	}
	eng.set = set
	return nil
}

// excludeFromCapture filters the objects a snapshot must never carry.
func (eng *Engine) excludeFromCapture(kind, name string, obj object) bool {
	switch kind {
	case "user":
		return name == monitor.DefaultUser
	case "usergroup":
		return name == monitor.SuperGroup
	case "role":
		return obj.id == monitor.SuperRoleID
	case "usermacro":
		return name == snapshot.VersionMacro
	}
	return false
}

// upload publishes the captured set: records first, metadata second,
// so a half written snapshot is never visible.
func (eng *Engine) upload(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	description := fmt.Sprintf("MasterNode: %s (%s), CreateDate: %s",
		eng.api.Node(), eng.api.Endpoint(), eng.now().UTC().Format("2006-01-02T15:04:05Z"))
	if eng.material.Description != "" {
		description += " : " + eng.material.Description
	}
	version := snapshot.NewVersion(eng.api.Release(), description)
	version.CreatedAt = eng.now().Unix()
	if eng.config.Direct {
		version.ID = snapshot.DirectVersionID(eng.now())
	}

	records := eng.set.Records()
	if err := eng.store.PutRecords(ctx, version.ID, records); err != nil {
		return ErrStore.Wrap(err)
	}
	if err := eng.store.PutVersion(ctx, version); err != nil {
		return ErrStore.Wrap(err)
	}
	eng.created = version
	eng.result.VersionID = version.ID
	eng.progress.Say("created version %s (%d records)", version.ID, len(records))
	return nil
}

// deepCopyValue copies a decoded JSON tree so captured payloads do not
// alias the live local index.
func deepCopyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = deepCopyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	}
	return value
}
