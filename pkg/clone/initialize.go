// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// wipeOrder lists the kinds an initialize removes, dependents first.
// Hosts go before proxies and templates, proxies before proxy groups.
func (eng *Engine) wipeOrder() []string {
	order := []string{
		"usermacro", "correlation", "drule", "mediatype", "action",
		"script", "maintenance", "host", "proxy", "template", "hostgroup",
	}
	rel := eng.api.Release()
	if rel.AtLeast(release.R60) {
		order = append([]string{"service", "sla", "regexp"}, order...)
	}
	if rel.AtLeast(release.R62) {
		order = append(order, "templategroup")
	}
	if rel.AtLeast(release.R70) {
		order = append(order, "proxygroup")
	}
	if eng.config.Bridge.TemplateSkip {
		kept := order[:0]
		for _, kind := range order {
			switch kind {
			case "hostgroup", "template", "templategroup":
			default:
				kept = append(kept, kind)
			}
		}
		order = kept
	}
	return order
}

// initialize wipes the node back to a fresh install so the version
// lands on clean ground. The wipe leaves the objects the node cannot
// live without: the discovery host group, and on hosted nodes the
// platform owned objects. The wiped node is marked not-yet-cloned so an
// interrupted run is recognized next time.
func (eng *Engine) initialize(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	eng.progress.Say("initializing node %s", eng.api.Node())
	for _, kind := range eng.wipeOrder() {
		if !eng.profile.Has(kind) {
			continue
		}
		ids := eng.wipeIDs(kind)
		if len(ids) == 0 {
			continue
		}
		if kind == "usermacro" {
			if err := eng.api.Do(ctx, "usermacro.deleteglobal", ids, nil); err != nil {
				return ErrSection.New("wiping global macros failed: %v", err)
			}
		} else if _, err := eng.api.Delete(ctx, kind, ids); err != nil {
			return ErrSection.New("wiping %s failed: %v", kind, err)
		}
		eng.result.add(KindResult{Section: "INIT", Kind: kind, Deleted: len(ids)})
	}

	if err := eng.refresh(ctx); err != nil {
		return err
	}
	return eng.markVersion(ctx, snapshot.NotYetCloned)
}

// wipeIDs selects the local ids of kind an initialize may remove.
func (eng *Engine) wipeIDs(kind string) []string {
	byName := eng.local[kind]
	discovery := eng.discoveryGroupID()
	ids := make([]string, 0, len(byName))
	for _, name := range sortedNames(byName) {
		obj := byName[name]
		if obj.id == "" {
			continue
		}
		if kind == "hostgroup" {
			if obj.id == discovery || str(obj.data["internal"]) == "1" {
				continue
			}
		}
		if eng.config.Cloud && containsString(eng.profile.CloudOverrides[kind], name) {
			continue
		}
		ids = append(ids, obj.id)
	}
	return ids
}

// discoveryGroupID is the host group discovered hosts land in; it
// cannot be deleted. From 6.2 the settings API names it, before that
// the group carries the internal flag instead.
func (eng *Engine) discoveryGroupID() string {
	if !eng.api.Release().AtLeast(release.R62) {
		return ""
	}
	prop, ok := eng.local["settings"]["discovery_groupid"]
	if !ok {
		return ""
	}
	return str(prop.data["discovery_groupid"])
}

// softReset removes the event-shaped kinds a version replaces whole:
// leftovers of these would keep firing against the incoming
// configuration. A no-delete run keeps them and overlays by name.
func (eng *Engine) softReset(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if eng.config.NoDelete {
		return nil
	}
	for _, kind := range []string{"correlation", "drule", "action", "script", "maintenance"} {
		if !eng.profile.Has(kind) {
			continue
		}
		ids := eng.wipeIDs(kind)
		if len(ids) == 0 {
			continue
		}
		if _, err := eng.api.Delete(ctx, kind, ids); err != nil {
			return ErrSection.New("resetting %s failed: %v", kind, err)
		}
		eng.result.add(KindResult{Section: "INIT", Kind: kind, Deleted: len(ids)})
	}
	return eng.refresh(ctx)
}
