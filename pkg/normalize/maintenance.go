// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// processMaintenance prunes expired windows, strips the timeperiod
// fields the period type does not use, and converts the group and host
// target lists: the master flattens them to names, a worker expands
// them back to id objects under the container key its release expects.
func processMaintenance(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	now := env.now().Unix()

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		periods := objects(data["timeperiods"])
		kept := make([]any, 0, len(periods))
		for _, period := range periods {
			switch intOr(period, "timeperiod_type", -1) {
			case 0: // one time only
				if intOr(period, "start_date", 0)+intOr(period, "period", 0) < now {
					continue
				}
				drop(period, "start_time", "every", "day", "dayofweek", "month")
			case 1: // daily
				drop(period, "start_date", "dayofweek")
			case 2: // weekly
				drop(period, "start_date", "day")
			case 3: // monthly
				drop(period, "start_date")
			}
			kept = append(kept, period)
		}
		data["timeperiods"] = kept

		// Nothing left to schedule, or the window itself has passed.
		if len(kept) == 0 || intOr(data, "active_till", 0) < now {
			continue
		}

		if env.Master {
			if !flattenMaintenanceTargets(env, data) {
				continue
			}
		} else if !expandMaintenanceTargets(env, data) {
			continue
		}

		out = append(out, rec)
	}
	return out, nil, nil
}

// maintenanceGroupKey is the host group container key of the
// maintenance object on rel, on the read side.
func maintenanceGroupKey(rel release.Rel) string {
	if rel.AtLeast(release.R62) {
		return "hostgroups"
	}
	return "groups"
}

// flattenMaintenanceTargets reduces the group and host target lists to
// name lists for the store. Windows targeting nothing are dropped.
func flattenMaintenanceTargets(env *Env, data map[string]any) bool {
	groupsKey := maintenanceGroupKey(env.Release)
	if empty(data[groupsKey]) && empty(data["hosts"]) {
		return false
	}

	groupName := env.Profile.NameField("hostgroup")
	names := make([]any, 0)
	for _, group := range objects(data[groupsKey]) {
		names = append(names, group[groupName])
	}
	if len(names) == 0 {
		delete(data, groupsKey)
	} else {
		data[groupsKey] = names
	}

	hostName := env.Profile.NameField("host")
	names = make([]any, 0)
	for _, host := range objects(data["hosts"]) {
		names = append(names, host[hostName])
	}
	if len(names) == 0 {
		delete(data, "hosts")
	} else {
		data["hosts"] = names
	}

	dropEmptyField(data, "tags")
	return true
}

// expandMaintenanceTargets resolves the stored name lists back to local
// id objects. The container keys differ on both axes: the snapshot side
// follows the master release, the write side this node's release.
// Targets that no longer exist locally are dropped; a window left with
// no resolvable target at all is skipped.
func expandMaintenanceTargets(env *Env, data map[string]any) bool {
	storeGroups := maintenanceGroupKey(env.Source)
	if empty(data[storeGroups]) && empty(data["hosts"]) {
		return false
	}

	groupsKey, hostsKey := "groupids", "hostids"
	if env.Release.AtLeast(release.R62) {
		groupsKey, hostsKey = "groups", "hosts"
	}

	expand := func(kind, fromKey, toKey string) {
		list, _ := data[fromKey].([]any)
		delete(data, fromKey)
		if len(list) == 0 {
			return
		}
		idField := env.Profile.IDField(kind)
		targets := make([]any, 0, len(list))
		for _, name := range list {
			if id, ok := env.swap(kind, name); ok {
				targets = append(targets, map[string]any{idField: id})
			}
		}
		if len(targets) > 0 {
			data[toKey] = targets
		}
	}

	expand("host", "hosts", hostsKey)
	expand("hostgroup", storeGroups, groupsKey)

	// A window whose every target vanished locally cannot be created.
	return !empty(data[groupsKey]) || !empty(data[hostsKey])
}
