// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"slices"

	"github.com/monclone/monclone/pkg/monitor"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// processUser reshapes user accounts. Users only travel onto a worker
// when the operator allow-listed them; externally provisioned users
// and, unless enabled, super administrators never travel. Passwords do
// not exist in snapshots, so new accounts get the allow-list password
// and existing accounts keep theirs. Local users missing from the
// snapshot are queued for deletion, except the built-in administrator.
func processUser(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	mediaField := env.Profile.IDField("mediatype")
	groupField := env.Profile.IDField("usergroup")

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		// Media references swap in both directions; media that cannot
		// be resolved is dropped.
		if medias, ok := data["medias"].([]any); ok {
			kept := make([]any, 0, len(medias))
			for _, media := range objects(medias) {
				if env.swapField("mediatype", media, mediaField) {
					kept = append(kept, media)
				}
			}
			data["medias"] = kept
		}

		// Permissions moved from the type field to roles at 5.2.
		permit := "type"
		if env.Release.AtLeast(release.R52) {
			permit = env.Profile.IDField("role")
			if env.worker() && env.Source.Before(release.R52) {
				data[permit] = data["type"]
				delete(data, "type")
			} else {
				env.swapField("role", data, permit)
			}
		}

		if env.Master {
			groups := make([]any, 0)
			for _, group := range objects(data["usrgrps"]) {
				if !empty(group["name"]) {
					groups = append(groups, group["name"])
				}
			}
			data["usrgrps"] = groups
			out = append(out, rec)
			continue
		}

		// Accounts owned by an external directory are provisioned, not
		// cloned.
		if n, _ := num(data["userdirectoryid"]); n != 0 {
			continue
		}
		if !env.CloneSuperAdmin && str(data[permit]) == monitor.SuperRoleID {
			continue
		}
		// An allow-list entry without a password is no entry: new
		// accounts could never log in.
		password := env.AllowedUsers[rec.Name]
		if password == "" {
			continue
		}
		if _, exists := env.localID("user", rec.Name); !exists {
			data["passwd"] = password
		}

		groups := make([]any, 0)
		if list, ok := data["usrgrps"].([]any); ok {
			for _, name := range list {
				if id, ok := env.swap("usergroup", name); ok {
					groups = append(groups, map[string]any{groupField: id})
				}
			}
		}
		data["usrgrps"] = groups

		drop(data, "userdirectoryid", "users_status", "gui_access", "debug_mode")

		medias := objects(data["medias"])
		delete(data, "medias")
		kept := make([]any, 0, len(medias))
		for _, media := range medias {
			drop(media, "mediaid", "userid")
			if n, _ := num(media["userdirectory_mediaid"]); n != 0 {
				continue
			}
			delete(media, "userdirectory_mediaid")
			kept = append(kept, media)
		}
		if len(kept) > 0 {
			key := "user_medias"
			if env.Release.AtLeast(release.R52) {
				key = "medias"
			}
			data[key] = kept
		}

		out = append(out, rec)
	}

	var extends []Extend
	if env.worker() {
		// Compare against the snapshot, not the allow-list survivors:
		// a known-but-unlisted user stays untouched.
		if ids := env.missingLocal("user", recs, monitor.DefaultUser); len(ids) > 0 {
			extends = append(extends, Extend{Kind: "user", Delete: ids})
		}
	}
	return out, extends, nil
}

// processUsergroup swaps the host group references inside tag filters
// and permission entries. Permissions split into host group and
// template group lists at 6.2; snapshots from older masters feed both
// lists from the single combined one.
func processUsergroup(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	groupField := env.Profile.IDField("hostgroup")

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		for _, tag := range objects(data["tag_filters"]) {
			env.swapField("hostgroup", tag, groupField)
		}
		if env.Profile.Has("userdirectory") && !empty(data["userdirectoryid"]) {
			env.swapField("userdirectory", data, "userdirectoryid")
		}
		if env.Profile.Has("mfa") && !empty(data["mfaid"]) {
			env.swapField("mfa", data, "mfaid")
		}

		split := env.Release.AtLeast(release.R62)
		targets := []string{"hostgroup"}
		if split {
			targets = []string{"hostgroup", "templategroup"}
		}
		for _, kind := range targets {
			rightsKey, sourceKey := "rights", "rights"
			if split {
				rightsKey = kind + "_rights"
				sourceKey = rightsKey
				if env.worker() && env.Source.Before(release.R62) {
					sourceKey = "rights"
				}
			}
			rights := objects(data[sourceKey])
			if len(rights) == 0 {
				continue
			}
			rebuilt := make([]any, 0, len(rights))
			for _, right := range rights {
				if id, ok := env.swap(kind, right["id"]); ok {
					rebuilt = append(rebuilt, map[string]any{
						"id":         id,
						"permission": right["permission"],
					})
				}
			}
			data[rightsKey] = rebuilt
		}
		if split && env.worker() && env.Source.Before(release.R62) {
			delete(data, "rights")
		}

		if env.worker() {
			if env.Release.AtLeast(release.R62) {
				guiAccess := intOr(data, "gui_access", 0)
				if n, _ := num(data["userdirectoryid"]); n == 0 || guiAccess == 1 || guiAccess == 3 {
					delete(data, "userdirectoryid")
				}
			}
			if env.Release.AtLeast(release.R70) && intOr(data, "mfa_status", 0) == 0 {
				drop(data, "mfa_status", "mfaid")
			}
			// Membership is written from the user side.
			drop(data, "users", "userids")
			dropEmptyField(data, "tag_filters")
		}

		out = append(out, rec)
	}
	return out, nil, nil
}

// processRole strips read-only rule entries on a worker and splits the
// pre-6.4 combined actions UI rule into its per-source successors.
func processRole(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	if env.Master {
		return recs, nil, nil
	}
	discard := env.Profile.Discard["role"]

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		for field := range data {
			if slices.Contains(discard, field) {
				delete(data, field)
			}
		}

		rules, ok := data["rules"].(map[string]any)
		if !ok {
			out = append(out, rec)
			continue
		}
		for name, params := range rules {
			if slices.Contains(discard, name) {
				delete(rules, name)
				continue
			}
			list, ok := params.([]any)
			if !ok {
				continue
			}
			kept := make([]any, 0, len(list))
			for _, param := range list {
				if m, ok := param.(map[string]any); ok && slices.Contains(discard, str(m["name"])) {
					continue
				}
				kept = append(kept, param)
			}
			rules[name] = kept
		}

		if env.Release.AtLeast(release.R64) {
			splitRoleActionsRule(env, rules)
		}
		if env.Cloud {
			for _, name := range env.Profile.CloudOverrides["role"] {
				delete(rules, name)
			}
		}

		out = append(out, rec)
	}
	return out, nil, nil
}

// splitRoleActionsRule replaces the combined configuration.actions UI
// rule, retired at 6.4, with the per-source rules that succeeded it.
func splitRoleActionsRule(env *Env, rules map[string]any) {
	ui, ok := rules["ui"].([]any)
	if !ok {
		return
	}
	var status int64
	kept := make([]any, 0, len(ui))
	for _, entry := range ui {
		if m, ok := entry.(map[string]any); ok && str(m["name"]) == "configuration.actions" {
			status = intOr(m, "status", 0)
			continue
		}
		kept = append(kept, entry)
	}
	if status != 0 && env.Source.Before(release.R64) {
		for _, name := range []string{
			"configuration.trigger_actions",
			"configuration.service_actions",
			"configuration.discovery_actions",
			"configuration.autoregistration_actions",
			"configuration.internal_actions",
		} {
			kept = append(kept, map[string]any{"name": name, "status": status})
		}
	}
	rules["ui"] = kept
}

// processUserdirectory swaps the media type, role and user group
// references inside JIT provisioning settings, pruning entries whose
// references no longer resolve.
func processUserdirectory(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	mediaField := env.Profile.IDField("mediatype")
	groupField := env.Profile.IDField("usergroup")
	roleField := env.Profile.IDField("role")

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		if media := objects(data["provision_media"]); len(media) > 0 {
			kept := make([]any, 0, len(media))
			for _, m := range media {
				delete(m, "userdirectory_mediaid")
				if env.swapField("mediatype", m, mediaField) {
					kept = append(kept, m)
				}
			}
			data["provision_media"] = kept
		}

		if groups := objects(data["provision_groups"]); len(groups) > 0 {
			kept := make([]any, 0, len(groups))
			for _, prov := range groups {
				env.swapField("role", prov, roleField)
				userGroups := make([]any, 0)
				for _, ug := range objects(prov["user_group"]) {
					if env.swapField("usergroup", ug, groupField) {
						userGroups = append(userGroups, ug)
					}
				}
				if len(userGroups) == 0 {
					continue
				}
				prov["user_group"] = userGroups
				kept = append(kept, prov)
			}
			data["provision_groups"] = kept
		}

		if env.worker() {
			dropEmptyField(data, "provision_media", "provision_groups")
		}

		out = append(out, rec)
	}
	return out, nil, nil
}

// processMFA re-resolves multi-factor secrets on a worker: TOTP methods
// carry no secrets, Duo methods need the client secret from the config
// file and are skipped without one.
func processMFA(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	if env.Master {
		return recs, nil, nil
	}

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}
		switch intOr(data, "type", 0) {
		case 1: // TOTP
			drop(data, "api_hostname", "clientid", "client_secret")
		case 2: // Duo universal prompt
			drop(data, "hash_function", "code_length")
			secret, ok := env.MFAClientSecrets[rec.Name]
			if !ok {
				continue
			}
			data["client_secret"] = secret
		default:
			continue
		}
		out = append(out, rec)
	}
	return out, nil, nil
}
