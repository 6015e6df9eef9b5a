// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// processScript swaps the script's user group and host group scoping
// references; on a worker it additionally strips every field the
// script's type and scope do not use, which later releases reject
// instead of ignoring.
func processScript(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		for _, kind := range []string{"usergroup", "hostgroup"} {
			field := env.Profile.IDField(kind)
			if !empty(data[field]) {
				env.swapField(kind, data, field)
			}
		}

		if env.worker() {
			stripScriptFields(env.Release, data)
		}
		out = append(out, rec)
	}
	return out, nil, nil
}

// Script types: 0 script, 1 IPMI, 2 SSH, 3 Telnet, 5 webhook, 6 URL.
// Scopes 2 and 4 are the manual host and event actions.
func stripScriptFields(rel release.Rel, data map[string]any) {
	stype := intOr(data, "type", 0)
	scope := intOr(data, "scope", 0)
	manual := scope == 2 || scope == 4

	if rel.AtLeast(release.R54) {
		if stype != 0 {
			delete(data, "execute_on")
		}
		if stype == 2 {
			// SSH keeps the credential set of its auth method.
			if intOr(data, "authtype", 0) == 0 {
				drop(data, "publickey", "privatekey")
			} else {
				delete(data, "password")
			}
		} else {
			drop(data, "authtype", "publickey", "privatekey")
			if stype != 3 {
				drop(data, "username", "password", "port")
			}
		}
		if stype != 5 {
			drop(data, "timeout", "parameters")
		}
		if !manual {
			drop(data, "menu_path", "usrgrpid", "host_access", "confirmation")
		}
	}

	if rel.AtLeast(release.R64) && stype != 6 {
		drop(data, "url", "new_window")
	}

	if rel.AtLeast(release.R70) {
		if !manual || intOr(data, "manualinput", 0) == 0 {
			drop(data,
				"manualinput",
				"manualinput_prompt",
				"manualinput_validator",
				"manualinput_validator_type",
				"manualinput_default_value",
			)
		} else if intOr(data, "manualinput_validator_type", 0) == 1 {
			delete(data, "manualinput_default_value")
		}
	}
}
