// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"slices"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// Discovery check types grouped by the fields they use.
var (
	druleAgentTypes  = []int64{9, 10, 11, 13}
	druleSNMPv12Type = []int64{10, 11}
	druleSNMPv3Type  = []int64{13}
	druleICMPType    = []int64{12}
)

var druleSNMPv3Fields = []string{
	"snmpv3_authpassphrase",
	"snmpv3_authprotocol",
	"snmpv3_contextname",
	"snmpv3_privpassphrase",
	"snmpv3_privprotocol",
	"snmpv3_securitylevel",
	"snmpv3_securityname",
}

// processDrule reshapes network discovery rules. The proxy reference is
// swapped through the id index under the field name the writing release
// expects; rules whose proxy cannot be resolved are dropped rather than
// rewired to the server. Each check keeps only the fields its check
// type uses.
func processDrule(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	// 7.0 renamed the proxy reference. Snapshots from older masters
	// carry the old name; proxy groups are not supported for rules yet.
	field, rename := "proxy_hostid", ""
	if env.Release.AtLeast(release.R70) {
		field = "proxyid"
		if env.worker() && env.Source.Before(release.R70) {
			field, rename = "proxy_hostid", "proxyid"
		}
	}

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		swapped, ok := env.swap("proxy", data[field])
		if !ok {
			continue
		}
		if rename != "" {
			data[rename] = swapped
			delete(data, field)
		} else {
			data[field] = swapped
		}

		if env.worker() {
			drop(data, env.Profile.Discard["drule"]...)
			delete(data, "error")
			for _, check := range objects(data["dchecks"]) {
				normalizeDCheck(check)
			}
		}

		out = append(out, rec)
	}
	return out, nil, nil
}

// normalizeDCheck strips the ids the API assigns and every field the
// check's type does not use.
func normalizeDCheck(check map[string]any) {
	ctype := intOr(check, "type", -1)
	drop(check, "dcheckid", "druleid")

	for _, field := range []string{"port", "host_source", "name_source"} {
		if n, ok := num(check[field]); ok && n == 0 {
			delete(check, field)
		}
	}

	if !slices.Contains(druleAgentTypes, ctype) {
		delete(check, "key_")
	}
	if !slices.Contains(druleSNMPv12Type, ctype) {
		delete(check, "snmp_community")
	}
	if !slices.Contains(druleSNMPv3Type, ctype) {
		drop(check, druleSNMPv3Fields...)
	}
	if !slices.Contains(druleICMPType, ctype) {
		delete(check, "allow_redirect")
	}
}
