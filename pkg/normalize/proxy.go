// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"regexp"
	"strings"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// workerMarkerRegex matches one worker assignment marker inside a proxy
// description.
var workerMarkerRegex = regexp.MustCompile(snapshot.WorkerTag + `:[0-9a-zA-Z_.-]*`)

// pskKeyRegex is the accepted shape of pre-shared key material: hex,
// at least 256 bits. The upper bound lives in validPSKKey; repeat
// counts that large are outside what the regexp package accepts.
var pskKeyRegex = regexp.MustCompile(`^[0-9a-fA-F]{64,}$`)

// validPSKKey reports whether key is usable pre-shared key material:
// hex, 256 to 4096 bits.
func validPSKKey(key string) bool {
	return len(key) <= 1024 && pskKeyRegex.MatchString(key)
}

// processProxy reshapes proxies. A worker only accepts proxies whose
// description leads with exactly one of its own assignment markers;
// local proxies assigned elsewhere since the last run are queued for
// deletion. Key material never travels through the store, so PSK
// settings are re-resolved from the config file, downgrading to
// unencrypted when no usable key exists.
func processProxy(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	groupField := env.Profile.IDField("proxygroup")

	var out []snapshot.Record
	var deleteIDs []string
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		if env.Master {
			if env.Release.AtLeast(release.R70) {
				env.swapField("proxygroup", data, groupField)
			}
			out = append(out, rec)
			continue
		}

		drop(data, env.Profile.Discard["proxy"]...)

		custom := intOr(data, "custom_timeouts", 0)
		for field, v := range data {
			if strings.HasPrefix(field, "timeout_") && (custom == 0 || empty(v)) {
				delete(data, field)
			}
		}

		// status 5 is an active proxy, 6 passive; 7.0 renames the pair
		// to operating_mode 0/1.
		mode := intOr(data, "status", 5) - 5
		if env.Release.AtLeast(release.R70) {
			if env.Source.AtLeast(release.R70) {
				env.swapField("proxygroup", data, groupField)
				mode = intOr(data, "operating_mode", 0)
			} else {
				data[groupField] = 0
				data["name"] = data["host"]
				data["allowed_addresses"] = data["proxy_address"]
				data["operating_mode"] = mode
				drop(data, "host", "proxy_address", "status")
			}
		}

		desc := str(data["description"])
		if len(workerMarkerRegex.FindAllString(desc, -1)) != 1 {
			// Unmarked or ambiguously marked proxies never travel.
			continue
		}
		if !strings.HasPrefix(desc, snapshot.WorkerTag+":"+env.Node+";") {
			if id, ok := env.localID("proxy", rec.Name); ok {
				deleteIDs = append(deleteIDs, id)
			}
			continue
		}

		if proxyWantsPSK(data, mode) {
			applyProxyPSK(env, rec.Name, data, mode)
		}

		out = append(out, rec)
	}

	var extends []Extend
	if len(deleteIDs) > 0 {
		extends = append(extends, Extend{Kind: "proxy", Delete: deleteIDs})
	}
	return out, extends, nil
}

// proxyWantsPSK reads the TLS settings: passive proxies connect with
// PSK when tls_connect is 2, active ones when the tls_accept bitmap
// includes bit 2.
func proxyWantsPSK(data map[string]any, mode int64) bool {
	if mode == 1 {
		return intOr(data, "tls_connect", 0) == 2
	}
	return intOr(data, "tls_accept", 0)&2 != 0
}

// applyProxyPSK injects the configured key pair, or downgrades the
// proxy to unencrypted and leaves a dated note in the description when
// the configuration has no usable pair for it.
func applyProxyPSK(env *Env, name string, data map[string]any, mode int64) {
	psk, ok := env.ProxyPSK[name]
	if ok && (psk.Identity == "" || !validPSKKey(psk.Key)) {
		ok = false
	}
	if ok {
		data["tls_psk_identity"] = psk.Identity
		data["tls_psk"] = psk.Key
		return
	}

	if mode != 0 {
		data["tls_connect"] = 1
	} else if accept := intOr(data, "tls_accept", 0); accept > 2 {
		data["tls_accept"] = accept - 2
	} else {
		data["tls_accept"] = 1
	}

	note := "[" + env.now().UTC().Format("2006-01-02T15:04:05Z") + " PSK DISABLED]"
	if desc := str(data["description"]); desc != "" {
		note += "\r\n\r\n" + desc
	}
	data["description"] = note
}

// processProxygroup passes groups through; a worker additionally queues
// deletion of local groups the snapshot no longer carries.
func processProxygroup(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	if env.Master {
		return recs, nil, nil
	}
	var extends []Extend
	if ids := env.missingLocal("proxygroup", recs); len(ids) > 0 {
		extends = append(extends, Extend{Kind: "proxygroup", Delete: ids})
	}
	return recs, extends, nil
}
