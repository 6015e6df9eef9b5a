// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"github.com/monclone/monclone/pkg/snapshot"
)

// processService splits each service into the service itself and its
// relations. Parent and child links reference services that may not
// exist until the whole kind has been applied, so a worker queues them
// as second pass updates; ServiceRelations resolves them once the
// section is done.
func processService(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	if len(recs) == 0 {
		return recs, nil, nil
	}

	var relations []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		if env.Master {
			for _, key := range []string{"parents", "children"} {
				names := make([]any, 0)
				for _, linked := range objects(data[key]) {
					if !empty(linked["name"]) {
						names = append(names, linked["name"])
					}
				}
				data[key] = names
			}
			continue
		}

		drop(data, env.Profile.Discard["service"]...)

		// An empty relation list still travels: the update clears
		// links the snapshot no longer carries.
		relation := make(map[string]any, 2)
		for _, key := range []string{"parents", "children"} {
			names, _ := data[key].([]any)
			if names == nil {
				names = []any{}
			}
			relation[key] = names
			delete(data, key)
		}
		relations = append(relations, snapshot.Record{
			Kind: "service",
			Name: rec.Name,
			Data: relation,
		})
	}

	var extends []Extend
	if env.worker() {
		ext := Extend{Kind: "service", Records: relations}
		ext.Delete = env.missingLocal("service", recs)
		if len(ext.Records) > 0 || len(ext.Delete) > 0 {
			extends = append(extends, ext)
		}
	}
	return recs, extends, nil
}

// ServiceRelations builds the second pass update for one queued
// relation record: the service's own id plus parents and children as
// id references. ok is false when the service itself never made it
// onto the node; its relations cannot exist either and the record is
// skipped.
func ServiceRelations(env *Env, rec snapshot.Record) (map[string]any, bool, error) {
	data, err := object(rec)
	if err != nil {
		return nil, false, err
	}
	idField := env.Profile.IDField("service")
	id, ok := env.localID("service", rec.Name)
	if !ok {
		return nil, false, nil
	}
	payload := map[string]any{idField: id}
	for _, key := range []string{"parents", "children"} {
		list, _ := data[key].([]any)
		refs := make([]any, 0, len(list))
		for _, name := range list {
			if linked, ok := env.swap("service", name); ok {
				refs = append(refs, map[string]any{idField: linked})
			}
		}
		payload[key] = refs
	}
	return payload, true, nil
}

// processSLA drops the selected sub-objects when they are empty, which
// the update call would otherwise reject, and queues deletion of local
// SLAs the snapshot no longer carries.
func processSLA(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	if env.Master {
		return recs, nil, nil
	}
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}
		dropEmptyField(data, env.Profile.Discard["sla"]...)
	}
	var extends []Extend
	if ids := env.missingLocal("sla", recs); len(ids) > 0 {
		extends = append(extends, Extend{Kind: "sla", Delete: ids})
	}
	return recs, extends, nil
}

// processConnector reshapes streaming connectors for a worker. Fields
// tied to the transport mode travel only when that mode uses them.
// Disabled connectors are not cloned, so skipping one also queues it
// for local deletion.
func processConnector(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	if env.Master || len(recs) == 0 {
		return recs, nil, nil
	}

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}
		if !env.Replica && intOr(data, "status", 1) == 0 {
			continue
		}
		if intOr(data, "data_type", 0) == 1 {
			// Events carry no item value type.
			delete(data, "item_value_type")
		}
		if intOr(data, "max_attempts", 1) == 1 {
			delete(data, "attempt_interval")
		}
		switch intOr(data, "authtype", 0) {
		case 0:
		case 5: // bearer
			drop(data, "username", "password")
		default: // basic, NTLM, kerberos, digest
			delete(data, "token")
		}
		out = append(out, rec)
	}

	var extends []Extend
	if ids := env.missingLocal("connector", out); len(ids) > 0 {
		extends = append(extends, Extend{Kind: "connector", Delete: ids})
	}
	return out, extends, nil
}

// processMediatype drops every record: from 4.4 media types travel
// inside the configuration bundle, and on older releases only the name
// index is needed for the id rewrites other kinds do.
func processMediatype(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	return nil, nil, nil
}

// processAuthentication swaps the usergroup and mfa references inside
// the per-field authentication records. Everything else about the kind
// is release bridging and belongs to the dedicated authentication
// stage.
func processAuthentication(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}
		switch rec.Name {
		case "disabled_usrgrpid":
			env.swapField("usergroup", data, "disabled_usrgrpid")
		case "mfaid":
			env.swapField("mfa", data, "mfaid")
		}
	}
	return recs, nil, nil
}
