// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package hostsync

import (
	"context"

	"go.uber.org/zap"
)

// interfaceUpdate is the interface set of one updated host, held back
// from host.update because interfaces have their own API.
type interfaceUpdate struct {
	host   string
	id     string
	ifaces []interface{}
}

// reconcileInterfaces rewrites the interfaces of updated hosts. The
// node's current interfaces are paired with the wanted ones by type
// and main flag, rewritten when any field differs, and deleted when
// nothing pairs with them.
func (r *Reconciler) reconcileInterfaces(ctx context.Context, updates []interfaceUpdate) InterfaceResult {
	var result InterfaceResult
	if len(updates) == 0 {
		return result
	}

	type staleInterface struct {
		label string
		id    string
	}
	var stale []staleInterface

	counter := r.progress.Start("interface update", int64(len(updates)))
	defer counter.Finish()
	for _, update := range updates {
		counter.Increment()
		current, err := r.api.Get(ctx, "hostinterface", map[string]interface{}{
			"output":  "extend",
			"hostids": update.id,
		})
		if err != nil {
			r.log.Error("interface listing failed",
				zap.String("host", update.host), zap.Error(err))
			result.Total++
			result.Failed++
			continue
		}
		result.Total += len(current)

		if ambiguousInterfaces(current) {
			result.Skipped++
			continue
		}

		for _, wanted := range update.ifaces {
			payload, ok := wanted.(map[string]interface{})
			if !ok {
				continue
			}
			match, rest, ok := pairInterface(current, payload)
			if !ok {
				result.Skipped++
				continue
			}
			current = rest
			if !interfaceChanged(payload, match) {
				result.Skipped++
				continue
			}
			payload["interfaceid"] = match["interfaceid"]
			if _, err := r.api.Update(ctx, "hostinterface", payload); err != nil {
				r.log.Error("interface update refused",
					zap.String("host", update.host), zap.Error(err))
				result.Failed++
				continue
			}
			result.Updated++
		}

		// whatever did not pair is not in the snapshot anymore
		for _, leftover := range current {
			stale = append(stale, staleInterface{
				label: update.host + "(" + interfaceTypeName(leftover["type"]) + ")",
				id:    str(leftover["interfaceid"]),
			})
		}
	}

	for _, iface := range stale {
		if _, err := r.api.Delete(ctx, "hostinterface", []string{iface.id}); err != nil {
			r.log.Error("interface delete refused",
				zap.String("interface", iface.label), zap.Error(err))
			result.Failed++
			continue
		}
		result.Deleted++
	}
	return result
}

// ambiguousInterfaces reports whether the host's interfaces cannot be
// paired by type: duplicate types are only tolerable as exactly two
// interfaces of one type, which the main flag still tells apart.
func ambiguousInterfaces(current []map[string]interface{}) bool {
	types := make(map[string]bool, len(current))
	for _, iface := range current {
		types[str(iface["type"])] = true
	}
	if len(current) == len(types) {
		return false
	}
	return !(len(current) == 2 && len(types) == 1)
}

// pairInterface finds the one current interface matching the payload's
// type and main flag and returns the remainder. No match or more than
// one means the pairing is unusable.
func pairInterface(current []map[string]interface{}, payload map[string]interface{}) (match map[string]interface{}, rest []map[string]interface{}, ok bool) {
	index := -1
	for i, iface := range current {
		if num(iface["type"]) == num(payload["type"]) && num(iface["main"]) == num(payload["main"]) {
			if index >= 0 {
				return nil, current, false
			}
			index = i
		}
	}
	if index < 0 {
		return nil, current, false
	}
	match = current[index]
	rest = append(current[:index:index], current[index+1:]...)
	if emptyValue(match["details"]) {
		// empty details come back as a list, populated ones as an object
		delete(match, "details")
	}
	return match, rest, true
}

// interfaceChanged compares the wanted interface field by field with
// the node's current one. Values compare as strings because that is
// how the API hands them back.
func interfaceChanged(payload, local map[string]interface{}) bool {
	for param, value := range payload {
		if param == "details" {
			wanted, _ := value.(map[string]interface{})
			localDetails, _ := local["details"].(map[string]interface{})
			for detail, detailValue := range wanted {
				if str(localDetails[detail]) != str(detailValue) {
					return true
				}
			}
			continue
		}
		localValue, ok := local[param]
		if !ok || str(localValue) != str(value) {
			return true
		}
	}
	return false
}

func interfaceTypeName(value interface{}) string {
	if name, ok := interfaceTypeNames[int(num(value))]; ok {
		return name
	}
	return "UNKNOWN"
}
