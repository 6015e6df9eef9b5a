// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"slices"

	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// Escalation fields only trigger and internal event sources accept.
var actionEscalationFields = []string{"esc_period", "esc_step_from", "esc_step_to"}

// Fields only trigger actions accept.
var actionTriggerOnlyFields = []string{"pause_symptoms", "pause_suppressed", "notify_if_canceled"}

// processAction reshapes alert actions. The filter conditions and the
// nested operation payloads reference almost every other kind by id, so
// this is the broadest identity rewrite of the run.
func processAction(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	readOnly := env.Profile.Discard["action"]

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}

		update := false
		if env.worker() {
			// Disabled actions do not travel, except onto replicas.
			if !env.Replica && str(data["status"]) == "1" {
				continue
			}
			_, update = env.localID("action", rec.Name)
		}

		opKeys := canonicalOperationKeys(env, data)

		source := intOr(data, "eventsource", 0)
		if update {
			// eventsource is create-only.
			delete(data, "eventsource")
		}
		if source != 0 {
			drop(data, actionTriggerOnlyFields...)
		}
		if source >= 1 && source <= 3 {
			// Update operations exist for trigger and service events.
			drop(data, "update_operations", "acknowledge_operations")
		}
		if source == 1 || source == 2 {
			// Discovery and autoregistration events never recover.
			drop(data, "recovery_operations", "esc_period")
		}

		if filter, ok := data["filter"].(map[string]any); ok {
			normalizeActionFilter(env, rec.Name, filter)
		}

		for _, key := range opKeys {
			ops := objects(data[key])
			if len(ops) == 0 {
				delete(data, key)
				continue
			}
			for _, op := range ops {
				dropEmpty(op)
				drop(op, readOnly...)
				if source != 0 {
					delete(op, "evaltype")
				}
				if source == 1 || source == 2 {
					drop(op, actionEscalationFields...)
				}
				if key != "operations" {
					delete(op, "evaltype")
					// "notify all involved" resolves media itself.
					if intOr(op, "operationtype", -1) == 11 {
						if msg, ok := op["opmessage"].(map[string]any); ok {
							delete(msg, "mediatypeid")
						}
					}
				}
				normalizeOperation(env, op, readOnly)
			}
		}

		out = append(out, rec)
	}
	return out, nil, nil
}

// canonicalOperationKeys folds the read-side spellings of the operation
// lists into their write-side names and returns the keys to process.
// The API returns camelCase on some releases and acknowledge operations
// became update operations at 6.0.
func canonicalOperationKeys(env *Env, data map[string]any) []string {
	if v, ok := takeAny(data, "recoveryOperations", "recovery_operations"); ok {
		data["recovery_operations"] = v
	}

	ack := "acknowledge_operations"
	if env.Release.AtLeast(release.R60) {
		ack = "update_operations"
	}
	if v, ok := takeAny(data,
		"acknowledgeOperations", "acknowledge_operations",
		"updateOperations", "update_operations",
	); ok {
		data[ack] = v
	}

	return []string{"operations", "recovery_operations", ack}
}

// takeAny pops the first present key and returns its value.
func takeAny(data map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			delete(data, k)
			return v, true
		}
	}
	return nil, false
}

// normalizeActionFilter strips the computed formula fields and swaps
// condition values for the rewritable condition targets. Conditions on
// targets that cannot be matched across nodes are left untouched;
// trigger-direct actions never reach the snapshot in the first place.
func normalizeActionFilter(env *Env, name string, filter map[string]any) {
	delete(filter, "eval_formula")
	custom := intOr(filter, "evaltype", 0) >= 3
	if !custom {
		delete(filter, "formula")
	}

	for _, cond := range objects(filter["conditions"]) {
		if env.Release.AtLeast(release.R60) {
			if !custom {
				delete(cond, "formulaid")
			}
			dropEmptyField(cond, "value", "value2")
		}
		var kind string
		switch intOr(cond, "conditiontype", -1) {
		case 0:
			kind = "hostgroup"
		case 1:
			kind = "host"
		case 13:
			kind = "template"
		default:
			continue
		}
		if !env.swapField(kind, cond, "value") {
			env.Log.Debug("action condition target unresolved",
				zap.String("action", name), zap.String("kind", kind))
		}
	}
}

// normalizeOperation swaps ids inside one operation's nested values and
// drops what the write side refuses. Object values keep their writable
// fields; list values are rebuilt down to their swappable id fields,
// the shape the write side expects.
func normalizeOperation(env *Env, op map[string]any, readOnly []string) {
	for key, value := range op {
		if empty(value) {
			delete(op, key)
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			dropEmpty(v)
			drop(v, readOnly...)
			for field := range v {
				kind := env.Profile.KindForIDField(field)
				if kind == "" {
					continue
				}
				env.swapField(kind, v, field)
			}
			if len(v) == 0 {
				delete(op, key)
			}
		case []any:
			rebuilt := make([]any, 0, len(v))
			for _, m := range objects(v) {
				for field, fv := range m {
					if slices.Contains(readOnly, field) {
						continue
					}
					kind := env.Profile.KindForIDField(field)
					if kind == "" {
						continue
					}
					if swapped, ok := env.swap(kind, fv); ok {
						rebuilt = append(rebuilt, map[string]any{field: swapped})
					}
				}
			}
			if len(rebuilt) == 0 {
				delete(op, key)
				continue
			}
			op[key] = rebuilt
		}
	}
}
