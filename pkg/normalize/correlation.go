// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize

import (
	"github.com/monclone/monclone/pkg/snapshot"
)

// processCorrelation swaps the host group references inside event
// correlation filters, dropping conditions whose group cannot be
// resolved. A correlation left without conditions is dropped whole;
// the API refuses an empty filter.
func processCorrelation(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	groupField := env.Profile.IDField("hostgroup")

	var out []snapshot.Record
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}
		filter, ok := data["filter"].(map[string]any)
		if !ok {
			return nil, nil, Error.New("correlation %q: missing filter", rec.Name)
		}

		delete(filter, "eval_formula")
		custom := intOr(filter, "evaltype", 0) == 3
		if !custom {
			delete(filter, "formula")
		}

		kept := make([]any, 0)
		for _, cond := range objects(filter["conditions"]) {
			if !custom {
				delete(cond, "formulaid")
			}
			// Condition type 2 targets a host group.
			if intOr(cond, "type", -1) == 2 && !env.swapField("hostgroup", cond, groupField) {
				continue
			}
			kept = append(kept, cond)
		}
		if len(kept) == 0 {
			continue
		}
		filter["conditions"] = kept

		out = append(out, rec)
	}
	return out, nil, nil
}

// processRegexp strips the delimiter field from expressions that are
// not "any of" lists; other expression types reject it.
func processRegexp(env *Env, recs []snapshot.Record) ([]snapshot.Record, []Extend, error) {
	if env.Master {
		return recs, nil, nil
	}
	for _, rec := range recs {
		data, err := object(rec)
		if err != nil {
			return nil, nil, err
		}
		for _, expr := range objects(data["expressions"]) {
			if intOr(expr, "expression_type", 0) != 1 {
				delete(expr, "exp_delimiter")
			}
		}
	}
	return recs, nil, nil
}
