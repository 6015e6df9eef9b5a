// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"sort"

	"github.com/monclone/monclone/pkg/idmap"
)

// object is one object on the node: its local id and the payload the
// profile's get options selected. Singleton kinds carry no id.
type object struct {
	id   string
	data map[string]interface{}
}

// refresh pulls every kind the release knows off the node and rebuilds
// the id index. Kinds without an id field are property bags; they
// explode into one entry per property so the rest of the pipeline can
// treat them like everything else.
func (eng *Engine) refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	local := make(map[string]map[string]object, len(eng.profile.Methods))
	for _, kind := range eng.kinds() {
		method := eng.profile.Methods[kind]
		byName := make(map[string]object)
		if method.IDField == "" {
			var props map[string]interface{}
			if err := eng.api.Do(ctx, kind+".get", method.GetOptions, &props); err != nil {
				return ErrSection.New("listing %s failed: %v", kind, err)
			}
			for key, value := range props {
				byName[key] = object{data: map[string]interface{}{key: value}}
			}
		} else {
			objs, err := eng.api.Get(ctx, kind, method.GetOptions)
			if err != nil {
				return ErrSection.New("listing %s failed: %v", kind, err)
			}
			for _, data := range objs {
				id := str(data[method.IDField])
				name := str(data[method.NameField])
				if id == "" || name == "" {
					continue
				}
				delete(data, method.IDField)
				byName[name] = object{id: id, data: data}
			}
		}
		local[kind] = byName
	}
	eng.local = local

	for kind, byName := range local {
		if eng.profile.IDField(kind) == "" {
			continue
		}
		entries := make([]idmap.Entry, 0, len(byName))
		for name, obj := range byName {
			entries = append(entries, idmap.Entry{ID: obj.id, Name: name})
		}
		eng.ids.Load(kind, entries)
	}
	return nil
}

// kinds lists every kind the release knows, stable order.
func (eng *Engine) kinds() []string {
	kinds := make([]string, 0, len(eng.profile.Methods))
	for kind := range eng.profile.Methods {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// localIDs lists the local ids of kind, ordered by object name.
func (eng *Engine) localIDs(kind string) []string {
	byName := eng.local[kind]
	ids := make([]string, 0, len(byName))
	for _, name := range sortedNames(byName) {
		if id := byName[name].id; id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// sortedNames orders one kind's local objects for deterministic walks.
func sortedNames(byName map[string]object) []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
