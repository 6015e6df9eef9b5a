// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package configbridge

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/snapshot"
)

// Export pulls every bundled kind off the node and splits the export
// documents back into per-object records. Templates go out in chunks
// of TemplateSeparate ids per call to keep single requests small.
//
// The export document carries no usable ordering, so template records
// are reordered before they are returned: templates with no links come
// first, then templates whose links are all already emitted, and so on
// until none are left. A worker can then import them one by one
// without tripping over a missing linked template.
func (bridge *Bridge) Export(ctx context.Context) (records []snapshot.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	options := map[string]interface{}{}
	var templateIDs []string
	for kind, section := range bridge.profile.ConfigExport {
		switch kind {
		case "trigger":
			// selected implicitly through their templates
		case "template":
			if bridge.config.TemplateSkip {
				continue
			}
			templateIDs = bridge.ids.IDs(kind)
		default:
			options[section] = bridge.ids.IDs(kind)
		}
	}

	calls := []map[string]interface{}{options}
	for start := 0; start < len(templateIDs); start += bridge.config.TemplateSeparate {
		end := start + bridge.config.TemplateSeparate
		if end > len(templateIDs) {
			end = len(templateIDs)
		}
		calls = append(calls, map[string]interface{}{"templates": templateIDs[start:end]})
	}

	kindBySection := make(map[string]string, len(bridge.profile.ConfigExport))
	for kind, section := range bridge.profile.ConfigExport {
		kindBySection[section] = kind
	}

	counters := map[string]int{}
	byKind := map[string][]snapshot.Record{}
	for _, call := range calls {
		document, err := bridge.api.Export(ctx, map[string]interface{}{
			"format":  "json",
			"options": call,
		})
		if err != nil {
			return nil, Error.New("configuration export failed: %v", err)
		}
		// The export spells media_types where every other surface of
		// the API says mediaTypes.
		document = strings.ReplaceAll(document, "media_types", "mediaTypes")

		var bundle struct {
			Export map[string]interface{} `json:"zabbix_export"`
		}
		if err := json.Unmarshal([]byte(document), &bundle); err != nil {
			return nil, Error.New("undecodable export document: %v", err)
		}

		sections := make([]string, 0, len(bundle.Export))
		for section := range bundle.Export {
			sections = append(sections, section)
		}
		sort.Strings(sections)

		for _, section := range sections {
			kind, ok := kindBySection[section]
			if !ok {
				// version, date
				continue
			}
			items, _ := bundle.Export[section].([]interface{})
			for _, item := range items {
				data, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				byKind[kind] = append(byKind[kind], bridge.record(kind, counters, data))
			}
		}
	}

	if templates := byKind["template"]; len(templates) > 1 {
		byKind["template"] = orderTemplates(bridge.log, templates)
	}

	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		records = append(records, byKind[kind]...)
	}
	return records, nil
}

// record names one exported object. Objects without their kind's name
// field fall back to their uuid and then to a per-kind counter, which
// is how triggers stay addressable in the store.
func (bridge *Bridge) record(kind string, counters map[string]int, data map[string]interface{}) snapshot.Record {
	index := counters[kind]
	counters[kind] = index + 1

	var name string
	if field := bridge.profile.NameField(kind); field != "" {
		name, _ = data[field].(string)
	}
	if name == "" {
		name, _ = data["uuid"].(string)
	}
	if name == "" {
		name = kind + strconv.Itoa(index)
	}
	id, ok := bridge.ids.ToID(kind, name)
	if !ok {
		id = strconv.Itoa(index)
	}
	return snapshot.Record{Kind: kind, DataID: id, Name: name, Data: data}
}

// orderTemplates sorts template records so that every template comes
// after the templates it links and the templates its host prototypes
// attach. Ties break alphabetically. A link pointing outside the
// export cannot be satisfied; the leftovers are appended as they are
// and the import surfaces the real error per template.
func orderTemplates(log *zap.Logger, records []snapshot.Record) []snapshot.Record {
	remaining := make([]snapshot.Record, len(records))
	copy(remaining, records)
	sort.SliceStable(remaining, func(i, k int) bool {
		return remaining[i].Name < remaining[k].Name
	})

	done := map[string]bool{}
	ordered := make([]snapshot.Record, 0, len(remaining))
	for len(remaining) > 0 {
		var next, rest []snapshot.Record
		for _, rec := range remaining {
			if satisfied(rec, done) {
				next = append(next, rec)
			} else {
				rest = append(rest, rec)
			}
		}
		if len(next) == 0 {
			names := make([]string, 0, len(rest))
			for _, rec := range rest {
				names = append(names, rec.Name)
			}
			log.Warn("template links not resolvable inside the export",
				zap.Strings("templates", names))
			ordered = append(ordered, rest...)
			break
		}
		for _, rec := range next {
			done[rec.Name] = true
		}
		ordered = append(ordered, next...)
		remaining = rest
	}
	return ordered
}

// satisfied reports whether everything rec links to is already ordered.
func satisfied(rec snapshot.Record, done map[string]bool) bool {
	data, ok := rec.Data.(map[string]interface{})
	if !ok {
		return true
	}
	for _, name := range templateRefs(data) {
		if !done[name] {
			return false
		}
	}
	return true
}

// templateRefs lists the template names data depends on: its linked
// templates plus the templates its LLD host prototypes attach.
func templateRefs(data map[string]interface{}) []string {
	refs := namesOf(data["templates"])
	rules, _ := data["discovery_rules"].([]interface{})
	for _, rule := range rules {
		ruleData, _ := rule.(map[string]interface{})
		prototypes, _ := ruleData["host_prototypes"].([]interface{})
		for _, prototype := range prototypes {
			prototypeData, _ := prototype.(map[string]interface{})
			refs = append(refs, namesOf(prototypeData["templates"])...)
		}
	}
	return refs
}

// namesOf collects the name fields of a list of reference objects.
func namesOf(value interface{}) []string {
	list, _ := value.([]interface{})
	names := make([]string, 0, len(list))
	for _, item := range list {
		data, _ := item.(map[string]interface{})
		if name, _ := data["name"].(string); name != "" {
			names = append(names, name)
		}
	}
	return names
}
