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

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// Result tallies the template leg of an import run.
type Result struct {
	Total   int
	Success int
	Failed  int
	Errors  []TemplateError
}

// TemplateError records one template bundle the node refused.
type TemplateError struct {
	Name string
	Err  error
}

// Import replays the bundled kinds of set onto the node. master is the
// release of the master that produced the snapshot; the bundle layout
// follows it while the fixups follow the node's own release.
//
// Everything except templates goes first, in one bundle, and that one
// failing is fatal. Templates follow one bundle each, in store order,
// so one refused template costs only itself; refusals are counted and
// returned in the result. The caller refreshes the id index afterwards
// since the import creates objects under new local ids.
func (bridge *Bridge) Import(ctx context.Context, master release.Rel, set snapshot.Set) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	rel := bridge.profile.Release

	main := map[string]interface{}{}
	var templates []map[string]interface{}
	for kind, section := range bridge.profile.ImportSections(master) {
		records := set[kind]
		if len(records) == 0 {
			continue
		}
		switch kind {
		case "trigger":
			// attached per template below
		case "host":
			// hosts land through the host reconciler; the bundle
			// still names the section, empty
			main[section] = []interface{}{}
		case "template":
			templates = templatePayloads(rel, records)
		case "mediatype":
			// the import document spells the section with the
			// underscore even though the rules key is mediaTypes
			main["media_types"] = mediatypePayloads(rel, records)
		default:
			main[section] = payloads(records)
		}
	}

	triggers := payloads(set["trigger"])

	// Value maps stopped being global at 5.4 and stopped importing
	// through templates at 6.0.
	var heldValueMaps []interface{}
	if rel.AtLeast(release.R54) && master.Before(release.R54) {
		heldValueMaps, _ = main["value_maps"].([]interface{})
		delete(main, "value_maps")
	}
	if rel.AtLeast(release.R60) {
		heldValueMaps = nil
	}

	// Host prototypes reference group directories, so each template
	// bundle repeats the group section as exported, even when the
	// split below rewrites the main bundle's copy.
	groupDirectory, hasGroups := main["groups"]

	// Until 6.2 template groups were plain host groups. A 6.2+ node
	// importing an older master's bundle has to pull the groups its
	// templates use out of the host group section and create them as
	// template groups before the import references them.
	if master.Before(release.R62) && rel.AtLeast(release.R62) {
		if err := bridge.splitTemplateGroups(ctx, main, templates); err != nil {
			return Result{}, err
		}
	}

	if bridge.config.TemplateSkip {
		templates = nil
	}

	bundles := []map[string]interface{}{main}
	for _, template := range templates {
		bundle := templateBundle(master, template, triggers, heldValueMaps)
		if master.Before(release.R60) && hasGroups {
			bundle["groups"] = groupDirectory
		}
		bundles = append(bundles, bundle)
	}

	rules := bridge.importRules()
	result.Total = len(templates)

	counter := bridge.progress.Start("template import", int64(len(templates)))
	defer counter.Finish()

	for index, bundle := range bundles {
		bundle["version"] = master.String()
		if master.Before(release.R70) {
			bundle["date"] = bridge.now().UTC().Format("2006-01-02T15:04:05Z")
		}

		source, err := json.Marshal(map[string]interface{}{"zabbix_export": bundle})
		if err != nil {
			return result, Error.Wrap(err)
		}

		err = bridge.api.Import(ctx, map[string]interface{}{
			"format": "json",
			"rules":  rules,
			"source": string(source),
		})
		if index == 0 {
			if err != nil {
				return result, Error.New("configuration import failed: %v", err)
			}
			continue
		}

		name := templateName(bundle)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, TemplateError{Name: name, Err: err})
			bridge.log.Error("template import refused",
				zap.String("template", name), zap.Error(err))
		} else {
			result.Success++
		}
		counter.Increment()
	}
	return result, nil
}

// splitTemplateGroups removes the groups the templates use from the
// main bundle's host group section and creates them as template groups
// where they do not exist yet. A failed creation is fatal: the
// template imports after it would recreate the group as a host group.
func (bridge *Bridge) splitTemplateGroups(ctx context.Context, main map[string]interface{}, templates []map[string]interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	wanted := map[string]bool{}
	for _, template := range templates {
		for _, name := range namesOf(template["groups"]) {
			wanted[name] = true
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	if groups, ok := main["groups"].([]interface{}); ok {
		kept := make([]interface{}, 0, len(groups))
		for _, group := range groups {
			data, _ := group.(map[string]interface{})
			name, _ := data["name"].(string)
			if wanted[name] {
				continue
			}
			kept = append(kept, group)
		}
		main["groups"] = kept
	}

	names := make([]string, 0, len(wanted))
	for name := range wanted {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := bridge.ids.ToID("templategroup", name); ok {
			continue
		}
		if _, err := bridge.api.Create(ctx, "templategroup", map[string]interface{}{"name": name}); err != nil {
			return Error.New("host group %q not convertible to a template group: %v", name, err)
		}
	}
	return nil
}

// templateBundle wraps one template with the triggers written against
// it and the held value maps on nodes that still take them through
// templates. Triggers carry no template reference of their own; the
// template's name inside the expression is the only join there is.
func templateBundle(master release.Rel, template map[string]interface{}, triggers, heldValueMaps []interface{}) map[string]interface{} {
	bundle := map[string]interface{}{
		"templates": []interface{}{template},
	}

	name, _ := template["name"].(string)
	marker := "{" + name + ":"
	if master.AtLeast(release.R54) {
		marker = "/" + name + "/"
	}
	var matched []interface{}
	for _, trigger := range triggers {
		data, _ := trigger.(map[string]interface{})
		expression, _ := data["expression"].(string)
		if strings.Contains(expression, marker) {
			matched = append(matched, trigger)
		}
	}
	if len(matched) > 0 {
		bundle["triggers"] = matched
	}

	if heldValueMaps != nil {
		bundle["value_maps"] = heldValueMaps
	}
	return bundle
}

// templateName is the name of the template a bundle carries.
func templateName(bundle map[string]interface{}) string {
	templates, _ := bundle["templates"].([]interface{})
	if len(templates) == 0 {
		return ""
	}
	data, _ := templates[0].(map[string]interface{})
	name, _ := data["name"].(string)
	return name
}

// importRules copies the profile's rule set so release quirks can be
// patched in without touching the shared profile.
func (bridge *Bridge) importRules() map[string]map[string]bool {
	rules := make(map[string]map[string]bool, len(bridge.profile.ImportRules))
	for key, flags := range bridge.profile.ImportRules {
		copied := make(map[string]bool, len(flags))
		for flag, value := range flags {
			copied[flag] = value
		}
		rules[key] = copied
	}
	// 4.2 rejects deleteMissing on template linkage.
	if bridge.profile.Release == release.R42 {
		delete(rules["templateLinkage"], "deleteMissing")
	}
	return rules
}

// templatePayloads unpacks template records and scrubs the fields the
// node's import rejects. From 6.4 on the export leaves request_method
// on items that are not http agents and the import bounces it.
func templatePayloads(rel release.Rel, records []snapshot.Record) []map[string]interface{} {
	templates := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		template, ok := rec.Data.(map[string]interface{})
		if !ok {
			continue
		}
		if rel.AtLeast(release.R64) {
			scrubRequestMethod(template["items"])
			rules, _ := template["discovery_rules"].([]interface{})
			for _, rule := range rules {
				ruleData, ok := rule.(map[string]interface{})
				if !ok {
					continue
				}
				if kind, _ := ruleData["type"].(string); kind != "HTTP_AGENT" {
					delete(ruleData, "request_method")
				}
				scrubRequestMethod(ruleData["item_prototypes"])
			}
		}
		templates = append(templates, template)
	}
	return templates
}

func scrubRequestMethod(value interface{}) {
	items, _ := value.([]interface{})
	for _, item := range items {
		data, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if kind, _ := data["type"].(string); kind != "HTTP_AGENT" {
			delete(data, "request_method")
		}
	}
}

// mediatypePayloads reshapes stored media types into what the node's
// import accepts and returns them sorted by name.
func mediatypePayloads(rel release.Rel, records []snapshot.Record) []interface{} {
	list := make([]interface{}, 0, len(records))
	for _, rec := range records {
		data, ok := rec.Data.(map[string]interface{})
		if !ok {
			continue
		}
		kind, _ := data["type"].(string)
		if kind == "EMAIL" {
			// the import refuses smtp auth without credentials
			provider, _ := data["provider"].(string)
			if provider != "" && !strings.Contains(provider, "RELAY") {
				if _, ok := data["username"]; !ok {
					data["username"] = "USERNAME"
				}
				if _, ok := data["password"]; !ok {
					data["password"] = "PASSWORD"
				}
			}
		}
		if kind == "SCRIPT" {
			if rel.AtLeast(release.R60) {
				delete(data, "content_type")
			}
			if rel.AtLeast(release.R64) {
				data["parameters"] = orderedParameters(data["parameters"])
			}
		}
		if rel.AtLeast(release.R70) {
			delete(data, "content_type")
		}
		list = append(list, data)
	}
	sort.Slice(list, func(i, k int) bool {
		a, _ := list[i].(map[string]interface{})["name"].(string)
		b, _ := list[k].(map[string]interface{})["name"].(string)
		return a < b
	})
	return list
}

// orderedParameters migrates script media parameters from the old bare
// string list to the ordered object form. Entries already in object
// form survive only when both keys are set.
func orderedParameters(value interface{}) []interface{} {
	params, _ := value.([]interface{})
	ordered := make([]interface{}, 0, len(params))
	for index, param := range params {
		switch v := param.(type) {
		case string:
			ordered = append(ordered, map[string]interface{}{
				"sortorder": strconv.Itoa(index),
				"value":     v,
			})
		case map[string]interface{}:
			if populated(v["sortorder"]) && populated(v["value"]) {
				ordered = append(ordered, v)
			}
		}
	}
	return ordered
}

func populated(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case float64:
		return v != 0
	case bool:
		return v
	}
	return true
}

// payloads unwraps the decoded object of each record.
func payloads(records []snapshot.Record) []interface{} {
	list := make([]interface{}, 0, len(records))
	for _, rec := range records {
		if data, ok := rec.Data.(map[string]interface{}); ok {
			list = append(list, data)
		}
	}
	return list
}
