// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package profile describes, per monitor release, how each cloneable
// entity kind is queried and written back.
//
// A Profile is a pure function of the release: a literal table for 4.0
// mutated by a diff per release boundary (4.4, 5.0, 5.2, 5.4, 6.0, 6.2,
// 6.4, 7.0), applied in order. Everything version-dependent that the
// engine needs lives here: the API field names, the get options, the
// section ordering, the import-bundle rules, and the fields the API
// returns but refuses on write.
package profile

import (
	"sort"

	"github.com/zeebo/errs"

	"github.com/monclone/monclone/pkg/release"
)

// Error is the default error class for this package.
var Error = errs.Class("profile")

// Method describes how one entity kind is read over the monitor API:
// the fields objects are keyed by and the get options selecting exactly
// the cloneable payload. Singleton kinds (settings, authentication,
// autoregistration) have no id or name field.
type Method struct {
	IDField    string
	NameField  string
	GetOptions map[string]any
}

// Sections orders a cloning run. GLOBAL kinds are merged settings, PRE
// runs before the configuration bundle, MID between templates and
// hosts, POST after hosts, ACCOUNT last among the regular kinds. EXTEND
// starts empty; normalization appends late special handling to it.
type Sections struct {
	Global  []string
	Pre     []string
	Mid     []string
	Post    []string
	Account []string
	Extend  []string
}

// Profile is the per-release descriptor. Build one with New; treat it
// as read-only afterwards (the orchestrator copies Extend before
// appending).
type Profile struct {
	Release release.Rel

	// Methods maps kind to its query description.
	Methods map[string]Method

	Sections Sections

	// ConfigExport maps kind to its section name inside the export
	// bundle of this release.
	ConfigExport map[string]string

	// ConfigImport maps a master release boundary to the bundle
	// section names that release emits and the kind each one feeds.
	// Merge the boundaries at or below the snapshot's master release
	// to interpret its bundle.
	ConfigImport map[release.Rel]map[string]string

	// ImportRules is the rules object sent with configuration.import.
	ImportRules map[string]map[string]bool

	// AddedIn maps a kind to the release it first appeared in. Kinds
	// from newer snapshots are skipped on nodes older than that.
	AddedIn map[string]release.Rel

	// Discard lists per-kind fields the API returns but rejects on
	// write.
	Discard map[string][]string

	// AuthDiscard lists the authentication fields belonging to each
	// external scheme ("ldap", "saml"), stripped when the scheme is
	// disabled or handled elsewhere on the applying release.
	AuthDiscard map[string][]string

	// RenamedFields maps a release boundary to settings-level field
	// renames that nodes at or past the boundary expect.
	RenamedFields map[release.Rel]map[string]string

	// TimeoutTargets lists the per-check-type timeout settings split
	// out of the global timeout at 7.0. Empty before that.
	TimeoutTargets []string

	// CloudOverrides lists per-kind item names and fields that hosted
	// monitor variants own and a clone must not touch.
	CloudOverrides map[string][]string

	// kindByIDField resolves an id field name ("hostid") back to its
	// kind for generic id-renaming walks.
	kindByIDField map[string]string
}

// New builds the profile for rel. Releases outside the supported
// cloning range are a fatal configuration error.
func New(rel release.Rel) (*Profile, error) {
	if !release.Supported(rel) {
		return nil, Error.New("unsupported release %s (supported %s..%s)",
			rel, release.Lowest, release.Highest)
	}

	p := base(rel)
	if rel.AtLeast(release.R44) {
		diff44(p)
	}
	if rel.AtLeast(release.R50) {
		diff50(p)
	}
	if rel.AtLeast(release.R52) {
		diff52(p)
	}
	if rel.AtLeast(release.R54) {
		diff54(p)
	}
	if rel.AtLeast(release.R60) {
		diff60(p)
	}
	if rel.AtLeast(release.R62) {
		diff62(p)
	}
	if rel.AtLeast(release.R64) {
		diff64(p)
	}
	if rel.AtLeast(release.R70) {
		diff70(p)
	}

	p.kindByIDField = make(map[string]string, len(p.Methods))
	for kind, m := range p.Methods {
		if m.IDField != "" {
			p.kindByIDField[m.IDField] = kind
		}
	}
	// groupid is shared by host and template groups; generic walks
	// never need the template side, so force the host side.
	p.kindByIDField["groupid"] = "hostgroup"

	return p, nil
}

// Must builds the profile for rel and panics on failure. For tests and
// boundaries that already validated the release.
func Must(rel release.Rel) *Profile {
	p, err := New(rel)
	if err != nil {
		panic(err)
	}
	return p
}

// Has reports whether this release knows kind.
func (p *Profile) Has(kind string) bool {
	_, ok := p.Methods[kind]
	return ok
}

// IDField returns the id field name of kind, or "" when unknown or the
// kind is a singleton.
func (p *Profile) IDField(kind string) string {
	return p.Methods[kind].IDField
}

// NameField returns the name field of kind, or "" when unknown or the
// kind is a singleton.
func (p *Profile) NameField(kind string) string {
	return p.Methods[kind].NameField
}

// KindForIDField resolves an id field name back to its kind, "" when
// unknown. groupid resolves to hostgroup.
func (p *Profile) KindForIDField(field string) string {
	return p.kindByIDField[field]
}

// Skips reports whether kind appeared only after this release, so
// snapshot records of it cannot be applied here.
func (p *Profile) Skips(kind string) bool {
	added, ok := p.AddedIn[kind]
	return ok && p.Release.Before(added)
}

// ImportSections merges the ConfigImport boundaries at or below the
// snapshot's master release into a kind -> bundle-section mapping.
// Later boundaries win.
func (p *Profile) ImportSections(master release.Rel) map[string]string {
	boundaries := make([]release.Rel, 0, len(p.ConfigImport))
	for boundary := range p.ConfigImport {
		if !master.Before(boundary) {
			boundaries = append(boundaries, boundary)
		}
	}
	sort.Slice(boundaries, func(i, k int) bool {
		return boundaries[i].Before(boundaries[k])
	})

	out := make(map[string]string)
	for _, boundary := range boundaries {
		for section, kind := range p.ConfigImport[boundary] {
			out[kind] = section
		}
	}
	return out
}

// base is the 4.0 literal every later release diffs against.
func base(rel release.Rel) *Profile {
	p := &Profile{
		Release: rel,
		Methods: map[string]Method{
			"hostgroup": {
				IDField:   "groupid",
				NameField: "name",
				GetOptions: map[string]any{
					"output": "extend",
				},
			},
			"host": {
				IDField:   "hostid",
				NameField: "host",
				GetOptions: map[string]any{
					"output":     []string{"hostid", "host"},
					"selectTags": []string{"tag", "value"},
				},
			},
			"template": {
				IDField:   "templateid",
				NameField: "name",
				GetOptions: map[string]any{
					"output": []string{"templateid", "name"},
				},
			},
			"user": {
				IDField:   "userid",
				NameField: "alias",
				GetOptions: map[string]any{
					"output":        []string{"alias", "type"},
					"getAccess":     true,
					"selectUsrgrps": []string{"name"},
					"selectMedias":  "extend",
				},
			},
			"usergroup": {
				IDField:   "usrgrpid",
				NameField: "name",
				GetOptions: map[string]any{
					"output":           "extend",
					"selectTagFilters": "extend",
					"selectRights":     "extend",
				},
			},
			// Host-level macros travel inside the configuration
			// bundle; this kind carries global macros only.
			"usermacro": {
				IDField:   "globalmacroid",
				NameField: "macro",
				GetOptions: map[string]any{
					"output":      []string{"macro", "value"},
					"globalmacro": true,
				},
			},
			"mediatype": {
				IDField:   "mediatypeid",
				NameField: "description",
				GetOptions: map[string]any{
					"output": "extend",
				},
			},
			"action": {
				IDField:   "actionid",
				NameField: "name",
				GetOptions: map[string]any{
					"output":                      "extend",
					"selectOperations":            "extend",
					"selectRecoveryOperations":    "extend",
					"selectAcknowledgeOperations": "extend",
					"selectFilter":                "extend",
					// Trigger-direct conditions do not survive a
					// clone; exclude actions filtering on them.
					"search": map[string]any{"conditiontype": []int{2}},
				},
			},
			"maintenance": {
				IDField:   "maintenanceid",
				NameField: "name",
				GetOptions: map[string]any{
					"selectGroups":      "extend",
					"selectHosts":       "extend",
					"selectTimeperiods": "extend",
					"selectTags":        "extend",
				},
			},
			"script": {
				IDField:    "scriptid",
				NameField:  "name",
				GetOptions: map[string]any{},
			},
			"valuemap": {
				IDField:   "valuemapid",
				NameField: "name",
				GetOptions: map[string]any{
					"output":         "extend",
					"selectMappings": "extend",
				},
			},
			"proxy": {
				IDField:   "proxyid",
				NameField: "host",
				GetOptions: map[string]any{
					// PSK material must never reach the store.
					"output": []string{
						"host",
						"status",
						"proxy_address",
						"tls_connect",
						"tls_accept",
						"tls_issuer",
						"tls_subject",
						"description",
					},
					"selectInterface": []string{"useip", "ip", "dns", "port"},
				},
			},
			"drule": {
				IDField:   "druleid",
				NameField: "name",
				GetOptions: map[string]any{
					"output":        "extend",
					"selectDChecks": "extend",
				},
			},
			"correlation": {
				IDField:   "correlationid",
				NameField: "name",
				GetOptions: map[string]any{
					"output":           "extend",
					"selectOperations": "extend",
					"selectFilter":     "extend",
				},
			},
			// trigger is deliberately absent: only triggers bound to
			// templates travel, inside the configuration bundle.
		},
		Sections: Sections{
			Global: []string{},
			Pre: []string{
				"usermacro",
				"mediatype",
				"proxy",
			},
			Mid: []string{
				"script",
			},
			Post: []string{
				"action",
				"maintenance",
				"drule",
				"correlation",
			},
			Account: []string{
				"usergroup",
				"user",
			},
			Extend: []string{},
		},
		ConfigExport: map[string]string{
			"hostgroup": "groups",
			"template":  "templates",
			"host":      "hosts",
			"valuemap":  "valueMaps",
			"trigger":   "triggers",
		},
		ConfigImport: map[release.Rel]map[string]string{},
		ImportRules: map[string]map[string]bool{
			"applications": {
				"createMissing": true,
				"deleteMissing": true,
			},
			"groups": {
				"createMissing": true,
			},
			"hosts": {
				"createMissing":  true,
				"updateExisting": true,
			},
			"templateLinkage": {
				"createMissing": true,
				"deleteMissing": true,
			},
			"templates": {
				"createMissing":  true,
				"updateExisting": true,
			},
			"items": {
				"createMissing":  true,
				"updateExisting": true,
				"deleteMissing":  true,
			},
			"discoveryRules": {
				"createMissing":  true,
				"updateExisting": true,
				"deleteMissing":  true,
			},
			"triggers": {
				"createMissing":  true,
				"updateExisting": true,
				"deleteMissing":  true,
			},
			"valueMaps": {
				"createMissing":  true,
				"updateExisting": true,
			},
			// Unsupported bundle parts stay listed with everything
			// off so the import leaves them alone.
			"images": {
				"createMissing":  false,
				"updateExisting": false,
			},
			"maps": {
				"createMissing":  false,
				"updateExisting": false,
			},
			"screens": {
				"createMissing":  false,
				"updateExisting": false,
			},
			"graphs": {
				"createMissing":  false,
				"updateExisting": false,
				"deleteMissing":  false,
			},
			"templateScreens": {
				"createMissing":  false,
				"updateExisting": false,
				"deleteMissing":  false,
			},
			"httptests": {
				"createMissing":  false,
				"updateExisting": false,
				"deleteMissing":  false,
			},
		},
		AddedIn: map[string]release.Rel{
			"autoregistration": release.R44,
			"role":             release.R52,
			"authentication":   release.R60,
			"regexp":           release.R60,
			"settings":         release.R60,
			"sla":              release.R60,
			"service":          release.R60,
			"templategroup":    release.R62,
			"userdirectory":    release.R64,
			"proxygroup":       release.R70,
			"mfa":              release.R70,
			"connector":        release.R70,
		},
		Discard: map[string][]string{
			"host":   {"items", "triggers", "discovery_rules"},
			"action": {"actionid", "operationid", "opcommand_hstid", "opcommand_grpid"},
			"proxy":  {"interface", "lastaccess", "version", "compatibility", "state", "auto_compress"},
			"drule":  {"nextcheck"},
		},
		AuthDiscard: map[string][]string{
			"ldap": {
				"ldap_host",
				"ldap_port",
				"ldap_base_dn",
				"ldap_search_attribute",
				"ldap_bind_dn",
				"ldap_case_sensitive",
				"ldap_bind_password",
				"ldap_userdirectoryid",
				"ldap_jit_status",
				"jit_provision_interval",
			},
			"saml": {
				"saml_idp_entityid",
				"saml_sso_url",
				"saml_slo_url",
				"saml_username_attribute",
				"saml_sp_entityid",
				"saml_nameid_format",
				"saml_sign_messages",
				"saml_sign_assertions",
				"saml_sign_authn_requests",
				"saml_sign_logout_requests",
				"saml_sign_logout_responses",
				"saml_encrypt_nameid",
				"saml_encrypt_assertions",
				"saml_case_sensitive",
				"saml_jit_status",
			},
		},
		RenamedFields: map[release.Rel]map[string]string{},
		CloudOverrides: map[string][]string{
			"mediatype": {"Cloud Email"},
			"role":      {"modules", "modules.default_access"},
			"authentication": {
				"http_auth_enabled",
				"http_login_form",
				"http_strip_domains",
				"http_case_sensitive",
			},
		},
	}

	imp := make(map[string]string, len(p.ConfigExport))
	for kind, section := range p.ConfigExport {
		if kind == "valuemap" {
			section = "value_maps"
		}
		imp[section] = kind
	}
	p.ConfigImport[release.R40] = imp

	return p
}

// diff44: autoregistration joins the settings group; media types gain a
// proper name field and move from the API path into the configuration
// bundle.
func diff44(p *Profile) {
	p.Methods["autoregistration"] = Method{GetOptions: map[string]any{}}
	p.Sections.Global = append(p.Sections.Global, "autoregistration")

	m := p.Methods["mediatype"]
	m.NameField = "name"
	m.GetOptions["output"] = []string{"name"}
	p.Methods["mediatype"] = m

	p.Sections.Pre = remove(p.Sections.Pre, "mediatype")
	p.ConfigExport["mediatype"] = "mediaTypes"
	p.ConfigImport[release.R44] = map[string]string{"mediaTypes": "mediatype"}
	p.ImportRules["mediaTypes"] = map[string]bool{
		"createMissing":  true,
		"updateExisting": true,
	}
}

// diff50: macros gain a type; only plain-text ones are readable.
func diff50(p *Profile) {
	m := p.Methods["usermacro"]
	m.GetOptions["filter"] = map[string]any{"type": 0}
	p.Methods["usermacro"] = m
}

// diff52: permissions move to roles; vault macros become readable.
func diff52(p *Profile) {
	m := p.Methods["usermacro"]
	m.GetOptions["filter"] = map[string]any{"type": []int{0, 2}}
	p.Methods["usermacro"] = m

	p.Methods["role"] = Method{
		IDField:   "roleid",
		NameField: "name",
		GetOptions: map[string]any{
			"output":      "extend",
			"selectRules": "extend",
		},
	}
	u := p.Methods["user"]
	u.GetOptions["output"] = append(u.GetOptions["output"].([]string), "roleid")
	p.Methods["user"] = u

	p.Sections.Post = append(p.Sections.Post, "role")

	p.ImportRules["templateDashboards"] = p.ImportRules["templateScreens"]
	delete(p.ImportRules, "templateScreens")

	p.Discard["role"] = []string{"readonly"}
}

// diff54: user alias becomes username; value maps fold into templates
// and hosts; applications and screens are gone.
func diff54(p *Profile) {
	u := p.Methods["user"]
	u.NameField = "username"
	u.GetOptions["output"] = []string{"username", "roleid"}
	p.Methods["user"] = u

	delete(p.ConfigExport, "valuemap")
	delete(p.ImportRules, "applications")
	delete(p.ImportRules, "screens")
}

// diff60: global settings, authentication and regexps become API
// objects (retiring direct DB access); services and SLAs are rebuilt.
func diff60(p *Profile) {
	p.Methods["authentication"] = Method{GetOptions: map[string]any{}}
	p.Methods["settings"] = Method{GetOptions: map[string]any{}}
	p.Methods["regexp"] = Method{
		IDField:   "regexpid",
		NameField: "name",
		GetOptions: map[string]any{
			"output": []string{"regexpid", "name"},
			"selectExpressions": []string{
				"expression",
				"expression_type",
				"exp_delimiter",
				"case_sensitive",
			},
		},
	}
	p.Methods["sla"] = Method{
		IDField:   "slaid",
		NameField: "name",
		GetOptions: map[string]any{
			"output":                  "extend",
			"selectSchedule":          "extend",
			"selectExcludedDowntimes": "extend",
			"selectServiceTags":       "extend",
		},
	}
	p.Methods["service"] = Method{
		IDField:   "serviceid",
		NameField: "name",
		GetOptions: map[string]any{
			"output":            "extend",
			"selectParents":     []string{"name"},
			"selectChildren":    []string{"name"},
			"selectStatusRules": "extend",
			"selectProblemTags": "extend",
			"selectTags":        "extend",
		},
	}

	a := p.Methods["action"]
	a.GetOptions["selectUpdateOperations"] = a.GetOptions["selectAcknowledgeOperations"]
	delete(a.GetOptions, "selectAcknowledgeOperations")
	p.Methods["action"] = a
	p.RenamedFields[release.R60] = map[string]string{
		"selectAcknowledgeOperations": "selectUpdateOperations",
	}

	p.Sections.Global = append(p.Sections.Global, "settings", "authentication")
	p.Sections.Pre = append(p.Sections.Pre, "regexp")
	p.Sections.Post = append(p.Sections.Post, "service", "sla")

	p.Discard["service"] = []string{"status", "uuid", "created_at", "readonly"}
	p.Discard["settings"] = []string{"ha_failover_delay"}
	p.Discard["sla"] = []string{"service_tags", "schedule", "excluded_downtimes"}
}

// diff62: groups split into host and template groups; rights and
// maintenance selectors follow.
func diff62(p *Profile) {
	p.Methods["templategroup"] = Method{
		IDField:   "groupid",
		NameField: "name",
		GetOptions: map[string]any{
			"output": "extend",
		},
	}

	m := p.Methods["maintenance"]
	m.GetOptions["selectHostGroups"] = m.GetOptions["selectGroups"]
	delete(m.GetOptions, "selectGroups")
	p.Methods["maintenance"] = m

	g := p.Methods["usergroup"]
	rights := g.GetOptions["selectRights"]
	delete(g.GetOptions, "selectRights")
	g.GetOptions["selectHostGroupRights"] = rights
	g.GetOptions["selectTemplateGroupRights"] = rights
	p.Methods["usergroup"] = g

	p.ConfigExport["hostgroup"] = "host_groups"
	p.ConfigExport["templategroup"] = "template_groups"
	p.ConfigImport[release.R62] = map[string]string{
		"host_groups":     "hostgroup",
		"template_groups": "templategroup",
	}
	// Bundles from masters 5.4..6.0 still need the 4.0 mapping minus
	// value maps, which imports reject from 6.2 on.
	delete(p.ConfigImport[release.R40], "value_maps")

	groups := p.ImportRules["groups"]
	delete(p.ImportRules, "groups")
	p.ImportRules["host_groups"] = groups
	p.ImportRules["template_groups"] = groups
}

// diff64: LDAP/SAML move into user directories with JIT provisioning.
func diff64(p *Profile) {
	p.Methods["userdirectory"] = Method{
		IDField:   "userdirectoryid",
		NameField: "name",
		GetOptions: map[string]any{
			"output":                "extend",
			"selectProvisionMedia":  "extend",
			"selectProvisionGroups": "extend",
		},
	}
	u := p.Methods["user"]
	u.GetOptions["output"] = append(u.GetOptions["output"].([]string), "userdirectoryid")
	p.Methods["user"] = u

	p.Sections.Post = append(p.Sections.Post, "userdirectory")

	p.RenamedFields[release.R64] = map[string]string{
		"ldap_configured": "ldap_auth_enabled",
	}
	p.Discard["role"] = append(p.Discard["role"], "services.actions")
}

// diff70: proxies are reshaped and grouped, MFA and connectors arrive,
// and per-check-type timeouts split out of the global one.
func diff70(p *Profile) {
	p.Methods["proxygroup"] = Method{
		IDField:   "proxy_groupid",
		NameField: "name",
		GetOptions: map[string]any{
			"output": []string{
				"proxy_groupid",
				"name",
				"failover_delay",
				"min_online",
				"description",
			},
		},
	}
	p.Methods["proxy"] = Method{
		IDField:   "proxyid",
		NameField: "name",
		GetOptions: map[string]any{
			"output": "extend",
		},
	}
	p.Methods["mfa"] = Method{
		IDField:   "mfaid",
		NameField: "name",
		GetOptions: map[string]any{
			"output": "extend",
		},
	}
	p.Methods["connector"] = Method{
		IDField:   "connectorid",
		NameField: "name",
		GetOptions: map[string]any{
			"output":     "extend",
			"selectTags": "extend",
		},
	}

	// Proxy groups must exist before proxies reference them, and
	// proxies move behind the template import so their group ids
	// resolve. Connectors stand alone. MFA precedes authentication.
	p.Sections.Pre = append(p.Sections.Pre, "connector")
	p.Sections.Pre = remove(p.Sections.Pre, "proxy")
	p.Sections.Pre = append(p.Sections.Pre, "proxygroup")
	p.Sections.Mid = append(p.Sections.Mid, "proxy")
	p.Sections.Post = append(p.Sections.Post, "mfa")

	p.TimeoutTargets = []string{
		"simple_check",
		"snmp_agent",
		"external_check",
		"db_monitor",
		"http_agent",
		"ssh_agent",
		"telnet_agent",
		"script",
		"browser",
	}
}

func remove(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
