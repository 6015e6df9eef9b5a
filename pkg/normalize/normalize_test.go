// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package normalize_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/monclone/monclone/pkg/idmap"
	"github.com/monclone/monclone/pkg/normalize"
	"github.com/monclone/monclone/pkg/profile"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

func workerEnv(t *testing.T, rel, source release.Rel) *normalize.Env {
	return &normalize.Env{
		Log:     zaptest.NewLogger(t),
		Node:    "worker-1",
		Release: rel,
		Source:  source,
		Profile: profile.Must(rel),
		IDs:     idmap.New(),
	}
}

func masterEnv(t *testing.T, rel release.Rel) *normalize.Env {
	env := workerEnv(t, rel, rel)
	env.Master = true
	return env
}

func load(env *normalize.Env, kind string, pairs ...string) {
	entries := make([]idmap.Entry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		entries = append(entries, idmap.Entry{ID: pairs[i], Name: pairs[i+1]})
	}
	env.IDs.Load(kind, entries)
}

func rec(kind, name string, data map[string]any) snapshot.Record {
	return snapshot.Record{Kind: kind, Name: name, Data: data}
}

func payload(t *testing.T, r snapshot.Record) map[string]any {
	t.Helper()
	data, ok := r.Data.(map[string]any)
	require.True(t, ok)
	return data
}

func TestApplyPassThrough(t *testing.T) {
	env := workerEnv(t, release.R64, release.R64)
	in := []snapshot.Record{rec("hostgroup", "Linux servers", map[string]any{"name": "Linux servers"})}

	out, extends, err := normalize.Apply(env, "hostgroup", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Empty(t, extends)

	assert.False(t, normalize.Handled("hostgroup"))
	assert.True(t, normalize.Handled("user"))
	assert.True(t, normalize.Handled("action"))
}

func TestApplyRejectsScalarPayload(t *testing.T) {
	env := workerEnv(t, release.R64, release.R64)
	_, _, err := normalize.Apply(env, "user", []snapshot.Record{
		{Kind: "user", Name: "broken", Data: "not an object"},
	})
	require.Error(t, err)
}

func TestUserWorkerAllowList(t *testing.T) {
	env := workerEnv(t, release.R64, release.R64)
	env.AllowedUsers = map[string]string{"alice": "pw-alice", "carol": "pw-carol", "root": "pw-root"}
	load(env, "user", "1", "Admin", "9", "carol", "7", "stale")
	load(env, "usergroup", "21", "Ops")
	load(env, "role", "3", "Super admin role", "4", "Operator role")
	load(env, "mediatype", "31", "Email")

	in := []snapshot.Record{
		rec("user", "alice", map[string]any{
			"username": "alice",
			"roleid":   "Operator role",
			"usrgrps":  []any{"Ops", "Ghost group"},
			"medias": []any{
				map[string]any{"mediatypeid": "Email", "sendto": []any{"alice@example.test"}, "mediaid": "77", "userid": "12"},
				map[string]any{"mediatypeid": "Gone", "sendto": []any{"x"}},
			},
			"users_status": "0",
			"gui_access":   "0",
			"debug_mode":   "0",
		}),
		// Not allow-listed.
		rec("user", "bob", map[string]any{"username": "bob", "roleid": "Operator role", "usrgrps": []any{"Ops"}}),
		// Allow-listed but a super administrator.
		rec("user", "root", map[string]any{"username": "root", "roleid": "Super admin role", "usrgrps": []any{"Ops"}}),
		// Owned by an external directory.
		rec("user", "svc", map[string]any{"username": "svc", "roleid": "Operator role", "userdirectoryid": "5", "usrgrps": []any{"Ops"}}),
		// Already exists locally.
		rec("user", "carol", map[string]any{"username": "carol", "roleid": "Operator role", "usrgrps": []any{"Ops"}, "medias": []any{}}),
	}
	out, extends, err := normalize.Apply(env, "user", in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	alice := payload(t, out[0])
	assert.Equal(t, "4", alice["roleid"])
	assert.Equal(t, "pw-alice", alice["passwd"])
	assert.Equal(t, []any{map[string]any{"usrgrpid": "21"}}, alice["usrgrps"])
	assert.Equal(t, []any{map[string]any{"mediatypeid": "31", "sendto": []any{"alice@example.test"}}}, alice["medias"])
	assert.NotContains(t, alice, "users_status")
	assert.NotContains(t, alice, "gui_access")
	assert.NotContains(t, alice, "debug_mode")

	carol := payload(t, out[1])
	assert.NotContains(t, carol, "passwd")
	assert.NotContains(t, carol, "medias")

	// The local account absent from the snapshot goes; skipped
	// snapshot users and the built-in administrator stay.
	require.Len(t, extends, 1)
	assert.Equal(t, "user", extends[0].Kind)
	assert.Equal(t, []string{"7"}, extends[0].Delete)
}

func TestUserWorkerFromOldMasterTakesType(t *testing.T) {
	env := workerEnv(t, release.R60, release.R50)
	env.AllowedUsers = map[string]string{"ops": "pw", "boss": "pw"}
	load(env, "user", "1", "Admin")
	load(env, "usergroup", "21", "Ops")

	in := []snapshot.Record{
		rec("user", "ops", map[string]any{"alias": "ops", "type": "1", "usrgrps": []any{"Ops"}}),
		rec("user", "boss", map[string]any{"alias": "boss", "type": "3", "usrgrps": []any{"Ops"}}),
	}
	out, extends, err := normalize.Apply(env, "user", in)
	require.NoError(t, err)
	require.Empty(t, extends)

	// The pre-5.2 permission type becomes the role id verbatim, and
	// the super administrator is still recognized through it.
	require.Len(t, out, 1)
	ops := payload(t, out[0])
	assert.Equal(t, "1", ops["roleid"])
	assert.NotContains(t, ops, "type")
	assert.Equal(t, "pw", ops["passwd"])
}

func TestUserWorkerOldReleaseMediaKey(t *testing.T) {
	env := workerEnv(t, release.R50, release.R50)
	env.AllowedUsers = map[string]string{"ops": "pw"}
	load(env, "user", "1", "Admin")
	load(env, "usergroup", "21", "Ops")
	load(env, "mediatype", "31", "Email")

	in := []snapshot.Record{rec("user", "ops", map[string]any{
		"alias":   "ops",
		"type":    "1",
		"usrgrps": []any{"Ops"},
		"medias":  []any{map[string]any{"mediatypeid": "Email", "sendto": "ops@example.test"}},
	})}
	out, _, err := normalize.Apply(env, "user", in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	ops := payload(t, out[0])
	assert.Equal(t, "1", ops["type"])
	assert.NotContains(t, ops, "roleid")
	assert.NotContains(t, ops, "medias")
	assert.Equal(t, []any{map[string]any{"mediatypeid": "31", "sendto": "ops@example.test"}}, ops["user_medias"])
}

func TestUserMasterExport(t *testing.T) {
	env := masterEnv(t, release.R64)
	load(env, "role", "4", "Operator role")
	load(env, "usergroup", "21", "Ops")
	load(env, "mediatype", "31", "Email")

	in := []snapshot.Record{rec("user", "alice", map[string]any{
		"username": "alice",
		"roleid":   "4",
		"usrgrps": []any{
			map[string]any{"usrgrpid": "21", "name": "Ops"},
			map[string]any{"usrgrpid": "22", "name": ""},
		},
		"medias": []any{map[string]any{"mediatypeid": "31", "sendto": []any{"a@b"}}},
	})}
	out, extends, err := normalize.Apply(env, "user", in)
	require.NoError(t, err)
	require.Empty(t, extends)
	require.Len(t, out, 1)

	alice := payload(t, out[0])
	assert.Equal(t, "Operator role", alice["roleid"])
	assert.Equal(t, []any{"Ops"}, alice["usrgrps"])
	assert.Equal(t, []any{map[string]any{"mediatypeid": "Email", "sendto": []any{"a@b"}}}, alice["medias"])
}

func TestUsergroupRightsFromOldMaster(t *testing.T) {
	env := workerEnv(t, release.R64, release.R60)
	load(env, "hostgroup", "4", "Linux servers")
	load(env, "templategroup", "15", "Templates/OS")

	in := []snapshot.Record{rec("usergroup", "Ops", map[string]any{
		"name":       "Ops",
		"gui_access": "0",
		"rights": []any{
			map[string]any{"id": "Linux servers", "permission": "3"},
			map[string]any{"id": "Templates/OS", "permission": "2"},
			map[string]any{"id": "Vanished", "permission": "2"},
		},
		"users":       []any{map[string]any{"userid": "9"}},
		"tag_filters": []any{},
	})}
	out, _, err := normalize.Apply(env, "usergroup", in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	// The combined pre-6.2 list feeds both split lists, each keeping
	// the names its own kind resolves.
	group := payload(t, out[0])
	assert.Equal(t, []any{map[string]any{"id": "4", "permission": "3"}}, group["hostgroup_rights"])
	assert.Equal(t, []any{map[string]any{"id": "15", "permission": "2"}}, group["templategroup_rights"])
	assert.NotContains(t, group, "rights")
	assert.NotContains(t, group, "users")
	assert.NotContains(t, group, "tag_filters")
}

func TestUsergroupRightsSameRelease(t *testing.T) {
	env := workerEnv(t, release.R64, release.R64)
	load(env, "hostgroup", "4", "Linux servers")
	load(env, "templategroup", "15", "Templates/OS")

	in := []snapshot.Record{rec("usergroup", "Ops", map[string]any{
		"name":                 "Ops",
		"gui_access":           "0",
		"hostgroup_rights":     []any{map[string]any{"id": "Linux servers", "permission": "2"}},
		"templategroup_rights": []any{map[string]any{"id": "Templates/OS", "permission": "3"}},
	})}
	out, _, err := normalize.Apply(env, "usergroup", in)
	require.NoError(t, err)

	group := payload(t, out[0])
	assert.Equal(t, []any{map[string]any{"id": "4", "permission": "2"}}, group["hostgroup_rights"])
	assert.Equal(t, []any{map[string]any{"id": "15", "permission": "3"}}, group["templategroup_rights"])
}

func TestUsergroupDirectoryAndMFA(t *testing.T) {
	env := workerEnv(t, release.R70, release.R70)
	load(env, "userdirectory", "6", "corp-ldap")
	load(env, "mfa", "5", "Duo prod")

	in := []snapshot.Record{
		rec("usergroup", "NoMFA", map[string]any{
			"name": "NoMFA", "gui_access": "0", "mfa_status": "0", "mfaid": "0",
		}),
		rec("usergroup", "WithMFA", map[string]any{
			"name": "WithMFA", "gui_access": "0", "mfa_status": "1", "mfaid": "Duo prod",
		}),
		rec("usergroup", "LDAP", map[string]any{
			"name": "LDAP", "gui_access": "0", "userdirectoryid": "corp-ldap",
		}),
		rec("usergroup", "Frontend only", map[string]any{
			"name": "Frontend only", "gui_access": "1", "userdirectoryid": "corp-ldap",
		}),
	}
	out, _, err := normalize.Apply(env, "usergroup", in)
	require.NoError(t, err)
	require.Len(t, out, 4)

	noMFA := payload(t, out[0])
	assert.NotContains(t, noMFA, "mfa_status")
	assert.NotContains(t, noMFA, "mfaid")

	withMFA := payload(t, out[1])
	assert.Equal(t, "1", withMFA["mfa_status"])
	assert.Equal(t, "5", withMFA["mfaid"])

	ldap := payload(t, out[2])
	assert.Equal(t, "6", ldap["userdirectoryid"])

	// Internal-auth frontend access cannot carry a directory.
	frontend := payload(t, out[3])
	assert.NotContains(t, frontend, "userdirectoryid")
}

func TestRoleWorkerReshape(t *testing.T) {
	env := workerEnv(t, release.R64, release.R60)
	env.Cloud = true

	in := []snapshot.Record{rec("role", "Operator role", map[string]any{
		"name":     "Operator role",
		"type":     "1",
		"readonly": "0",
		"rules": map[string]any{
			"ui": []any{
				map[string]any{"name": "configuration.actions", "status": "1"},
				map[string]any{"name": "monitoring.hosts", "status": "1"},
			},
			"services.actions": []any{map[string]any{"name": "*", "status": "1"}},
			"modules":          []any{map[string]any{"moduleid": "1", "status": "1"}},
		},
	})}
	out, _, err := normalize.Apply(env, "role", in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	role := payload(t, out[0])
	assert.NotContains(t, role, "readonly")
	assert.Equal(t, "1", role["type"])

	rules := role["rules"].(map[string]any)
	assert.NotContains(t, rules, "services.actions")
	assert.NotContains(t, rules, "modules")

	// The retired combined actions rule expands into its per-source
	// successors, carrying the old status.
	ui := rules["ui"].([]any)
	require.Len(t, ui, 6)
	assert.Equal(t, map[string]any{"name": "monitoring.hosts", "status": "1"}, ui[0])
	assert.Equal(t, map[string]any{"name": "configuration.trigger_actions", "status": int64(1)}, ui[1])
	assert.Equal(t, "configuration.internal_actions", ui[5].(map[string]any)["name"])
}

func TestUserdirectoryProvisionRefs(t *testing.T) {
	env := workerEnv(t, release.R64, release.R64)
	load(env, "mediatype", "31", "Email")
	load(env, "role", "4", "Operator role")
	load(env, "usergroup", "21", "Ops")

	in := []snapshot.Record{rec("userdirectory", "corp-ldap", map[string]any{
		"name": "corp-ldap",
		"provision_media": []any{
			map[string]any{"name": "mail", "mediatypeid": "Email", "userdirectory_mediaid": "3"},
			map[string]any{"name": "sms", "mediatypeid": "Gone"},
		},
		"provision_groups": []any{
			map[string]any{"roleid": "Operator role", "user_group": []any{
				map[string]any{"usrgrpid": "Ops"},
				map[string]any{"usrgrpid": "Ghost"},
			}},
			map[string]any{"roleid": "Operator role", "user_group": []any{
				map[string]any{"usrgrpid": "Ghost"},
			}},
		},
	})}
	out, _, err := normalize.Apply(env, "userdirectory", in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	dir := payload(t, out[0])
	media := dir["provision_media"].([]any)
	require.Len(t, media, 1)
	assert.Equal(t, map[string]any{"name": "mail", "mediatypeid": "31"}, media[0])

	groups := dir["provision_groups"].([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, map[string]any{
		"roleid":     "4",
		"user_group": []any{map[string]any{"usrgrpid": "21"}},
	}, groups[0])
}

func TestMFAWorkerSecrets(t *testing.T) {
	env := workerEnv(t, release.R70, release.R70)
	env.MFAClientSecrets = map[string]string{"Duo prod": "duo-secret"}

	in := []snapshot.Record{
		rec("mfa", "TOTP main", map[string]any{
			"name": "TOTP main", "type": "1",
			"api_hostname": "x", "clientid": "y",
			"hash_function": "1", "code_length": "6",
		}),
		rec("mfa", "Duo prod", map[string]any{
			"name": "Duo prod", "type": "2",
			"api_hostname": "api.duo.test", "clientid": "abc",
			"hash_function": "1", "code_length": "6",
		}),
		rec("mfa", "Duo stage", map[string]any{
			"name": "Duo stage", "type": "2",
			"api_hostname": "api.duo.test", "clientid": "abc",
		}),
	}
	out, _, err := normalize.Apply(env, "mfa", in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	totp := payload(t, out[0])
	assert.NotContains(t, totp, "api_hostname")
	assert.NotContains(t, totp, "clientid")
	assert.Equal(t, "1", totp["hash_function"])

	duo := payload(t, out[1])
	assert.Equal(t, "duo-secret", duo["client_secret"])
	assert.Equal(t, "api.duo.test", duo["api_hostname"])
	assert.NotContains(t, duo, "hash_function")
	assert.NotContains(t, duo, "code_length")
}

func TestServiceMasterFlattens(t *testing.T) {
	env := masterEnv(t, release.R60)
	in := []snapshot.Record{rec("service", "Checkout", map[string]any{
		"name":     "Checkout",
		"parents":  []any{map[string]any{"name": "Web"}},
		"children": []any{map[string]any{"name": "DB"}, map[string]any{"name": ""}},
	})}
	out, extends, err := normalize.Apply(env, "service", in)
	require.NoError(t, err)
	require.Empty(t, extends)

	svc := payload(t, out[0])
	assert.Equal(t, []any{"Web"}, svc["parents"])
	assert.Equal(t, []any{"DB"}, svc["children"])
}

func TestServiceWorkerQueuesRelations(t *testing.T) {
	env := workerEnv(t, release.R60, release.R60)
	load(env, "service", "40", "Web", "41", "Checkout", "33", "Legacy")

	in := []snapshot.Record{
		rec("service", "Web", map[string]any{
			"name": "Web", "algorithm": "0",
			"status": "-1", "uuid": "u", "created_at": "123", "readonly": true,
			"parents": []any{}, "children": []any{"Checkout"},
		}),
		rec("service", "Checkout", map[string]any{
			"name": "Checkout", "algorithm": "0",
			"parents": []any{"Web"}, "children": []any{},
		}),
	}
	out, extends, err := normalize.Apply(env, "service", in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	web := payload(t, out[0])
	assert.NotContains(t, web, "parents")
	assert.NotContains(t, web, "children")
	assert.NotContains(t, web, "status")
	assert.NotContains(t, web, "uuid")
	assert.NotContains(t, web, "created_at")
	assert.NotContains(t, web, "readonly")

	require.Len(t, extends, 1)
	ext := extends[0]
	assert.Equal(t, "service", ext.Kind)
	require.Len(t, ext.Records, 2)
	assert.Equal(t, "Web", ext.Records[0].Name)
	assert.Equal(t, []string{"33"}, ext.Delete)

	// Once the section has run every service resolves, and the queued
	// relation update carries plain id references.
	update, ok, err := normalize.ServiceRelations(env, ext.Records[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"serviceid": "40",
		"parents":   []any{},
		"children":  []any{map[string]any{"serviceid": "41"}},
	}, update)

	// A service that never made it onto the node is skipped.
	_, ok, err = normalize.ServiceRelations(env, rec("service", "Ghost", map[string]any{
		"parents": []any{}, "children": []any{},
	}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSLAWorker(t *testing.T) {
	env := workerEnv(t, release.R60, release.R60)
	load(env, "sla", "8", "Gold", "9", "Bronze")

	in := []snapshot.Record{rec("sla", "Gold", map[string]any{
		"name":               "Gold",
		"slo":                "99.9",
		"schedule":           []any{},
		"service_tags":       []any{map[string]any{"tag": "tier", "value": "gold"}},
		"excluded_downtimes": []any{},
	})}
	out, extends, err := normalize.Apply(env, "sla", in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	sla := payload(t, out[0])
	assert.NotContains(t, sla, "schedule")
	assert.NotContains(t, sla, "excluded_downtimes")
	assert.Contains(t, sla, "service_tags")

	require.Len(t, extends, 1)
	assert.Equal(t, []string{"9"}, extends[0].Delete)
}

func TestConnectorWorker(t *testing.T) {
	env := workerEnv(t, release.R70, release.R70)
	load(env, "connector", "2", "events-out", "3", "history-out", "4", "old-out")

	in := []snapshot.Record{
		rec("connector", "events-out", map[string]any{
			"name": "events-out", "status": "1", "data_type": "1",
			"item_value_type": "31", "max_attempts": "1", "attempt_interval": "5s",
			"authtype": "5", "username": "u", "password": "p", "token": "tok",
		}),
		rec("connector", "history-out", map[string]any{
			"name": "history-out", "status": "0", "data_type": "0",
		}),
		rec("connector", "metrics-out", map[string]any{
			"name": "metrics-out", "status": "1", "data_type": "0",
			"max_attempts": "3", "attempt_interval": "5s",
			"authtype": "1", "username": "u", "password": "p", "token": "tok",
		}),
	}
	out, extends, err := normalize.Apply(env, "connector", in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	events := payload(t, out[0])
	assert.NotContains(t, events, "item_value_type")
	assert.NotContains(t, events, "attempt_interval")
	assert.NotContains(t, events, "username")
	assert.NotContains(t, events, "password")
	assert.Equal(t, "tok", events["token"])

	metrics := payload(t, out[1])
	assert.Equal(t, "5s", metrics["attempt_interval"])
	assert.Equal(t, "u", metrics["username"])
	assert.NotContains(t, metrics, "token")

	// Both the disabled connector and the stale local one go.
	require.Len(t, extends, 1)
	assert.ElementsMatch(t, []string{"3", "4"}, extends[0].Delete)
}

func TestMediatypeNeverTravels(t *testing.T) {
	in := []snapshot.Record{rec("mediatype", "Email", map[string]any{"name": "Email"})}

	out, extends, err := normalize.Apply(masterEnv(t, release.R64), "mediatype", in)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, extends)

	out, _, err = normalize.Apply(workerEnv(t, release.R64, release.R64), "mediatype", in)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAuthenticationSwaps(t *testing.T) {
	master := masterEnv(t, release.R70)
	load(master, "usergroup", "21", "No access")
	load(master, "mfa", "5", "Duo prod")

	in := []snapshot.Record{
		rec("authentication", "authentication_type", map[string]any{"authentication_type": "1"}),
		rec("authentication", "disabled_usrgrpid", map[string]any{"disabled_usrgrpid": "21"}),
		rec("authentication", "mfaid", map[string]any{"mfaid": "5"}),
	}
	out, _, err := normalize.Apply(master, "authentication", in)
	require.NoError(t, err)
	assert.Equal(t, "1", payload(t, out[0])["authentication_type"])
	assert.Equal(t, "No access", payload(t, out[1])["disabled_usrgrpid"])
	assert.Equal(t, "Duo prod", payload(t, out[2])["mfaid"])

	worker := workerEnv(t, release.R70, release.R70)
	load(worker, "usergroup", "84", "No access")
	out, _, err = normalize.Apply(worker, "authentication", []snapshot.Record{
		rec("authentication", "disabled_usrgrpid", map[string]any{"disabled_usrgrpid": "No access"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "84", payload(t, out[0])["disabled_usrgrpid"])
}

func TestProxyWorkerMarker(t *testing.T) {
	env := workerEnv(t, release.R64, release.R64)
	load(env, "proxy", "9", "px-b")

	in := []snapshot.Record{
		rec("proxy", "px-a", map[string]any{
			"host": "px-a", "status": "5",
			"description": "MC_WORKER:worker-1;primary",
			"lastaccess":  "171717", "auto_compress": "1",
			"tls_connect": "1", "tls_accept": "1",
		}),
		rec("proxy", "px-b", map[string]any{
			"host": "px-b", "status": "5",
			"description": "MC_WORKER:worker-2;",
			"tls_connect": "1", "tls_accept": "1",
		}),
		rec("proxy", "px-c", map[string]any{
			"host": "px-c", "status": "5",
			"description": "unmanaged",
			"tls_connect": "1", "tls_accept": "1",
		}),
		rec("proxy", "px-d", map[string]any{
			"host": "px-d", "status": "5",
			"description": "MC_WORKER:worker-1;MC_WORKER:worker-2;",
			"tls_connect": "1", "tls_accept": "1",
		}),
	}
	out, extends, err := normalize.Apply(env, "proxy", in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "px-a", out[0].Name)

	pxa := payload(t, out[0])
	assert.NotContains(t, pxa, "lastaccess")
	assert.NotContains(t, pxa, "auto_compress")

	// Only the local proxy now assigned to another worker goes; the
	// unmarked and the ambiguously marked ones are left alone.
	require.Len(t, extends, 1)
	assert.Equal(t, "proxy", extends[0].Kind)
	assert.Equal(t, []string{"9"}, extends[0].Delete)
}

func TestProxyReshapeAcross70(t *testing.T) {
	env := workerEnv(t, release.R70, release.R64)

	in := []snapshot.Record{rec("proxy", "px-a", map[string]any{
		"host": "px-a", "status": "6", "proxy_address": "10.0.0.8",
		"description": "MC_WORKER:worker-1;",
		"tls_connect": "1", "tls_accept": "1",
	})}
	out, _, err := normalize.Apply(env, "proxy", in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	px := payload(t, out[0])
	assert.Equal(t, "px-a", px["name"])
	assert.Equal(t, 0, px["proxy_groupid"])
	assert.Equal(t, "10.0.0.8", px["allowed_addresses"])
	assert.Equal(t, int64(1), px["operating_mode"])
	assert.NotContains(t, px, "host")
	assert.NotContains(t, px, "status")
	assert.NotContains(t, px, "proxy_address")
}

func TestProxyPSK(t *testing.T) {
	key := strings.Repeat("ab", 32)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	env := workerEnv(t, release.R64, release.R64)
	env.NowFn = func() time.Time { return now }
	env.ProxyPSK = map[string]normalize.PSK{"px-a": {Identity: "psk-a", Key: key}}

	in := []snapshot.Record{
		rec("proxy", "px-a", map[string]any{
			"host": "px-a", "status": "6",
			"description": "MC_WORKER:worker-1;",
			"tls_connect": "2", "tls_accept": "1",
		}),
		rec("proxy", "px-b", map[string]any{
			"host": "px-b", "status": "5",
			"description": "MC_WORKER:worker-1;",
			"tls_connect": "1", "tls_accept": "3",
		}),
	}
	out, _, err := normalize.Apply(env, "proxy", in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	pxa := payload(t, out[0])
	assert.Equal(t, "psk-a", pxa["tls_psk_identity"])
	assert.Equal(t, key, pxa["tls_psk"])
	assert.Equal(t, "2", pxa["tls_connect"])

	// No configured pair: the PSK bit comes off and the description
	// says when.
	pxb := payload(t, out[1])
	assert.NotContains(t, pxb, "tls_psk")
	assert.Equal(t, int64(1), pxb["tls_accept"])
	assert.Equal(t, "[2026-01-02T03:04:05Z PSK DISABLED]\r\n\r\nMC_WORKER:worker-1;", pxb["description"])
}

func TestProxyPSKKeyBounds(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{name: "minimum", key: strings.Repeat("ab", 32), ok: true},
		{name: "maximum", key: strings.Repeat("ab", 512), ok: true},
		{name: "too short", key: strings.Repeat("ab", 31) + "a"},
		{name: "too long", key: strings.Repeat("ab", 513)},
		{name: "not hex", key: strings.Repeat("gh", 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := workerEnv(t, release.R64, release.R64)
			env.NowFn = func() time.Time { return time.Unix(0, 0) }
			env.ProxyPSK = map[string]normalize.PSK{"px-a": {Identity: "id-a", Key: tt.key}}

			in := []snapshot.Record{rec("proxy", "px-a", map[string]any{
				"host": "px-a", "status": "6",
				"description": "MC_WORKER:worker-1;",
				"tls_connect": "2",
			})}
			out, _, err := normalize.Apply(env, "proxy", in)
			require.NoError(t, err)
			require.Len(t, out, 1)

			px := payload(t, out[0])
			if tt.ok {
				assert.Equal(t, tt.key, px["tls_psk"])
			} else {
				assert.NotContains(t, px, "tls_psk")
				assert.Equal(t, 1, px["tls_connect"])
			}
		})
	}
}

func TestMaintenanceMasterFlattens(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env := masterEnv(t, release.R64)
	env.NowFn = func() time.Time { return now }

	in := []snapshot.Record{rec("maintenance", "patch window", map[string]any{
		"name":        "patch window",
		"active_till": strconv.FormatInt(now.Unix()+3600, 10),
		"timeperiods": []any{
			map[string]any{
				"timeperiod_type": "0",
				"start_date":      strconv.FormatInt(now.Unix()-7200, 10),
				"period":          "3600",
				"every":           "1",
			},
			map[string]any{
				"timeperiod_type": "2",
				"start_date":      "100", "day": "5",
				"dayofweek": "64", "start_time": "3600", "period": "7200", "every": "1",
			},
		},
		"hostgroups": []any{map[string]any{"groupid": "4", "name": "Linux servers"}},
		"hosts":      []any{},
		"tags":       []any{},
	})}
	out, _, err := normalize.Apply(env, "maintenance", in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	window := payload(t, out[0])
	periods := window["timeperiods"].([]any)
	require.Len(t, periods, 1)
	weekly := periods[0].(map[string]any)
	assert.NotContains(t, weekly, "start_date")
	assert.NotContains(t, weekly, "day")
	assert.Equal(t, "64", weekly["dayofweek"])

	assert.Equal(t, []any{"Linux servers"}, window["hostgroups"])
	assert.NotContains(t, window, "hosts")
	assert.NotContains(t, window, "tags")
}

func TestMaintenanceWorkerExpands(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env := workerEnv(t, release.R64, release.R60)
	env.NowFn = func() time.Time { return now }
	load(env, "hostgroup", "4", "Linux servers")
	load(env, "host", "10", "web1")

	in := []snapshot.Record{
		rec("maintenance", "patch window", map[string]any{
			"name":        "patch window",
			"active_till": strconv.FormatInt(now.Unix()+3600, 10),
			"timeperiods": []any{map[string]any{"timeperiod_type": "3", "start_date": "100", "month": "5"}},
			"groups":      []any{"Linux servers", "Vanished"},
			"hosts":       []any{"web1"},
		}),
		rec("maintenance", "ghost window", map[string]any{
			"name":        "ghost window",
			"active_till": strconv.FormatInt(now.Unix()+3600, 10),
			"timeperiods": []any{map[string]any{"timeperiod_type": "3", "month": "5"}},
			"groups":      []any{"Vanished"},
		}),
	}
	out, _, err := normalize.Apply(env, "maintenance", in)
	require.NoError(t, err)

	// The window whose every target vanished locally is dropped.
	require.Len(t, out, 1)
	window := payload(t, out[0])
	assert.Equal(t, []any{map[string]any{"groupid": "4"}}, window["groups"])
	assert.Equal(t, []any{map[string]any{"hostid": "10"}}, window["hosts"])
}

func TestActionWorkerReshape(t *testing.T) {
	env := workerEnv(t, release.R64, release.R64)
	load(env, "action", "30", "Report problems")
	load(env, "hostgroup", "4", "Linux servers")
	load(env, "usergroup", "7", "Ops")
	load(env, "mediatype", "31", "Email")

	in := []snapshot.Record{
		rec("action", "Muted", map[string]any{
			"name": "Muted", "status": "1", "eventsource": "0",
		}),
		rec("action", "Report problems", map[string]any{
			"name":        "Report problems",
			"status":      "0",
			"eventsource": "0",
			"esc_period":  "1h",
			"filter": map[string]any{
				"evaltype":     "0",
				"eval_formula": "A",
				"formula":      "",
				"conditions": []any{
					map[string]any{"conditiontype": "0", "formulaid": "A", "value": "Linux servers", "value2": ""},
				},
			},
			"operations": []any{map[string]any{
				"operationid":   "101",
				"operationtype": "0",
				"esc_step_from": "1",
				"esc_step_to":   "1",
				"opmessage": map[string]any{
					"default_msg": "1",
					"mediatypeid": "Email",
					"subject":     "",
				},
				"opmessage_grp": []any{map[string]any{"usrgrpid": "Ops", "operationid": "101"}},
				"opmessage_usr": []any{},
			}},
			"recoveryOperations": []any{map[string]any{
				"operationid":   "102",
				"operationtype": "11",
				"opmessage":     map[string]any{"default_msg": "0", "mediatypeid": "Email", "message": "done"},
			}},
			"update_operations": []any{},
		}),
	}
	out, _, err := normalize.Apply(env, "action", in)
	require.NoError(t, err)

	// The disabled action does not travel.
	require.Len(t, out, 1)
	action := payload(t, out[0])

	// The action exists locally, so this is an update and the
	// create-only eventsource comes off.
	assert.NotContains(t, action, "eventsource")
	assert.Equal(t, "1h", action["esc_period"])

	filter := action["filter"].(map[string]any)
	assert.NotContains(t, filter, "eval_formula")
	assert.NotContains(t, filter, "formula")
	cond := filter["conditions"].([]any)[0].(map[string]any)
	assert.Equal(t, "4", cond["value"])
	assert.NotContains(t, cond, "formulaid")
	assert.NotContains(t, cond, "value2")

	op := action["operations"].([]any)[0].(map[string]any)
	assert.NotContains(t, op, "operationid")
	assert.NotContains(t, op, "opmessage_usr")
	assert.Equal(t, "1", op["esc_step_from"])
	msg := op["opmessage"].(map[string]any)
	assert.Equal(t, "31", msg["mediatypeid"])
	assert.NotContains(t, msg, "subject")
	assert.Equal(t, []any{map[string]any{"usrgrpid": "7"}}, op["opmessage_grp"])

	// The camelCase recovery list folds into the write-side key, and
	// the notify-all-involved operation resolves media itself.
	require.Contains(t, action, "recovery_operations")
	assert.NotContains(t, action, "recoveryOperations")
	recovery := action["recovery_operations"].([]any)[0].(map[string]any)
	recoveryMsg := recovery["opmessage"].(map[string]any)
	assert.NotContains(t, recoveryMsg, "mediatypeid")
	assert.Equal(t, "done", recoveryMsg["message"])

	assert.NotContains(t, action, "update_operations")
}

func TestScriptFieldPruning(t *testing.T) {
	env := workerEnv(t, release.R60, release.R60)
	load(env, "usergroup", "7", "Ops")
	load(env, "hostgroup", "4", "Linux servers")

	in := []snapshot.Record{
		rec("script", "Webhook notify", map[string]any{
			"name": "Webhook notify", "type": "5", "scope": "1",
			"execute_on": "1", "command": "return 1;",
			"timeout": "30s", "parameters": []any{map[string]any{"name": "url", "value": "x"}},
			"authtype": "0", "publickey": "k", "privatekey": "k",
			"username": "u", "password": "p", "port": "22",
			"menu_path": "a/b", "usrgrpid": "Ops", "host_access": "2", "confirmation": "sure?",
			"groupid": "Linux servers",
		}),
		rec("script", "SSH restart", map[string]any{
			"name": "SSH restart", "type": "2", "scope": "2",
			"command":  "systemctl restart app",
			"authtype": "1", "publickey": "pub", "privatekey": "priv",
			"username": "root", "password": "p", "port": "22",
			"timeout":   "30s",
			"menu_path": "ops", "usrgrpid": "Ops", "host_access": "2", "confirmation": "go?",
		}),
	}
	out, _, err := normalize.Apply(env, "script", in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	webhook := payload(t, out[0])
	assert.NotContains(t, webhook, "execute_on")
	assert.NotContains(t, webhook, "authtype")
	assert.NotContains(t, webhook, "username")
	assert.NotContains(t, webhook, "port")
	assert.Contains(t, webhook, "timeout")
	assert.Contains(t, webhook, "parameters")
	assert.NotContains(t, webhook, "menu_path")
	assert.NotContains(t, webhook, "usrgrpid")
	assert.Equal(t, "4", webhook["groupid"])

	ssh := payload(t, out[1])
	assert.NotContains(t, ssh, "password")
	assert.Equal(t, "pub", ssh["publickey"])
	assert.Equal(t, "root", ssh["username"])
	assert.NotContains(t, ssh, "timeout")
	assert.Equal(t, "7", ssh["usrgrpid"])
	assert.Equal(t, "ops", ssh["menu_path"])
}

func TestDruleAcross70(t *testing.T) {
	env := workerEnv(t, release.R70, release.R64)
	load(env, "proxy", "12", "px-a")

	in := []snapshot.Record{
		rec("drule", "lan sweep", map[string]any{
			"name": "lan sweep", "proxy_hostid": "px-a",
			"nextcheck": "99", "error": "",
			"dchecks": []any{map[string]any{
				"type": "12", "dcheckid": "7", "druleid": "3",
				"port": "0", "host_source": "1", "name_source": "0",
				"key_": "agent.ping", "snmp_community": "public",
				"snmpv3_securityname": "x", "allow_redirect": "1",
			}},
		}),
		rec("drule", "orphan", map[string]any{
			"name": "orphan", "proxy_hostid": "px-gone", "dchecks": []any{},
		}),
	}
	out, _, err := normalize.Apply(env, "drule", in)
	require.NoError(t, err)

	// The rule whose proxy cannot be resolved is dropped, not rewired.
	require.Len(t, out, 1)
	rule := payload(t, out[0])
	assert.Equal(t, "12", rule["proxyid"])
	assert.NotContains(t, rule, "proxy_hostid")
	assert.NotContains(t, rule, "nextcheck")
	assert.NotContains(t, rule, "error")

	check := rule["dchecks"].([]any)[0].(map[string]any)
	assert.NotContains(t, check, "dcheckid")
	assert.NotContains(t, check, "port")
	assert.Equal(t, "1", check["host_source"])
	assert.NotContains(t, check, "name_source")
	assert.NotContains(t, check, "key_")
	assert.NotContains(t, check, "snmp_community")
	assert.NotContains(t, check, "snmpv3_securityname")
	assert.Equal(t, "1", check["allow_redirect"])
}

func TestDruleDirectFromServer(t *testing.T) {
	env := workerEnv(t, release.R60, release.R60)
	load(env, "proxy", "12", "px-a")

	in := []snapshot.Record{rec("drule", "lan sweep", map[string]any{
		"name": "lan sweep", "proxy_hostid": "__SERVER_DIRECT__", "dchecks": []any{},
	})}
	out, _, err := normalize.Apply(env, "drule", in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "0", payload(t, out[0])["proxy_hostid"])
}

func TestCorrelationConditions(t *testing.T) {
	env := workerEnv(t, release.R60, release.R60)
	load(env, "hostgroup", "4", "Linux servers")

	in := []snapshot.Record{
		rec("correlation", "close old", map[string]any{
			"name": "close old",
			"filter": map[string]any{
				"evaltype":     "0",
				"eval_formula": "A",
				"formula":      "",
				"conditions": []any{
					map[string]any{"type": "2", "groupid": "Linux servers", "formulaid": "A"},
					map[string]any{"type": "2", "groupid": "Vanished", "formulaid": "B"},
					map[string]any{"type": "0", "tag": "job"},
				},
			},
		}),
		rec("correlation", "hollow", map[string]any{
			"name": "hollow",
			"filter": map[string]any{
				"evaltype":   "0",
				"conditions": []any{map[string]any{"type": "2", "groupid": "Vanished"}},
			},
		}),
	}
	out, _, err := normalize.Apply(env, "correlation", in)
	require.NoError(t, err)

	// The correlation left without any resolvable condition is
	// dropped whole.
	require.Len(t, out, 1)
	filter := payload(t, out[0])["filter"].(map[string]any)
	assert.NotContains(t, filter, "eval_formula")
	assert.NotContains(t, filter, "formula")

	conds := filter["conditions"].([]any)
	require.Len(t, conds, 2)
	first := conds[0].(map[string]any)
	assert.Equal(t, "4", first["groupid"])
	assert.NotContains(t, first, "formulaid")
}

func TestCorrelationRequiresFilter(t *testing.T) {
	env := workerEnv(t, release.R60, release.R60)
	_, _, err := normalize.Apply(env, "correlation", []snapshot.Record{
		rec("correlation", "bare", map[string]any{"name": "bare"}),
	})
	require.Error(t, err)
}

func TestRegexpDelimiter(t *testing.T) {
	env := workerEnv(t, release.R60, release.R60)
	in := []snapshot.Record{rec("regexp", "File systems", map[string]any{
		"name": "File systems",
		"expressions": []any{
			map[string]any{"expression": "a|b", "expression_type": "1", "exp_delimiter": "|"},
			map[string]any{"expression": "^/", "expression_type": "3", "exp_delimiter": ","},
		},
	})}
	out, _, err := normalize.Apply(env, "regexp", in)
	require.NoError(t, err)

	exprs := payload(t, out[0])["expressions"].([]any)
	assert.Contains(t, exprs[0].(map[string]any), "exp_delimiter")
	assert.NotContains(t, exprs[1].(map[string]any), "exp_delimiter")
}

func TestProxygroupDeletesStale(t *testing.T) {
	env := workerEnv(t, release.R70, release.R70)
	load(env, "proxygroup", "2", "edge", "3", "retired")

	in := []snapshot.Record{rec("proxygroup", "edge", map[string]any{"name": "edge"})}
	out, extends, err := normalize.Apply(env, "proxygroup", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	require.Len(t, extends, 1)
	assert.Equal(t, []string{"3"}, extends[0].Delete)
}
