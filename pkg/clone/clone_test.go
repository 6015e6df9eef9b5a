// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/monclone/monclone/pkg/profile"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage/teststore"
)

type apiCall struct {
	method string
	kind   string
	object map[string]interface{}
	params interface{}
	ids    []string
}

// fakeAPI answers the engine's reads from per-kind fixtures and records
// every write. Fixture objects are copied per call because refresh
// strips id fields off what it receives.
type fakeAPI struct {
	mu sync.Mutex

	rel       release.Rel
	objects   map[string][]map[string]interface{}
	props     map[string]map[string]interface{}
	documents []string

	calls   []apiCall
	created []apiCall
	updated []apiCall
	deleted []apiCall
	imports []map[string]interface{}

	exportCalls int
	nextID      int
}

func (f *fakeAPI) Do(ctx context.Context, method string, params, result interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{method: method, params: params})
	if kind := strings.TrimSuffix(method, ".get"); kind != method {
		if out, ok := result.(*map[string]interface{}); ok {
			props := make(map[string]interface{}, len(f.props[kind]))
			for key, value := range f.props[kind] {
				props[key] = value
			}
			*out = props
		}
	}
	return nil
}

func (f *fakeAPI) Get(ctx context.Context, kind string, params map[string]interface{}) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fixtures := f.objects[kind]
	out := make([]map[string]interface{}, len(fixtures))
	for i, obj := range fixtures {
		copied := make(map[string]interface{}, len(obj))
		for key, value := range obj {
			copied[key] = value
		}
		out[i] = copied
	}
	return out, nil
}

func (f *fakeAPI) Create(ctx context.Context, kind string, object interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := object.(map[string]interface{})
	f.created = append(f.created, apiCall{kind: kind, object: data})
	f.nextID++
	return map[string]interface{}{
		kind + "ids": []interface{}{strconv.Itoa(1000 + f.nextID)},
	}, nil
}

func (f *fakeAPI) Update(ctx context.Context, kind string, object interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := object.(map[string]interface{})
	f.updated = append(f.updated, apiCall{kind: kind, object: data})
	return map[string]interface{}{}, nil
}

func (f *fakeAPI) Delete(ctx context.Context, kind string, ids []string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, apiCall{kind: kind, ids: ids})
	return map[string]interface{}{}, nil
}

func (f *fakeAPI) Export(ctx context.Context, params map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exportCalls < len(f.documents) {
		f.exportCalls++
		return f.documents[f.exportCalls-1], nil
	}
	f.exportCalls++
	return `{"zabbix_export":{}}`, nil
}

func (f *fakeAPI) Import(ctx context.Context, params map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports = append(f.imports, params)
	return nil
}

func (f *fakeAPI) ChangePassword(ctx context.Context) error { return nil }
func (f *fakeAPI) Release() release.Rel                     { return f.rel }
func (f *fakeAPI) Node() string                             { return "node1" }
func (f *fakeAPI) Endpoint() string                         { return "https://node1/api" }

func (f *fakeAPI) methodCalls(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, call := range f.calls {
		if call.method == method {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeAPI) byKind(calls []apiCall, kind string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, call := range calls {
		if call.kind == kind {
			out = append(out, call)
		}
	}
	return out
}

func testEngine(t *testing.T, api *fakeAPI, store *teststore.Client, config Config, material Material) *Engine {
	if store == nil {
		store = teststore.New()
	}
	eng := New(zaptest.NewLogger(t), api, store, profile.Must(api.rel), nil, config, material)
	eng.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	eng.sleep = func(context.Context, time.Duration) error { return nil }
	return eng
}

func adminUser() map[string]interface{} {
	return map[string]interface{}{
		"userid":       "1",
		"username":     "Admin",
		"users_status": "0",
		"roleid":       "3",
	}
}

func storedVersion(t *testing.T, store *teststore.Client, rel release.Rel, createdAt int64, records ...snapshot.Record) snapshot.Version {
	version := snapshot.NewVersion(rel, "test version")
	version.CreatedAt = createdAt
	require.NoError(t, store.PutRecords(context.Background(), version.ID, records))
	require.NoError(t, store.PutVersion(context.Background(), version))
	return version
}

func TestWorkerAppliesVersion(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		rel: release.R64,
		objects: map[string][]map[string]interface{}{
			"user":      {adminUser()},
			"hostgroup": {{"groupid": "4", "name": "Linux servers"}},
		},
	}
	store := teststore.New()
	version := storedVersion(t, store, release.R64, 100,
		snapshot.Record{Kind: "usermacro", Name: "{$SITE}",
			Data: map[string]interface{}{"macro": "{$SITE}", "value": "eu"}},
		snapshot.Record{Kind: "settings", Name: "default_theme",
			Data: map[string]interface{}{"default_theme": "dark"}},
	)

	eng := testEngine(t, api, store, Config{Role: RoleWorker, NoDelete: true}, Material{})
	result, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, version.ID, result.VersionID)
	assert.Zero(t, result.Failures())

	settings := api.methodCalls("settings.update")
	require.Len(t, settings, 1)
	fields, ok := settings[0].params.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "dark", fields["default_theme"])

	maintenances := api.byKind(api.created, "maintenance")
	require.Len(t, maintenances, 1)
	window := maintenances[0].object
	assert.Equal(t, snapshot.MaintenanceMarker, window["name"])
	assert.Equal(t, []interface{}{map[string]interface{}{"groupid": "4"}}, window["groups"])

	// one global macro from the version, one version marker
	creates := api.methodCalls("usermacro.createglobal")
	require.Len(t, creates, 2)
	site, ok := creates[0].params.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "{$SITE}", site["macro"])
	marker, ok := creates[1].params.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, snapshot.VersionMacro, marker["macro"])
	assert.Equal(t, version.ID, marker["value"])

	// the main configuration bundle always goes out
	require.Len(t, api.imports, 1)
}

func TestWorkerRefusesOlderNode(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{rel: release.R60}
	store := teststore.New()
	storedVersion(t, store, release.R64, 100)

	eng := testEngine(t, api, store, Config{Role: RoleWorker}, Material{})
	_, err := eng.Run(ctx)
	require.Error(t, err)
	assert.True(t, ErrPrecondition.Has(err))
}

func TestWorkerRefusesEmptyStore(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{rel: release.R64}

	eng := testEngine(t, api, teststore.New(), Config{Role: RoleWorker}, Material{})
	_, err := eng.Run(ctx)
	require.Error(t, err)
	assert.True(t, ErrStore.Has(err))
}

func TestFirstProcessFallsBackToLatest(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{rel: release.R64}
	store := teststore.New()
	storedVersion(t, store, release.R64, 100)
	latest := storedVersion(t, store, release.R64, 200)

	eng := testEngine(t, api, store, Config{Role: RoleWorker, TargetVersion: uuid.NewString()}, Material{})
	eng.local = map[string]map[string]object{
		"user":      {"Admin": {id: "1", data: adminUser()}},
		"usermacro": {},
	}

	initialize, err := eng.firstProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, eng.target.ID)
	// never cloned and deletion allowed
	assert.True(t, initialize)
}

func TestFirstProcessInitializeDecision(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		applied    string
		config     Config
		initialize bool
	}{
		{name: "stored version id", applied: "stored"},
		{name: "stale version id", applied: uuid.NewString(), initialize: true},
		{name: "stale version id no delete", applied: uuid.NewString(),
			config: Config{NoDelete: true}},
		{name: "wipe sentinel", applied: snapshot.NotYetCloned, initialize: true},
		{name: "wipe sentinel no delete", applied: snapshot.NotYetCloned,
			config: Config{NoDelete: true}},
		{name: "direct marker", applied: snapshot.DirectVersionID(time.Unix(1700000000, 0))},
		{name: "garbage marker", applied: "0", initialize: true},
		{name: "forced", applied: "stored",
			config: Config{ForceInitialize: true}, initialize: true},
		{name: "never cloned no delete", applied: "",
			config: Config{NoDelete: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{rel: release.R64}
			store := teststore.New()
			stored := storedVersion(t, store, release.R64, 100)

			applied := tt.applied
			if applied == "stored" {
				applied = stored.ID
			}

			config := tt.config
			config.Role = RoleWorker
			eng := testEngine(t, api, store, config, Material{})
			eng.local = map[string]map[string]object{
				"user":      {"Admin": {id: "1", data: adminUser()}},
				"usermacro": {},
			}
			if applied != "" {
				eng.local["usermacro"][snapshot.VersionMacro] = object{
					id:   "7",
					data: map[string]interface{}{"value": applied},
				}
			}

			initialize, err := eng.firstProcess(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.initialize, initialize)
		})
	}
}

func TestCheckAlertUser(t *testing.T) {
	api := &fakeAPI{rel: release.R64}
	eng := testEngine(t, api, nil, Config{Role: RoleWorker}, Material{})

	eng.local = map[string]map[string]object{"user": {}}
	err := eng.checkAlertUser()
	require.Error(t, err)
	assert.True(t, ErrPrecondition.Has(err))

	disabled := adminUser()
	disabled["users_status"] = "1"
	eng.local["user"]["Admin"] = object{id: "1", data: disabled}
	err = eng.checkAlertUser()
	require.Error(t, err)
	assert.True(t, ErrPrecondition.Has(err))

	demoted := adminUser()
	demoted["roleid"] = "2"
	eng.local["user"]["Admin"] = object{id: "1", data: demoted}
	err = eng.checkAlertUser()
	require.Error(t, err)
	assert.True(t, ErrPrecondition.Has(err))

	eng.local["user"]["Admin"] = object{id: "1", data: adminUser()}
	require.NoError(t, eng.checkAlertUser())
}

func TestMasterCreatesVersion(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		rel: release.R64,
		objects: map[string][]map[string]interface{}{
			"user":      {adminUser()},
			"hostgroup": {{"groupid": "4", "name": "Linux servers"}},
			"host":      {{"hostid": "10", "host": "web-01"}},
			"usermacro": {
				{"globalmacroid": "7", "macro": snapshot.VersionMacro, "value": "old"},
				{"globalmacroid": "8", "macro": "{$SITE}", "value": "eu"},
			},
		},
		documents: []string{
			`{"zabbix_export":{"version":"6.4",` +
				`"host_groups":[{"name":"Linux servers"}],` +
				`"hosts":[{"host":"web-01"}]}}`,
		},
	}
	store := teststore.New()

	eng := testEngine(t, api, store, Config{Role: RoleMaster}, Material{Description: "rollout"})
	result, err := eng.Run(ctx)
	require.NoError(t, err)

	versions, err := store.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	version := versions[0]
	assert.Equal(t, version.ID, result.VersionID)
	assert.Equal(t, release.R64, version.MasterRelease)
	assert.Contains(t, version.Description, "MasterNode: node1")
	assert.Contains(t, version.Description, "rollout")

	records, err := store.Records(ctx, version.ID)
	require.NoError(t, err)
	names := map[string][]string{}
	seen := map[string]bool{}
	for _, rec := range records {
		names[rec.Kind] = append(names[rec.Kind], rec.Name)
		require.NotEmpty(t, rec.DataID)
		require.False(t, seen[rec.DataID], "data id %s repeats", rec.DataID)
		seen[rec.DataID] = true
	}
	assert.Equal(t, []string{"web-01"}, names["host"])
	assert.Equal(t, []string{"Linux servers"}, names["hostgroup"])
	// the version marker never travels, site macro does
	assert.Equal(t, []string{"{$SITE}"}, names["usermacro"])
	assert.Empty(t, names["user"])

	// the untagged host got its carry tag
	updates := api.byKind(api.updated, "host")
	require.Len(t, updates, 1)
	tags, _ := updates[0].object["tags"].([]interface{})
	require.Len(t, tags, 1)
	tag, _ := tags[0].(map[string]interface{})
	assert.Equal(t, snapshot.CarryTag, tag["tag"])
	_, err = uuid.Parse(str(tag["value"]))
	assert.NoError(t, err)

	// the node already carried a marker macro, so it is updated
	marks := api.methodCalls("usermacro.updateglobal")
	require.Len(t, marks, 1)
	mark, ok := marks[0].params.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "7", mark["globalmacroid"])
	assert.Equal(t, version.ID, mark["value"])
}

func TestMarkVersionCreatesMacro(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{rel: release.R64}
	eng := testEngine(t, api, nil, Config{Role: RoleWorker}, Material{})
	eng.local = map[string]map[string]object{"usermacro": {}}

	require.NoError(t, eng.markVersion(ctx, snapshot.NotYetCloned))

	creates := api.methodCalls("usermacro.createglobal")
	require.Len(t, creates, 1)
	macro, ok := creates[0].params.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, snapshot.VersionMacro, macro["macro"])
	assert.Equal(t, snapshot.NotYetCloned, macro["value"])
}

func TestWipeOrder(t *testing.T) {
	api := &fakeAPI{rel: release.R70}
	eng := testEngine(t, api, nil, Config{Role: RoleWorker}, Material{})

	order := eng.wipeOrder()
	assert.Equal(t, "service", order[0])
	assert.Equal(t, "proxygroup", order[len(order)-1])
	index := func(kind string) int {
		for i, k := range order {
			if k == kind {
				return i
			}
		}
		return -1
	}
	assert.Less(t, index("host"), index("proxy"))
	assert.Less(t, index("host"), index("template"))
	assert.Less(t, index("proxy"), index("proxygroup"))

	eng.config.Bridge.TemplateSkip = true
	for _, kind := range eng.wipeOrder() {
		assert.NotContains(t, []string{"hostgroup", "template", "templategroup"}, kind)
	}
}

func TestWipeKeepsDiscoveryGroup(t *testing.T) {
	api := &fakeAPI{rel: release.R64}
	eng := testEngine(t, api, nil, Config{Role: RoleWorker}, Material{})
	eng.local = map[string]map[string]object{
		"settings": {
			"discovery_groupid": {data: map[string]interface{}{"discovery_groupid": "5"}},
		},
		"hostgroup": {
			"Discovered hosts": {id: "5", data: map[string]interface{}{}},
			"Linux servers":    {id: "4", data: map[string]interface{}{}},
			"Legacy internal":  {id: "6", data: map[string]interface{}{"internal": "1"}},
		},
	}

	assert.Equal(t, []string{"4"}, eng.wipeIDs("hostgroup"))
}

func TestSoftResetSkipsOnNoDelete(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		rel: release.R64,
		objects: map[string][]map[string]interface{}{
			"action": {{"actionid": "21", "name": "Escalate"}},
		},
	}
	eng := testEngine(t, api, nil, Config{Role: RoleWorker, NoDelete: true}, Material{})
	require.NoError(t, eng.refresh(ctx))

	require.NoError(t, eng.softReset(ctx))
	assert.Empty(t, api.deleted)

	eng.config.NoDelete = false
	require.NoError(t, eng.softReset(ctx))
	actions := api.byKind(api.deleted, "action")
	require.Len(t, actions, 1)
	assert.Equal(t, []string{"21"}, actions[0].ids)
}

func TestBuildMedia(t *testing.T) {
	route := MediaRoute{
		To:       "ops@example.com",
		Severity: map[string]string{"0": "NO", "3": "YES", "4": "yes", "5": "YES"},
		WorkTime: map[string]string{
			"MON": "09:00-18:00",
			"sat": "10:00-12:00",
			"SUN": "not a window",
		},
	}
	media, ok := buildMedia("mediatypeid", "31", route)
	require.True(t, ok)
	assert.Equal(t, "31", media["mediatypeid"])
	assert.Equal(t, []interface{}{"ops@example.com"}, media["sendto"])
	assert.Equal(t, 1<<3|1<<4|1<<5, media["severity"])
	assert.Equal(t, "1,09:00-18:00;6,10:00-12:00", media["period"])

	_, ok = buildMedia("mediatypeid", "31", MediaRoute{To: ""})
	assert.False(t, ok)
	_, ok = buildMedia("mediatypeid", "31", MediaRoute{
		To:       "ops@example.com",
		Severity: map[string]string{"3": "YES"},
		WorkTime: map[string]string{"MON": "garbage"},
	})
	assert.False(t, ok)
}

func TestAlertMediaSkipsReplica(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{rel: release.R64}
	material := Material{MediaSettings: map[string]map[string]MediaRoute{
		"Email": {"Admin": {
			To:       "ops@example.com",
			Severity: map[string]string{"3": "YES"},
			WorkTime: map[string]string{"MON": "09:00-18:00"},
		}},
	}}
	eng := testEngine(t, api, nil, Config{Role: RoleReplica}, material)
	eng.local = map[string]map[string]object{
		"mediatype": {"Email": {id: "31", data: map[string]interface{}{}}},
	}

	require.NoError(t, eng.alertMedia(ctx))
	assert.Empty(t, api.updated)
}

func TestDelayFilters(t *testing.T) {
	filters := delayFilters([]string{"1h", "90s", "2m", ""})
	assert.Contains(t, filters, "1h")
	assert.Contains(t, filters, "3600")
	assert.Contains(t, filters, "90s")
	assert.Contains(t, filters, "90")
	assert.Contains(t, filters, "2m")
	assert.Contains(t, filters, "120")
	assert.NotContains(t, filters, "")
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in      string
		seconds int
		ok      bool
	}{
		{"30", 30, true},
		{"30s", 30, true},
		{"2m", 120, true},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		seconds, ok := parseTimeout(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.seconds, seconds, tt.in)
	}
}
