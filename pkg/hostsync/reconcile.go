// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package hostsync

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

const (
	functionCreate = "create"
	functionUpdate = "update"
)

var (
	interfaceTypes     = map[string]int{"AGENT": 1, "SNMP": 2, "IPMI": 3, "JMX": 4}
	interfaceTypeNames = map[int]string{1: "AGENT", 2: "SNMP", 3: "IPMI", 4: "JMX"}
	snmpVersions       = map[string]int{"SNMPV1": 1, "SNMPV2": 2, "SNMPV3": 3}
	inventoryModes     = map[string]int{"DISABLED": -1, "MANUAL": 0, "AUTOMATIC": 1}
	proxyModes         = map[string]int{"direct": 0, "proxy": 1, "proxy_group": 2}
)

// defaultSNMPCommunity stands in when an exported SNMP interface
// carries no community of its own.
const defaultSNMPCommunity = "{$SNMP_COMMUNITY}"

// operation is one host record after normalization and the decision
// what to do with it.
type operation struct {
	name     string
	uuid     string
	data     map[string]interface{}
	function string
	hostID   string
	ifaces   []interface{}
}

// localIndex is the node's current hosts, by display name and by the
// carry tag value.
type localIndex struct {
	byName map[string]string
	byUUID map[string]string
}

// Reconcile applies the snapshot's host records to the node. master is
// the release that produced the snapshot. Single-host failures are
// counted and logged but do not stop the run; only being unable to
// list the node's current hosts is fatal.
func (r *Reconciler) Reconcile(ctx context.Context, master release.Rel, records []snapshot.Record) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(records) == 0 {
		return Result{}, nil
	}

	local, err := r.localHosts(ctx)
	if err != nil {
		return Result{}, err
	}

	ops := make([]*operation, 0, len(records))
	processed := make(map[string]bool)
	represented := make(map[string]bool)
	for _, rec := range records {
		op := r.buildHost(ctx, master, rec)
		if op == nil {
			continue
		}
		processed[op.name] = true
		r.decide(op, local, represented)
		if op.function == "" {
			result.Skipped++
			continue
		}
		ops = append(ops, op)
	}
	result.Total = len(ops)

	var created, updated, failed atomic.Int64
	counter := r.progress.Start("host import", int64(len(ops)))
	group := new(errgroup.Group)
	group.SetLimit(r.config.WorkerConcurrency)
	for _, op := range ops {
		op := op
		group.Go(func() error {
			var opErr error
			switch op.function {
			case functionCreate:
				_, opErr = r.api.Create(ctx, "host", op.data)
			case functionUpdate:
				_, opErr = r.api.Update(ctx, "host", op.data)
			}
			switch {
			case opErr != nil:
				failed.Add(1)
				r.log.Error("host "+op.function+" refused",
					zap.String("host", op.name), zap.Error(opErr))
			case op.function == functionCreate:
				created.Add(1)
			default:
				updated.Add(1)
			}
			counter.Increment()
			return nil
		})
	}
	_ = group.Wait()
	counter.Finish()
	result.Created = int(created.Load())
	result.Updated = int(updated.Load())
	result.Failed = int(failed.Load())

	var ifUpdates []interfaceUpdate
	for _, op := range ops {
		if op.function == functionUpdate && len(op.ifaces) > 0 {
			ifUpdates = append(ifUpdates, interfaceUpdate{
				host:   op.name,
				id:     op.hostID,
				ifaces: op.ifaces,
			})
		}
	}
	result.Interfaces = r.reconcileInterfaces(ctx, ifUpdates)

	if !r.config.NoDelete {
		result.Deleted = r.deleteStale(ctx, local, processed, represented)
	}

	r.log.Info("hosts reconciled",
		zap.Int("total", result.Total),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("deleted", result.Deleted))
	return result, nil
}

// localHosts indexes the node's hosts by display name and carry tag.
func (r *Reconciler) localHosts(ctx context.Context) (localIndex, error) {
	method := r.profile.Methods["host"]
	hosts, err := r.api.Get(ctx, "host", method.GetOptions)
	if err != nil {
		return localIndex{}, Error.New("listing local hosts failed: %v", err)
	}
	index := localIndex{
		byName: make(map[string]string, len(hosts)),
		byUUID: make(map[string]string, len(hosts)),
	}
	for _, host := range hosts {
		id := str(host[method.IDField])
		name := str(host[method.NameField])
		if id == "" || name == "" {
			continue
		}
		index.byName[name] = id
		if r.config.NoUUID {
			continue
		}
		for _, tag := range objects(host["tags"]) {
			if str(tag["tag"]) == snapshot.CarryTag {
				index.byUUID[str(tag["value"])] = id
				break
			}
		}
	}
	return index, nil
}

// buildHost reshapes one host record into the form the node's API
// accepts, or returns nil when the host is not assigned to this node.
func (r *Reconciler) buildHost(ctx context.Context, master release.Rel, rec snapshot.Record) *operation {
	data, ok := deepCopy(rec.Data).(map[string]interface{})
	if !ok {
		r.log.Warn("host record without an object payload", zap.String("host", rec.Name))
		return nil
	}

	assigned := false
	uuid, uuidSeen := "", 0
	for _, tag := range objects(data["tags"]) {
		switch str(tag["tag"]) {
		case snapshot.WorkerTag:
			if str(tag["value"]) == r.target.Node {
				assigned = true
			}
		case snapshot.CarryTag:
			uuid = str(tag["value"])
			uuidSeen++
		}
	}
	if uuidSeen != 1 || r.config.NoUUID {
		uuid = ""
	}

	status := 0
	switch {
	case r.target.Replica:
		// replicas mirror the master's enabled flag
		if str(data["status"]) == "DISABLED" {
			status = 1
		}
	case assigned:
	default:
		return nil
	}

	// items, triggers and discovery rules travel with the templates
	for _, section := range []string{"items", "triggers", "discovery_rules"} {
		delete(data, section)
	}
	for key, value := range data {
		if emptyValue(value) {
			delete(data, key)
		}
	}
	data["status"] = status

	mode, ok := inventoryModes[str(data["inventory_mode"])]
	if !ok {
		mode = inventoryModes["MANUAL"]
	}
	data["inventory_mode"] = mode
	if inventory, ok := data["inventory"].(map[string]interface{}); ok {
		// 4.2 exports repeat the mode inside the inventory object
		delete(inventory, "inventory_mode")
	}

	data["interfaces"] = r.buildInterfaces(ctx, data["interfaces"])
	r.convertProxy(master, data)
	r.convertRefs(data)

	return &operation{name: rec.Name, uuid: uuid, data: data}
}

// buildInterfaces fills in the defaults the export dropped and turns
// the symbolic interface fields into the numeric API form.
func (r *Reconciler) buildInterfaces(ctx context.Context, value interface{}) []interface{} {
	ifaces := objects(value)
	if len(ifaces) == 0 {
		// an all-default agent interface is omitted from the export
		ifaces = []map[string]interface{}{{}}
	}

	out := make([]interface{}, 0, len(ifaces))
	for _, iface := range ifaces {
		delete(iface, "interface_ref")

		typeName := str(iface["type"])
		if typeName == "" {
			typeName = "AGENT"
		}
		ifType := interfaceTypes["AGENT"]
		if digits(typeName) {
			ifType, _ = strconv.Atoi(typeName)
		} else if code, ok := interfaceTypes[typeName]; ok {
			ifType = code
		}
		iface["type"] = ifType

		if _, ok := iface["ip"]; !ok {
			iface["ip"] = "127.0.0.1"
		}
		if _, ok := iface["port"]; !ok {
			iface["port"] = "10050"
		}
		mainFlag := 1
		if str(iface["default"]) == "NO" {
			mainFlag = 0
		}
		delete(iface, "default")
		iface["main"] = mainFlag

		useip := 1
		if str(iface["useip"]) == "NO" {
			useip = 0
		}
		iface["useip"] = useip
		if _, ok := iface["dns"]; !ok {
			iface["dns"] = ""
		}
		if r.config.ForceUseip && useip == 0 {
			if addr, err := r.resolve(ctx, str(iface["dns"])); err == nil {
				iface["ip"] = addr
				iface["useip"] = 1
				delete(iface, "dns")
			}
		}

		if r.target.Release.AtLeast(release.R50) {
			// bulk moved into the SNMP connection details
			delete(iface, "bulk")
			if typeName == "SNMP" {
				details, _ := iface["details"].(map[string]interface{})
				version := strings.ToUpper(str(details["version"]))
				code, ok := snmpVersions[version]
				if !ok {
					code = snmpVersions["SNMPV2"]
				}
				community := defaultSNMPCommunity
				if value, ok := details["community"]; ok {
					community = str(value)
				}
				iface["details"] = map[string]interface{}{
					"version":   code,
					"community": community,
				}
			}
		} else {
			bulk := str(iface["bulk"])
			switch {
			case digits(bulk):
				iface["bulk"] = bulk
			case bulk == "NO":
				iface["bulk"] = 0
			default:
				iface["bulk"] = 1
			}
		}

		out = append(out, iface)
	}
	return out
}

// convertProxy rewrites the exported proxy reference into the id form
// of the node's release. Unresolvable proxies are dropped so the host
// still imports, just unproxied.
func (r *Reconciler) convertProxy(master release.Rel, data map[string]interface{}) {
	if r.target.Release.Before(release.R70) {
		proxy, _ := data["proxy"].(map[string]interface{})
		delete(data, "proxy")
		if proxy == nil {
			return
		}
		id, ok := r.ids.ToID("proxy", str(proxy["name"]))
		if !ok {
			r.log.Warn("host refers to a proxy missing here",
				zap.String("proxy", str(proxy["name"])))
			return
		}
		data["proxy_hostid"] = id
		return
	}

	proxyType := "proxy"
	if master.AtLeast(release.R70) {
		proxyType = "direct"
		if monitored, ok := data["monitored_by"]; ok {
			proxyType = strings.ToLower(str(monitored))
		}
		delete(data, "monitored_by")
	}
	mode := proxyModes[proxyType]
	proxy, _ := data[proxyType].(map[string]interface{})
	delete(data, proxyType)
	if mode == 0 || proxy == nil {
		return
	}
	kind := strings.ReplaceAll(proxyType, "_", "")
	id, ok := r.ids.ToID(kind, str(proxy["name"]))
	if !ok {
		r.log.Warn("host refers to a proxy missing here",
			zap.String("proxy", str(proxy["name"])))
		return
	}
	data["monitored_by"] = mode
	data[proxyType+"id"] = id
}

// convertRefs replaces the template and group name references with the
// node's ids, dropping anything that does not exist here.
func (r *Reconciler) convertRefs(data map[string]interface{}) {
	for _, kind := range []string{"template", "hostgroup"} {
		section := strings.TrimPrefix(kind+"s", "host")
		idField := r.profile.Methods[kind].IDField
		refs := objects(data[section])
		out := make([]interface{}, 0, len(refs))
		for _, ref := range refs {
			id, ok := r.ids.ToID(kind, str(ref["name"]))
			if !ok {
				continue
			}
			out = append(out, map[string]interface{}{idField: id})
		}
		data[section] = out
	}
}

// decide picks create, update or skip for one host. represented
// collects the local ids the snapshot still accounts for, so the
// deletion phase spares them even when the matrix said skip.
func (r *Reconciler) decide(op *operation, local localIndex, represented map[string]bool) {
	localID, hasName := local.byName[op.name]
	taggedID, hasUUID := "", false
	if op.uuid != "" {
		taggedID, hasUUID = local.byUUID[op.uuid]
	}

	switch {
	case hasName && hasUUID:
		represented[localID] = true
		op.function = functionUpdate
		op.hostID = localID
	case hasName:
		represented[localID] = true
		if !r.config.HostUpdate {
			return
		}
		op.function = functionUpdate
		op.hostID = localID
	case hasUUID:
		represented[taggedID] = true
		if !r.config.ForceHostUpdate {
			return
		}
		// renamed on the master; follow the carry tag instead
		op.function = functionUpdate
		op.hostID = taggedID
		delete(op.data, "host")
		delete(op.data, "name")
	default:
		op.function = functionCreate
	}

	if op.function == functionUpdate {
		// interfaces cannot ride along on host.update
		if ifaces, ok := op.data["interfaces"].([]interface{}); ok && len(ifaces) > 0 {
			op.ifaces = ifaces
		}
		delete(op.data, "interfaces")
		op.data[r.profile.Methods["host"].IDField] = op.hostID
	}
}

// deleteStale removes local hosts the snapshot no longer assigns to
// this node. Failure is logged, not fatal: leftovers only cost noise.
func (r *Reconciler) deleteStale(ctx context.Context, local localIndex, processed, represented map[string]bool) int {
	var names []string
	for name, id := range local.byName {
		if !processed[name] && !represented[id] {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return 0
	}
	sort.Strings(names)
	ids := make([]string, 0, len(names))
	for _, name := range names {
		ids = append(ids, local.byName[name])
	}
	if _, err := r.api.Delete(ctx, "host", ids); err != nil {
		r.log.Error("stale host delete failed",
			zap.Strings("hosts", names), zap.Error(err))
		return 0
	}
	r.log.Info("stale hosts deleted", zap.Strings("hosts", names))
	return len(ids)
}

func deepCopy(value interface{}) interface{} {
	switch value := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for key, item := range value {
			out[key] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return value
	}
}

func objects(value interface{}) []map[string]interface{} {
	list, _ := value.([]interface{})
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if object, ok := item.(map[string]interface{}); ok {
			out = append(out, object)
		}
	}
	return out
}

func str(value interface{}) string {
	switch value := value.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	}
	return ""
}

func num(value interface{}) int64 {
	switch value := value.(type) {
	case float64:
		return int64(value)
	case int:
		return int64(value)
	case string:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return -1
		}
		return n
	}
	return -1
}

func emptyValue(value interface{}) bool {
	switch value := value.(type) {
	case nil:
		return true
	case string:
		return value == ""
	case bool:
		return !value
	case float64:
		return value == 0
	case []interface{}:
		return len(value) == 0
	case map[string]interface{}:
		return len(value) == 0
	}
	return false
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
