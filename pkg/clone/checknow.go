// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/release"
)

// firstRun asks the node to collect once, now, for every discovery
// rule and for the items whose regular delay is long enough that
// waiting for it would leave the node blind for hours. Collection is a
// convenience, so nothing here fails the run.
func (eng *Engine) firstRun(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !eng.config.ChecknowExecute {
		return nil
	}
	hostIDs := eng.localIDs("host")
	if len(hostIDs) == 0 {
		return nil
	}

	ruleIDs, err := eng.discoveryRuleIDs(ctx, hostIDs)
	if err != nil {
		eng.log.Warn("listing discovery rules failed", zap.Error(err))
	}
	eng.result.FirstRun.Rules = len(ruleIDs)
	if err := eng.createCollectionTasks(ctx, ruleIDs); err != nil {
		return err
	}

	itemIDs, err := eng.slowItemIDs(ctx, hostIDs)
	if err != nil {
		eng.log.Warn("listing slow items failed", zap.Error(err))
	}
	eng.result.FirstRun.Items = len(itemIDs)
	if err := eng.createCollectionTasks(ctx, itemIDs); err != nil {
		return err
	}

	if len(ruleIDs)+len(itemIDs) > 0 {
		eng.progress.Say("first collection requested for %d rules and %d items",
			len(ruleIDs), len(itemIDs))
	}
	return nil
}

// discoveryRuleIDs lists the items to poke for discovery. A dependent
// rule cannot be collected directly, so its master item stands in.
func (eng *Engine) discoveryRuleIDs(ctx context.Context, hostIDs []string) ([]string, error) {
	output := []string{"itemid"}
	if eng.api.Release().AtLeast(release.R42) {
		output = append(output, "master_itemid")
	}
	rules, err := eng.api.Get(ctx, "discoveryrule", map[string]interface{}{
		"output":  output,
		"hostids": hostIDs,
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, rule := range rules {
		id := str(rule["itemid"])
		if master := str(rule["master_itemid"]); master != "" && master != "0" {
			id = master
		}
		if id != "" {
			seen[id] = true
		}
	}
	return sortedKeys(seen), nil
}

// slowItemIDs lists the monitored items whose delay matches one of the
// configured intervals.
func (eng *Engine) slowItemIDs(ctx context.Context, hostIDs []string) ([]string, error) {
	delays := delayFilters(eng.config.ChecknowInterval)
	if len(delays) == 0 {
		return nil, nil
	}
	items, err := eng.api.Get(ctx, "item", map[string]interface{}{
		"output":    []string{"itemid"},
		"hostids":   hostIDs,
		"monitored": true,
		"filter":    map[string]interface{}{"delay": delays},
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, item := range items {
		if id := str(item["itemid"]); id != "" {
			seen[id] = true
		}
	}
	return sortedKeys(seen), nil
}

// createCollectionTasks fires one task.create for ids after the settle
// pause. From 5.2 the API wants one request object per item; before
// that a single itemids list. A refusal is logged, not fatal.
func (eng *Engine) createCollectionTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := eng.sleep(ctx, eng.config.ChecknowWait); err != nil {
		return err
	}
	var params interface{}
	if eng.api.Release().AtLeast(release.R52) {
		tasks := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			tasks = append(tasks, map[string]interface{}{
				"type":    "6",
				"request": map[string]interface{}{"itemid": id},
			})
		}
		params = tasks
	} else {
		params = map[string]interface{}{"type": "6", "itemids": ids}
	}
	if err := eng.api.Do(ctx, "task.create", params, nil); err != nil {
		eng.log.Warn("first collection refused", zap.Int("items", len(ids)), zap.Error(err))
	}
	return nil
}

// delayFilters expands the configured intervals into every spelling the
// API stores delays in: the suffixed form and bare seconds.
func delayFilters(intervals []string) []string {
	seen := map[string]bool{}
	for _, interval := range intervals {
		interval = strings.TrimSpace(interval)
		if interval == "" {
			continue
		}
		seen[interval] = true
		factor := 1
		value := interval
		switch {
		case strings.HasSuffix(interval, "s"):
			value = strings.TrimSuffix(interval, "s")
		case strings.HasSuffix(interval, "m"):
			value, factor = strings.TrimSuffix(interval, "m"), 60
		case strings.HasSuffix(interval, "h"):
			value, factor = strings.TrimSuffix(interval, "h"), 3600
		case strings.HasSuffix(interval, "d"):
			value, factor = strings.TrimSuffix(interval, "d"), 86400
		}
		if n, err := strconv.Atoi(value); err == nil {
			seen[strconv.Itoa(n*factor)] = true
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
