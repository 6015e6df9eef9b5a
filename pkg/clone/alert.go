// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// alertStopPeriod is how long the update window suppresses alerts.
const alertStopPeriod = 600

// weekdayNumber maps config-file weekday names to ISO weekday numbers.
var weekdayNumber = map[string]int{
	"MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6, "SUN": 7,
}

var workTimeRegex = regexp.MustCompile(`^[0-9]{2}:[0-9]{2}-[0-9]{2}:[0-9]{2}$`)

// alertStop schedules a ten minute maintenance window over every host
// group so the writes of the following sections do not fire alerts. A
// window left behind by an earlier run is replaced.
func (eng *Engine) alertStop(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var stale []string
	if existing, ok := eng.local["maintenance"][snapshot.MaintenanceMarker]; ok {
		stale = append(stale, existing.id)
	}
	if len(stale) > 0 {
		if _, err := eng.api.Delete(ctx, "maintenance", stale); err != nil {
			return ErrSection.New("deleting stale alert stop failed: %v", err)
		}
	}

	now := eng.now().Unix()
	window := map[string]interface{}{
		"name":             snapshot.MaintenanceMarker,
		"active_since":     now,
		"active_till":      now + alertStopPeriod,
		"maintenance_type": 0,
		"timeperiods": []interface{}{
			map[string]interface{}{
				"timeperiod_type": 0,
				"start_date":      now,
				"period":          alertStopPeriod,
			},
		},
	}
	groupIDs := eng.localIDs("hostgroup")
	if eng.api.Release().AtLeast(release.R60) {
		idField := eng.profile.IDField("hostgroup")
		groups := make([]interface{}, 0, len(groupIDs))
		for _, id := range groupIDs {
			groups = append(groups, map[string]interface{}{idField: id})
		}
		window["groups"] = groups
	} else {
		window["groupids"] = groupIDs
	}

	result, err := eng.api.Create(ctx, "maintenance", window)
	if err != nil {
		return ErrSection.New("creating alert stop failed: %v", err)
	}
	if len(resultIDs(result, "maintenanceids")) == 0 {
		return ErrSection.New("alert stop was not created")
	}
	eng.progress.Say("alerts suppressed for %ds", alertStopPeriod)
	return eng.refresh(ctx)
}

// alertMedia routes media types to users per the operator's config
// block. Replicas never notify; their routing stays off. Users and
// media types the node does not carry are skipped quietly.
func (eng *Engine) alertMedia(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if eng.config.Role == RoleReplica {
		return nil
	}
	if len(eng.local["mediatype"]) == 0 || len(eng.material.MediaSettings) == 0 {
		return nil
	}

	mediasKey := "user_medias"
	if eng.api.Release().AtLeast(release.R62) {
		mediasKey = "medias"
	}
	userField := eng.profile.IDField("user")
	mediaField := eng.profile.IDField("mediatype")

	// {media: {user: route}} flips into one update per user.
	byUser := map[string][]interface{}{}
	mediaNames := make([]string, 0, len(eng.material.MediaSettings))
	for name := range eng.material.MediaSettings {
		mediaNames = append(mediaNames, name)
	}
	sort.Strings(mediaNames)

	for _, mediaName := range mediaNames {
		mediaID, ok := eng.ids.ToID("mediatype", mediaName)
		if !ok {
			continue
		}
		routes := eng.material.MediaSettings[mediaName]
		userNames := make([]string, 0, len(routes))
		for name := range routes {
			userNames = append(userNames, name)
		}
		sort.Strings(userNames)

		for _, userName := range userNames {
			userID, ok := eng.ids.ToID("user", userName)
			if !ok {
				continue
			}
			media, ok := buildMedia(mediaField, mediaID, routes[userName])
			if !ok {
				continue
			}
			byUser[userID] = append(byUser[userID], media)
		}
	}

	if len(byUser) == 0 {
		return nil
	}

	userIDs := make([]string, 0, len(byUser))
	for id := range byUser {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	for _, userID := range userIDs {
		eng.result.Media.Users++
		payload := map[string]interface{}{
			userField: userID,
			mediasKey: byUser[userID],
		}
		if _, err := eng.api.Update(ctx, "user", payload); err != nil {
			name, _ := eng.ids.ToName("user", userID)
			eng.log.Warn("media routing refused", zap.String("user", name), zap.Error(err))
			eng.result.Media.Failed++
		}
	}
	return nil
}

// buildMedia converts one config-file route into the API media shape.
// Routes without a destination, severities or work time are no routes.
func buildMedia(mediaField, mediaID string, route MediaRoute) (map[string]interface{}, bool) {
	var sendTo []interface{}
	switch to := route.To.(type) {
	case string:
		if to == "" {
			return nil, false
		}
		sendTo = []interface{}{to}
	case []interface{}:
		sendTo = to
	case []string:
		for _, addr := range to {
			sendTo = append(sendTo, addr)
		}
	}
	if len(sendTo) == 0 || len(route.Severity) == 0 || len(route.WorkTime) == 0 {
		return nil, false
	}

	// Severity is a bitmap over levels 0..5.
	severity := 0
	for level := 0; level < 6; level++ {
		if strings.EqualFold(route.Severity[str(level)], "YES") {
			severity |= 1 << level
		}
	}

	// One "isoweekday,HH:MM-HH:MM" entry per weekday; ranges only work
	// when every day shares a window, so they are not emitted.
	periods := make([]string, 0, len(route.WorkTime))
	for _, day := range []string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"} {
		window := route.WorkTime[day]
		if window == "" {
			window = route.WorkTime[strings.ToLower(day)]
		}
		if window == "" || !workTimeRegex.MatchString(window) {
			continue
		}
		periods = append(periods, str(weekdayNumber[day])+","+window)
	}
	if len(periods) == 0 {
		return nil, false
	}

	return map[string]interface{}{
		mediaField: mediaID,
		"sendto":   sendTo,
		"active":   0,
		"severity": severity,
		"period":   strings.Join(periods, ";"),
	}, true
}
