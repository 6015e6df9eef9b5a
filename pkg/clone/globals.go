// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"strconv"
	"strings"

	"github.com/monclone/monclone/pkg/release"
)

// Per-check-type timeout floors. An external check that times out can
// take the whole poller down with it, so its floor sits well above the
// API minimum.
var timeoutFloor = map[string]int{
	"external_check": 15,
}

// globalSettings merges the snapshot's settings records with the
// operator's severity and timeout overrides and applies them in one
// update, then the autoregistration block and the secret global macros
// the export could not carry.
func (eng *Engine) globalSettings(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if eng.profile.Has("settings") {
		merged := map[string]interface{}{}
		for _, rec := range eng.set["settings"] {
			data, ok := rec.Data.(map[string]interface{})
			if !ok {
				return ErrSection.New("settings record %q is not an object", rec.Name)
			}
			if containsString(eng.profile.Discard["settings"], rec.Name) {
				continue
			}
			for key, value := range data {
				merged[key] = value
			}
		}
		eng.overrideSeverities(merged)
		eng.overrideTimeouts(merged)
		if len(merged) > 0 {
			if err := eng.api.Do(ctx, "settings.update", merged, nil); err != nil {
				return ErrSection.New("updating global settings failed: %v", err)
			}
			eng.progress.Say("global settings applied (%d fields)", len(merged))
		}
	}

	if eng.profile.Has("autoregistration") {
		merged := map[string]interface{}{}
		for _, rec := range eng.set["autoregistration"] {
			if data, ok := rec.Data.(map[string]interface{}); ok {
				for key, value := range data {
					merged[key] = value
				}
			}
		}
		if len(merged) > 0 {
			if err := eng.api.Do(ctx, "autoregistration.update", merged, nil); err != nil {
				return ErrSection.New("updating autoregistration failed: %v", err)
			}
		}
	}

	// Secret macros exist from 5.0 and their values never leave the
	// master, so the operator supplies them again here.
	if eng.api.Release().AtLeast(release.R50) {
		for _, secret := range eng.material.SecretGlobalmacro {
			if secret.Macro == "" {
				continue
			}
			macro := map[string]interface{}{
				"macro": secret.Macro,
				"value": secret.Value,
				"type":  1,
			}
			if err := eng.api.Do(ctx, "usermacro.createglobal", macro, nil); err != nil {
				return ErrSection.New("creating secret macro %s failed: %v", secret.Macro, err)
			}
		}
	}
	return nil
}

// overrideSeverities renames and recolors severity levels from the
// config file. Colors must be valid non-zero hex.
func (eng *Engine) overrideSeverities(settings map[string]interface{}) {
	for level, severity := range eng.material.Settings.Severity {
		if _, err := strconv.Atoi(level); err != nil {
			continue
		}
		if severity.Name != "" {
			settings["severity_name_"+level] = severity.Name
		}
		if severity.Color != "" {
			if n, err := strconv.ParseInt(severity.Color, 16, 64); err == nil && n != 0 {
				settings["severity_color_"+level] = severity.Color
			}
		}
	}
}

// overrideTimeouts applies the 7.0 per-check-type timeouts from the
// config file, clamped to the API's 1..600s window and to the per-type
// floors.
func (eng *Engine) overrideTimeouts(settings map[string]interface{}) {
	if !eng.api.Release().AtLeast(release.R70) {
		return
	}
	for target, raw := range eng.material.Settings.Timeout {
		target = strings.TrimPrefix(target, "timeout_")
		if !containsString(eng.profile.TimeoutTargets, target) {
			continue
		}
		seconds, ok := parseTimeout(str(raw))
		if !ok {
			continue
		}
		if seconds < 1 {
			seconds = 1
		}
		if seconds > 600 {
			seconds = 600
		}
		if floor := timeoutFloor[target]; seconds < floor {
			seconds = floor
		}
		settings["timeout_"+target] = strconv.Itoa(seconds) + "s"
	}
}

// parseTimeout reads a timeout as bare seconds or with an s/m suffix.
func parseTimeout(value string) (int, bool) {
	factor := 1
	switch {
	case strings.HasSuffix(value, "s"):
		value = strings.TrimSuffix(value, "s")
	case strings.HasSuffix(value, "m"):
		value = strings.TrimSuffix(value, "m")
		factor = 60
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n * factor, true
}
