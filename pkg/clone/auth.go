// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/normalize"
	"github.com/monclone/monclone/pkg/release"
)

// authFinalize applies the snapshot's authentication block. It runs
// last because by now every user group, user directory and MFA method
// it references exists on the node. Crossing the 6.2 and 6.4
// boundaries converts the legacy LDAP and SAML field blocks into user
// directory objects before the single authentication update.
func (eng *Engine) authFinalize(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !eng.profile.Has("authentication") || len(eng.set["authentication"]) == 0 {
		return nil
	}

	recs, _, err := normalize.Apply(eng.env(), "authentication", eng.set["authentication"])
	if err != nil {
		return ErrSection.New("reshaping authentication failed: %v", err)
	}

	data := map[string]interface{}{}
	for _, rec := range recs {
		fields, ok := rec.Data.(map[string]interface{})
		if !ok {
			return ErrSection.New("authentication record %q is not an object", rec.Name)
		}
		for key, value := range fields {
			data[key] = value
		}
	}

	rel := eng.api.Release()
	source := eng.target.MasterRelease

	if rel.Before(release.R64) {
		// Schemes that are off do not travel; the node keeps its own
		// defaults for them.
		if intFrom(data, "ldap_configured") == 0 {
			eng.dropAuthScheme(data, "ldap", "ldap_configured")
		}
		if intFrom(data, "saml_auth_enabled") == 0 {
			eng.dropAuthScheme(data, "saml", "saml_auth_enabled")
		}
	}

	if rel.AtLeast(release.R62) {
		if rel == release.R62 {
			// 6.2 rejects authentication_type outright unless an LDAP
			// server is configured.
			delete(data, "authentication_type")
		}
		if source.Before(release.R62) && intFrom(data, "ldap_configured") != 0 {
			eng.migrateLDAPDirectory(ctx, data)
		}
	}

	for boundary, renames := range eng.profile.RenamedFields {
		if !rel.AtLeast(boundary) {
			continue
		}
		for from, to := range renames {
			if value, ok := data[from]; ok {
				delete(data, from)
				data[to] = value
			}
		}
	}

	if rel.AtLeast(release.R64) {
		if source.Before(release.R64) && intFrom(data, "saml_auth_enabled") != 0 {
			eng.migrateSAMLDirectory(ctx, data)
		}

		ldap := intFrom(data, "ldap_auth_enabled") != 0
		if !ldap {
			eng.dropAuthScheme(data, "ldap", "ldap_auth_enabled")
		}
		saml := intFrom(data, "saml_auth_enabled") != 0
		if !saml {
			eng.dropAuthScheme(data, "saml", "saml_auth_enabled")
		}
		if !ldap && !saml {
			// The deprovisioned group only means something to an
			// external scheme.
			delete(data, "disabled_usrgrpid")
		}
	}

	if rel.AtLeast(release.R70) && intFrom(data, "mfa_status") == 0 {
		delete(data, "mfa_status")
		delete(data, "mfaid")
	}

	if eng.config.Cloud {
		for _, field := range eng.profile.CloudOverrides["authentication"] {
			delete(data, field)
		}
	}

	if len(data) == 0 {
		return nil
	}
	if err := eng.api.Do(ctx, "authentication.update", data, nil); err != nil {
		return ErrSection.New("updating authentication failed: %v", err)
	}
	eng.progress.Say("authentication applied (%d fields)", len(data))
	return nil
}

// dropAuthScheme removes one external scheme's field block plus its
// enable flag.
func (eng *Engine) dropAuthScheme(data map[string]interface{}, scheme, enableField string) {
	for _, field := range eng.profile.AuthDiscard[scheme] {
		delete(data, field)
	}
	delete(data, enableField)
}

// migrateLDAPDirectory converts the pre-6.2 ldap_* field block into a
// user directory. The directory replaces the block; when the create is
// refused LDAP is disabled rather than sending fields the node
// rejects.
func (eng *Engine) migrateLDAPDirectory(ctx context.Context, data map[string]interface{}) {
	params := map[string]interface{}{
		"name": "LDAP settings migrated from " + eng.target.MasterRelease.String(),
	}
	for _, field := range eng.profile.AuthDiscard["ldap"] {
		value, ok := data[field]
		delete(data, field)
		if ok && !emptyScalar(value) {
			params[strings.TrimPrefix(field, "ldap_")] = value
		}
	}
	if emptyScalar(params["host"]) {
		data["ldap_auth_enabled"] = 0
		return
	}
	result, err := eng.api.Create(ctx, "userdirectory", params)
	if err != nil {
		eng.log.Warn("ldap directory migration refused", zap.Error(err))
		data["ldap_auth_enabled"] = 0
		return
	}
	data["ldap_auth_enabled"] = 1
	if ids := resultIDs(result, "userdirectoryids"); len(ids) > 0 {
		data["ldap_userdirectoryid"] = ids[0]
	}
}

// migrateSAMLDirectory converts the pre-6.4 saml_* field block into an
// idp_type 1 user directory.
func (eng *Engine) migrateSAMLDirectory(ctx context.Context, data map[string]interface{}) {
	params := map[string]interface{}{
		"name":     "SAML settings migrated from " + eng.target.MasterRelease.String(),
		"idp_type": 1,
	}
	for _, field := range eng.profile.AuthDiscard["saml"] {
		value, ok := data[field]
		delete(data, field)
		if ok && !emptyScalar(value) {
			params[strings.TrimPrefix(field, "saml_")] = value
		}
	}
	if emptyScalar(params["idp_entityid"]) {
		data["saml_auth_enabled"] = 0
		return
	}
	if _, err := eng.api.Create(ctx, "userdirectory", params); err != nil {
		eng.log.Warn("saml directory migration refused", zap.Error(err))
		data["saml_auth_enabled"] = 0
	}
}

// intFrom reads a numeric field that may arrive as string or number.
func intFrom(data map[string]interface{}, key string) int {
	return intOr(data, key, 0)
}

// emptyScalar reports whether a scalar field carries no value.
func emptyScalar(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case float64:
		return v == 0
	case int:
		return v == 0
	}
	return false
}
