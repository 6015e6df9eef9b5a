// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/configbridge"
	"github.com/monclone/monclone/pkg/hostsync"
	"github.com/monclone/monclone/pkg/monitor"
	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// Run executes the configured pipeline against the node and reports
// what it did. Per-record refusals accumulate in the result; an error
// means a whole phase could not complete.
func (eng *Engine) Run(ctx context.Context) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	switch eng.config.Role {
	case RoleMaster:
		err = eng.runMaster(ctx)
	case RoleWorker, RoleReplica:
		err = eng.runWorker(ctx)
	default:
		err = ErrPrecondition.New("unknown role %q", eng.config.Role)
	}
	return eng.result, err
}

// runWorker applies a stored version to this node, section by section.
func (eng *Engine) runWorker(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := eng.refresh(ctx); err != nil {
		return err
	}
	initialize, err := eng.firstProcess(ctx)
	if err != nil {
		return err
	}

	if initialize {
		if err := eng.initialize(ctx); err != nil {
			return err
		}
	} else if err := eng.softReset(ctx); err != nil {
		return err
	}

	records, err := eng.store.Records(ctx, eng.target.ID)
	if err != nil {
		return ErrStore.Wrap(err)
	}
	eng.set = snapshot.Collect(records)
	eng.result.VersionID = eng.target.ID

	if err := eng.globalSettings(ctx); err != nil {
		return err
	}
	if err := eng.applySection(ctx, "PRE", eng.profile.Sections.Pre); err != nil {
		return err
	}
	if err := eng.importConfiguration(ctx); err != nil {
		return err
	}
	if err := eng.alertStop(ctx); err != nil {
		return err
	}
	if err := eng.applySection(ctx, "MID", eng.profile.Sections.Mid); err != nil {
		return err
	}
	if err := eng.applyHosts(ctx); err != nil {
		return err
	}
	if err := eng.firstRun(ctx); err != nil {
		return err
	}
	if err := eng.applySection(ctx, "POST", eng.profile.Sections.Post); err != nil {
		return err
	}
	if err := eng.applySection(ctx, "ACCOUNT", eng.profile.Sections.Account); err != nil {
		return err
	}
	if err := eng.applyExtends(ctx); err != nil {
		return err
	}
	if err := eng.authFinalize(ctx); err != nil {
		return err
	}
	if err := eng.alertMedia(ctx); err != nil {
		return err
	}
	return eng.markVersion(ctx, eng.target.ID)
}

// firstProcess verifies the run's preconditions and picks the version
// to apply. It reports whether the node must be wiped first.
func (eng *Engine) firstProcess(ctx context.Context) (initialize bool, err error) {
	defer mon.Task()(&ctx)(&err)

	versions, err := eng.store.Versions(ctx)
	if err != nil {
		return false, ErrStore.Wrap(err)
	}
	if len(versions) == 0 {
		return false, ErrStore.New("no versions on store")
	}
	eng.versions = versions

	target, ok := snapshot.Latest(versions)
	if !ok {
		return false, ErrStore.New("no versions on store")
	}
	if want := eng.config.TargetVersion; want != "" {
		found := false
		for _, v := range versions {
			if v.ID == want {
				target, found = v, true
				break
			}
		}
		if !found {
			eng.log.Warn("requested version not on store, using latest",
				zap.String("requested", want), zap.String("latest", target.ID))
			eng.progress.Say("version %s not on store, applying latest %s", want, target.ID)
		}
	}
	eng.target = target
	eng.progress.Say("cloning version %s (master %s)", target.ID, target.MasterRelease)
	if target.Description != "" {
		eng.progress.Say("version information: %s", target.Description)
	}

	if eng.api.Release().Before(target.MasterRelease) {
		return false, ErrPrecondition.New(
			"node release %s is older than the snapshot's master release %s",
			eng.api.Release(), target.MasterRelease)
	}

	// 4.0 masters predate carry tags, so tag matching can never pair a
	// host; fall back to matching and following names unconditionally.
	if target.MasterRelease == release.R40 {
		eng.config.Hosts.HostUpdate = true
		eng.config.Hosts.ForceHostUpdate = true
	}

	if err := eng.checkAlertUser(); err != nil {
		return false, err
	}

	applied, ok := eng.appliedVersion()
	switch {
	case eng.config.ForceInitialize:
		initialize = true
	case !ok:
		// Never cloned before; a node the operator forbids deleting on
		// is taken as-is.
		initialize = !eng.config.NoDelete
	case snapshot.IsDirectVersionID(applied):
		// A direct apply leaves no stored version to compare against.
	default:
		// Anything that does not name a version still on the store is
		// stale state: the never-cloned sentinel, a malformed value,
		// or a version since deleted.
		initialize = !eng.storedVersion(applied) && !eng.config.NoDelete
	}
	return initialize, nil
}

// storedVersion reports whether applied names a version on the store.
func (eng *Engine) storedVersion(applied string) bool {
	if _, err := uuid.Parse(applied); err != nil {
		return false
	}
	for _, v := range eng.versions {
		if v.ID == applied {
			return true
		}
	}
	return false
}

// checkAlertUser verifies the reserved notification account exists,
// is enabled, and holds the super administrator role. Everything the
// media stage does later runs as this account.
func (eng *Engine) checkAlertUser() error {
	alert, ok := eng.local["user"][monitor.DefaultUser]
	if !ok {
		return ErrPrecondition.New("notification user %q does not exist", monitor.DefaultUser)
	}
	if str(alert.data["users_status"]) == "1" {
		return ErrPrecondition.New("notification user %q is disabled", monitor.DefaultUser)
	}
	permit := "type"
	if eng.api.Release().AtLeast(release.R52) {
		permit = eng.profile.IDField("role")
	}
	if str(alert.data[permit]) != monitor.SuperRoleID {
		return ErrPrecondition.New("notification user %q is not a super administrator", monitor.DefaultUser)
	}
	return nil
}

// appliedVersion reads the applied-version macro off the node.
func (eng *Engine) appliedVersion() (string, bool) {
	macro, ok := eng.local["usermacro"][snapshot.VersionMacro]
	if !ok {
		return "", false
	}
	return str(macro.data["value"]), true
}

// importConfiguration runs the bundled template import and reloads the
// id index, which the import grew by whole template trees.
func (eng *Engine) importConfiguration(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	bridge := configbridge.New(eng.log.Named("bridge"), eng.api, eng.profile,
		eng.ids, eng.progress, eng.config.Bridge)
	result, err := bridge.Import(ctx, eng.target.MasterRelease, eng.set)
	eng.result.Templates = result
	if err != nil {
		return ErrSection.Wrap(err)
	}
	return eng.refresh(ctx)
}

// applyHosts reconciles the snapshot's hosts onto the node after a
// settle pause, so template and group writes are visible to the host
// calls.
func (eng *Engine) applyHosts(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	hosts := eng.config.Hosts
	hosts.NoDelete = eng.config.NoDelete
	hosts.NoUUID = eng.config.NoUUID
	target := hostsync.Target{
		Node:    eng.api.Node(),
		Replica: eng.config.Role == RoleReplica,
		Release: eng.api.Release(),
	}
	reconciler := hostsync.New(eng.log.Named("hosts"), eng.api, eng.profile,
		target, eng.ids, eng.progress, hosts)
	result, err := reconciler.Reconcile(ctx, eng.target.MasterRelease, eng.set["host"])
	eng.result.Hosts = result
	if err != nil {
		return ErrSection.Wrap(err)
	}
	return eng.refresh(ctx)
}
