// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"
	"fmt"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
)

// markVersion writes id into the node's version macro, the durable
// record of what the node carries. It runs last so a crashed run leaves
// the previous marker (or the not-yet-cloned sentinel) in place and the
// next run knows to start over.
func (eng *Engine) markVersion(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	macro := map[string]interface{}{"value": id}
	if eng.config.Direct && eng.api.Release().AtLeast(release.R44) {
		macro["description"] = fmt.Sprintf("Master-Node: %s (%s)",
			eng.config.DirectNode, eng.config.DirectEndpoint)
	}

	if existing, ok := eng.local["usermacro"][snapshot.VersionMacro]; ok && existing.id != "" {
		macro[eng.profile.IDField("usermacro")] = existing.id
		if err := eng.api.Do(ctx, "usermacro.updateglobal", macro, nil); err != nil {
			return ErrSection.New("updating version macro failed: %v", err)
		}
	} else {
		macro["macro"] = snapshot.VersionMacro
		if err := eng.api.Do(ctx, "usermacro.createglobal", macro, nil); err != nil {
			return ErrSection.New("creating version macro failed: %v", err)
		}
	}
	eng.progress.Say("node %s marked with version %s", eng.api.Node(), id)
	return nil
}
