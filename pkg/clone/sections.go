// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package clone

import (
	"context"

	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/normalize"
	"github.com/monclone/monclone/pkg/snapshot"
)

// applySection reshapes every kind of the section for this node and
// applies the surviving records in the section's declared order.
// Records whose name exists locally become updates, the rest creates.
// A record the node refuses is counted and skipped; a kind that cannot
// be reshaped aborts the run.
func (eng *Engine) applySection(ctx context.Context, section string, kinds []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	// Reshape the whole section first: a conversion failure must
	// surface before any record of the section lands on the node.
	for _, kind := range kinds {
		if eng.profile.Skips(kind) {
			continue
		}
		recs, extends, err := normalize.Apply(eng.env(), kind, eng.set[kind])
		if err != nil {
			return ErrSection.New("reshaping %s failed: %v", kind, err)
		}
		eng.set[kind] = recs
		eng.extends = append(eng.extends, extends...)
	}

	for _, kind := range kinds {
		if eng.profile.Skips(kind) {
			continue
		}
		if err := eng.applyKind(ctx, section, kind, eng.set[kind]); err != nil {
			return err
		}
		if err := eng.sleep(ctx, eng.config.ApplyWait); err != nil {
			return err
		}
	}

	// Sections create objects other sections reference by id.
	return eng.refresh(ctx)
}

// applyKind sends one kind's records to the node.
func (eng *Engine) applyKind(ctx context.Context, section, kind string, recs []snapshot.Record) error {
	if len(recs) == 0 {
		return nil
	}
	counter := eng.progress.Start(kind, int64(len(recs)))
	defer counter.Finish()

	result := KindResult{Section: section, Kind: kind}
	idField := eng.profile.IDField(kind)
	for _, rec := range recs {
		data, ok := rec.Data.(map[string]interface{})
		if !ok {
			return ErrSection.New("%s record %q is not an object", kind, rec.Name)
		}

		var err error
		if local, exists := eng.local[kind][rec.Name]; exists {
			data[idField] = local.id
			err = eng.update(ctx, kind, data)
			result.Updated++
		} else {
			err = eng.create(ctx, kind, data)
			result.Created++
		}
		if err != nil {
			eng.log.Warn("record refused",
				zap.String("kind", kind),
				zap.String("name", rec.Name),
				zap.Error(err))
			result.Failed++
		}
		counter.Increment()
	}
	eng.result.add(result)
	return nil
}

// create issues the kind's create call. Global macros use dedicated
// method names.
func (eng *Engine) create(ctx context.Context, kind string, data map[string]interface{}) error {
	if kind == "usermacro" {
		return eng.api.Do(ctx, "usermacro.createglobal", data, nil)
	}
	_, err := eng.api.Create(ctx, kind, data)
	return err
}

func (eng *Engine) update(ctx context.Context, kind string, data map[string]interface{}) error {
	if kind == "usermacro" {
		return eng.api.Do(ctx, "usermacro.updateglobal", data, nil)
	}
	_, err := eng.api.Update(ctx, kind, data)
	return err
}

// applyExtends runs the late work the processors queued: second pass
// updates in the order queued, then deletions in reverse, so an object
// created after its parent is deleted before it (proxy before proxy
// group).
func (eng *Engine) applyExtends(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, ext := range eng.extends {
		if err := eng.applyExtendRecords(ctx, ext); err != nil {
			return err
		}
	}
	for i := len(eng.extends) - 1; i >= 0; i-- {
		if err := eng.applyExtendDeletes(ctx, eng.extends[i]); err != nil {
			return err
		}
	}
	eng.extends = nil
	return eng.refresh(ctx)
}

// applyExtendRecords applies one extension's second pass updates.
// Service relations resolve against ids that exist only now.
func (eng *Engine) applyExtendRecords(ctx context.Context, ext normalize.Extend) error {
	if len(ext.Records) == 0 {
		return nil
	}
	result := KindResult{Section: "EXTEND", Kind: ext.Kind}
	for _, rec := range ext.Records {
		var payload map[string]interface{}
		if ext.Kind == "service" {
			relation, ok, err := normalize.ServiceRelations(eng.env(), rec)
			if err != nil {
				return ErrSection.New("reshaping service relations failed: %v", err)
			}
			if !ok {
				result.Skipped++
				continue
			}
			payload = relation
		} else {
			data, ok := rec.Data.(map[string]interface{})
			if !ok {
				return ErrSection.New("%s extension record %q is not an object", ext.Kind, rec.Name)
			}
			if local, exists := eng.local[ext.Kind][rec.Name]; exists {
				data[eng.profile.IDField(ext.Kind)] = local.id
			}
			payload = data
		}
		result.Updated++
		if err := eng.update(ctx, ext.Kind, payload); err != nil {
			eng.log.Warn("extension record refused",
				zap.String("kind", ext.Kind),
				zap.String("name", rec.Name),
				zap.Error(err))
			result.Failed++
		}
	}
	eng.result.add(result)
	return nil
}

// applyExtendDeletes removes the local objects one extension queued,
// one id per call so a single refusal costs one object.
func (eng *Engine) applyExtendDeletes(ctx context.Context, ext normalize.Extend) error {
	if len(ext.Delete) == 0 || eng.config.NoDelete {
		return nil
	}
	result := KindResult{Section: "EXTEND", Kind: ext.Kind}
	for _, id := range ext.Delete {
		result.Deleted++
		if _, err := eng.api.Delete(ctx, ext.Kind, []string{id}); err != nil {
			eng.log.Warn("extension delete refused",
				zap.String("kind", ext.Kind),
				zap.String("id", id),
				zap.Error(err))
			result.Failed++
		}
	}
	eng.result.add(result)
	return nil
}
