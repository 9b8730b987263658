package edna

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/hako/durafmt"
	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/disguise"
	"github.com/edna-db/edna/edna/records"
	"github.com/edna-db/edna/edna/rows"
)

// applier carries the state of one disguise application.
type applier struct {
	e    *Edna
	conn *rows.Conn
	d    *disguise.Disguise
	st   *records.Staging

	// owners is the acting principal and its pseudoprincipals. It is nil
	// for system-wide disguises.
	owners   map[string]bool
	deferred []rows.Row
	skipped  map[string]bool
}

// ApplyDisguise applies d to the database reachable through q and returns
// the id under which its records were stored. When cap is the acting
// principal's capability, rows owned by its pseudoprincipals are disguised
// as well. The engine issues ordinary statements; callers wanting atomicity
// pass a transaction as q.
func (e *Edna) ApplyDisguise(ctx context.Context, q rows.Querier, d *disguise.Disguise, cap *records.Capability) (records.DID, error) {
	start := time.Now()
	if err := d.Validate(e.schema); err != nil {
		return 0, err
	}
	a := &applier{
		e:       e,
		conn:    e.conn(q),
		d:       d,
		skipped: make(map[string]bool),
	}
	if err := a.checkColumns(ctx); err != nil {
		return 0, err
	}
	if !d.SystemWide() {
		if _, ok := e.controller.Principal(d.Principal); !ok {
			return 0, errors.Wrap(ErrUnknownPrincipal, d.Principal)
		}
		a.owners = map[string]bool{d.Principal: true}
		if cap != nil && cap.UID == d.Principal {
			desc, err := e.controller.Descendants(ctx, *cap)
			if err != nil {
				return 0, err
			}
			for _, pp := range desc {
				a.owners[pp] = true
			}
		}
	}
	a.st = e.controller.StartDisguise(d.Principal)

	for _, kind := range []disguise.TransformKind{disguise.Remove, disguise.Modify, disguise.Decorrelate} {
		for _, td := range a.tables(kind) {
			info := e.schema.Tables[td.Table]
			for _, t := range td.Transforms {
				if t.Kind != kind {
					continue
				}
				var err error
				switch kind {
				case disguise.Remove:
					err = a.remove(ctx, info, t)
				case disguise.Modify:
					err = a.modify(ctx, info, t)
				case disguise.Decorrelate:
					err = a.decorrelate(ctx, info, t)
				}
				if err != nil {
					return 0, errors.Wrapf(err, "disguise %s: %s on %s", d.Name, kind, td.Table)
				}
			}
		}
	}

	if len(a.deferred) > 0 {
		info := e.schema.Tables[e.schema.PrincipalTable()]
		if _, err := a.conn.Delete(ctx, info.Name, rows.MatchAny(a.deferred, info.IDCols)); err != nil {
			return 0, err
		}
	}
	if err := e.controller.SaveAndClearDisguise(ctx, a.st); err != nil {
		return 0, err
	}

	elapsed := time.Since(start)
	e.applyLatency.record(elapsed)
	who := d.Principal
	if who == "" {
		who = "all principals"
	}
	e.logger.Infof("Applied disguise %s (%s) for %s in %s", d.Name, a.st.DID, who, durafmt.Parse(elapsed))
	return a.st.DID, nil
}

// checkColumns verifies every column the disguise and the table metadata
// name against the columns of the database.
func (a *applier) checkColumns(ctx context.Context) error {
	gen := a.e.schema.Generator
	need := map[string][]string{gen.Table: {gen.IDCol}}
	for _, c := range gen.Columns {
		need[gen.Table] = append(need[gen.Table], c.Col)
	}
	for _, td := range a.d.Tables {
		info := a.e.schema.Tables[td.Table]
		cols := append(need[td.Table], info.IDCols...)
		for _, fk := range info.AllFKs() {
			cols = append(cols, fk.Col)
		}
		for _, t := range td.Transforms {
			if t.Column != "" {
				cols = append(cols, t.Column)
			}
			cols = append(cols, t.OwnerCols...)
			cols = append(cols, t.GroupBy...)
		}
		need[td.Table] = cols
	}
	for table, cols := range need {
		have, err := a.conn.Columns(ctx, table)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(have))
		for _, c := range have {
			known[c] = true
		}
		for _, c := range cols {
			if !known[c] {
				return errors.Wrapf(disguise.ErrInvalidTransform, "table %s has no column %q", table, c)
			}
		}
	}
	return nil
}

// tables returns the disguised tables in the order transformations of kind
// run. Removals start from the referencing tables so rows are still
// reachable from their owners when selected.
func (a *applier) tables(kind disguise.TransformKind) []disguise.TableDisguise {
	if kind != disguise.Remove {
		return a.d.Tables
	}
	rank := make(map[string]int)
	for i, n := range a.e.schema.TableNames() {
		rank[n] = i
	}
	out := append([]disguise.TableDisguise(nil), a.d.Tables...)
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Table] > rank[out[j].Table]
	})
	return out
}

// acts reports whether uid is acted for: an owner of the acting principal
// or, system-wide, any registered principal.
func (a *applier) acts(uid string) bool {
	if a.owners != nil {
		return a.owners[uid]
	}
	_, ok := a.e.controller.Principal(uid)
	return ok
}

// natural reports whether uid is a registered principal other than a
// pseudoprincipal.
func (a *applier) natural(uid string) bool {
	p, ok := a.e.controller.Principal(uid)
	return ok && !p.IsAnon
}

// ownerFilter restricts the rows of info to those of the acting principal.
// Tables without owner columns are scoped through the foreign keys leading
// to an owned table.
func (a *applier) ownerFilter(info disguise.TableInfo) (sq.Sqlizer, error) {
	if a.owners == nil {
		return nil, nil
	}
	if info.Name == a.e.schema.PrincipalTable() {
		return rows.Eq(info.Name, a.e.schema.Generator.IDCol, rows.ParseUID(a.d.Principal)), nil
	}
	if len(info.Owners) > 0 {
		vals := make([]rows.Value, 0, len(a.owners))
		for uid := range a.owners {
			vals = append(vals, rows.ParseUID(uid))
		}
		or := sq.Or{}
		for _, fk := range info.Owners {
			or = append(or, rows.In(info.Name, fk.Col, vals))
		}
		return or, nil
	}

	path := a.e.schema.OwnerPath(info.Name)
	if len(path) == 0 {
		return nil, errors.Wrapf(disguise.ErrInvalidTransform, "cannot scope %s to principal %s", info.Name, a.d.Principal)
	}
	filter, err := a.ownerFilter(a.e.schema.Tables[path[len(path)-1].RefTable])
	if err != nil {
		return nil, err
	}
	for i := len(path) - 1; i >= 0; i-- {
		fk := path[i]
		query, args, err := sq.Select(rows.Col(fk.RefTable, fk.RefCol)).From(rows.Quote(fk.RefTable)).Where(filter).ToSql()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scope %s", info.Name)
		}
		from := info.Name
		if i > 0 {
			from = path[i-1].RefTable
		}
		filter = sq.Expr(rows.Col(from, fk.Col)+" IN ("+query+")", args...)
	}
	return filter, nil
}

func (a *applier) selectRows(ctx context.Context, info disguise.TableInfo, t disguise.Transform) ([]rows.Row, error) {
	preds := []sq.Sqlizer{rows.Raw(t.Pred)}
	f, err := a.ownerFilter(info)
	if err != nil {
		return nil, err
	}
	if f != nil {
		preds = append(preds, f)
	}
	rs, err := a.conn.Select(ctx, info.Name, t.Join, preds...)
	if err != nil {
		return nil, err
	}
	if len(a.skipped) == 0 {
		return rs, nil
	}
	out := rs[:0]
	for _, r := range rs {
		if !a.skipped[r.Key(info.IDCols)] {
			out = append(out, r)
		}
	}
	return out, nil
}

// ownerRow returns the row holding the owners of r: r itself, or for tables
// without owner columns the row reached through their foreign keys. It
// returns nil when that row is missing.
func (a *applier) ownerRow(ctx context.Context, info disguise.TableInfo, r rows.Row) (disguise.TableInfo, *rows.Row, error) {
	row := &r
	if len(info.Owners) > 0 {
		return info, row, nil
	}
	for _, fk := range a.e.schema.OwnerPath(info.Name) {
		v := row.MustGet(fk.Col)
		if v.IsNull() {
			return info, nil, nil
		}
		parent, err := a.conn.SelectOne(ctx, fk.RefTable, rows.Eq(fk.RefTable, fk.RefCol, v))
		if err != nil || parent == nil {
			return info, nil, err
		}
		info, row = a.e.schema.Tables[fk.RefTable], parent
	}
	return info, row, nil
}

// rowOwners returns the registered principals owning r. Rows whose owners
// cannot be found belong to the acting principal.
func (a *applier) rowOwners(ctx context.Context, info disguise.TableInfo, r rows.Row) ([]string, error) {
	owner, row, err := a.ownerRow(ctx, info, r)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	if row != nil {
		for _, fk := range owner.Owners {
			v := row.MustGet(fk.Col)
			if v.IsNull() || seen[v.String()] {
				continue
			}
			if _, ok := a.e.controller.Principal(v.String()); ok {
				seen[v.String()] = true
				out = append(out, v.String())
			}
		}
	}
	if len(out) == 0 && a.d.Principal != "" {
		out = append(out, a.d.Principal)
	}
	if len(out) == 0 {
		a.e.logger.Warnf("Disguising %s without any principal able to reveal it", r)
	}
	return out, nil
}

func (a *applier) remove(ctx context.Context, info disguise.TableInfo, t disguise.Transform) error {
	rs, err := a.selectRows(ctx, info, t)
	if err != nil || len(rs) == 0 {
		return err
	}
	if info.MultiOwner() {
		for _, r := range rs {
			if err := a.removeShared(ctx, info, r); err != nil {
				return err
			}
		}
		return nil
	}

	principalTable := info.Name == a.e.schema.PrincipalTable()
	for _, r := range rs {
		owners, err := a.rowOwners(ctx, info, r)
		if err != nil {
			return err
		}
		for _, uid := range owners {
			a.st.StageDiff(uid, records.DiffRecord{Type: records.DiffRemove, Old: []rows.Row{r}})
		}
		if !principalTable {
			continue
		}
		uid := r.MustGet(a.e.schema.Generator.IDCol).String()
		if p, ok := a.e.controller.Principal(uid); ok {
			a.st.StageDiff(uid, records.DiffRecord{
				Type:     records.DiffRemovePrincipal,
				PubKey:   p.PubKey,
				LocIndex: p.LocIndex,
				IsAnon:   p.IsAnon,
			})
			a.st.MarkForget(uid)
		}
	}
	if principalTable {
		// Principal rows go last so rows referencing them can still be
		// selected by later transformations.
		a.deferred = append(a.deferred, rs...)
		for _, r := range rs {
			a.skipped[r.Key(info.IDCols)] = true
		}
		return nil
	}
	_, err = a.conn.Delete(ctx, info.Name, rows.MatchAny(rs, info.IDCols))
	return err
}

func sharedKey(info disguise.TableInfo, r rows.Row) string {
	return r.Key(info.IDCols)
}

// removeShared removes r on behalf of its acting owners. The first removal
// mints a pseudoprincipal for every natural owner. An owner's column is
// rewritten to its pseudoprincipal once that owner removes the row, and the
// row is deleted when no natural owner is left. Every diff holds the row as
// it would look with all owners removed, so each owner can later get the
// row back whatever the others did.
func (a *applier) removeShared(ctx context.Context, info disguise.TableInfo, r rows.Row) error {
	key := sharedKey(info, r)
	obj, err := a.e.controller.GetSharedObject(ctx, key)
	if err != nil {
		return err
	}
	stored := obj != nil
	if !stored {
		obj = records.NewSharedObject(info.Name)
	}

	var acting []string
	actingSet := make(map[string]bool)
	for _, fk := range info.Owners {
		v := r.MustGet(fk.Col)
		if v.IsNull() {
			continue
		}
		uid := v.String()
		if so, ok := obj.Owners[fk.Col]; ok && so.Removed {
			continue
		}
		if _, ok := a.e.controller.Principal(uid); !ok || !a.acts(uid) || actingSet[uid] {
			continue
		}
		actingSet[uid] = true
		acting = append(acting, uid)
	}
	if len(acting) == 0 {
		return nil
	}

	pps := make(map[string]string)
	for _, so := range obj.Owners {
		if so.UID != "" {
			pps[so.UID] = so.PP
		}
	}
	for _, fk := range info.Owners {
		v := r.MustGet(fk.Col)
		if _, ok := obj.Owners[fk.Col]; ok || v.IsNull() || !a.natural(v.String()) {
			continue
		}
		uid := v.String()
		if _, ok := pps[uid]; !ok {
			_, pp, err := a.newPseudoprincipal(ctx)
			if err != nil {
				return err
			}
			pps[uid] = pp
		}
		obj.Owners[fk.Col] = records.SharedOwner{UID: uid, PP: pps[uid]}
	}
	for _, uid := range acting {
		if !a.natural(uid) {
			continue
		}
		pp, err := a.adoptPending(ctx, uid, pps[uid])
		if err != nil {
			return err
		}
		pps[uid] = pp
	}

	after := r.Clone()
	set := rows.NewRow(info.Name)
	owned := false
	for _, fk := range info.Owners {
		v := r.MustGet(fk.Col)
		so, ok := obj.Owners[fk.Col]
		if !ok && !v.IsNull() && actingSet[v.String()] {
			// Already pseudonymous; removing it only needs recording.
			so, ok = records.SharedOwner{PP: v.String(), Removed: true}, true
			obj.Owners[fk.Col] = so
		}
		if !ok {
			if !v.IsNull() && !a.e.controller.IsPseudoprincipal(v.String()) {
				owned = true
			}
			continue
		}
		if !so.Removed && actingSet[so.UID] {
			so.PP, so.Removed = pps[so.UID], true
			obj.Owners[fk.Col] = so
			set.Set(fk.Col, rows.ParseUID(so.PP))
		}
		if !so.Removed {
			owned = true
		}
		after.Set(fk.Col, rows.ParseUID(so.PP))
	}
	for _, uid := range acting {
		a.st.StageDiff(uid, records.DiffRecord{Type: records.DiffRemove, Old: []rows.Row{r}, New: []rows.Row{after}})
	}

	if owned {
		if set.Len() > 0 {
			if _, err := a.conn.Update(ctx, info.Name, set, rows.MatchRow(r, info.IDCols)); err != nil {
				return err
			}
		}
		return a.e.controller.PutSharedObject(ctx, key, obj)
	}
	if _, err := a.conn.Delete(ctx, info.Name, rows.MatchRow(r, info.IDCols)); err != nil {
		return err
	}
	if stored {
		return a.e.controller.DeleteSharedObject(ctx, key)
	}
	return nil
}

// newPseudoprincipal inserts a fresh principal row. The pseudoprincipal is
// registered once adopted by an owner.
func (a *applier) newPseudoprincipal(ctx context.Context) (rows.Row, string, error) {
	row, pp, err := a.e.schema.NewPrincipalRow()
	if err != nil {
		return rows.Row{}, "", err
	}
	if err := a.conn.Insert(ctx, row); err != nil {
		return rows.Row{}, "", err
	}
	return row, pp, nil
}

// adoptPending adopts the pseudoprincipal minted for owner by an earlier
// removal, or a fresh one if its row is gone.
func (a *applier) adoptPending(ctx context.Context, owner, pp string) (string, error) {
	gen := a.e.schema.Generator
	row, err := a.conn.SelectOne(ctx, gen.Table, rows.Eq(gen.Table, gen.IDCol, rows.ParseUID(pp)))
	if err != nil {
		return "", err
	}
	if _, registered := a.e.controller.Principal(pp); row == nil || registered {
		return a.mint(ctx, owner)
	}
	return pp, a.adopt(ctx, owner, *row, pp)
}

// mint creates a pseudoprincipal for owner and adopts it.
func (a *applier) mint(ctx context.Context, owner string) (string, error) {
	row, pp, err := a.newPseudoprincipal(ctx)
	if err != nil {
		return "", err
	}
	return pp, a.adopt(ctx, owner, row, pp)
}

// adopt registers the keys of pp and stages the records letting owner
// reclaim it.
func (a *applier) adopt(ctx context.Context, owner string, row rows.Row, pp string) error {
	dryRun := true
	if p, ok := a.e.controller.Principal(owner); ok && p.PubKey != nil {
		dryRun = false
	}
	priv, err := a.e.controller.RegisterPrincipal(ctx, pp, true, dryRun)
	if err != nil {
		return err
	}
	a.st.StageDiff(owner, records.DiffRecord{
		Type:   records.DiffNewPseudoprincipal,
		OldUID: owner,
		NewUID: pp,
		New:    []rows.Row{row},
	})
	a.st.StageSpeaksFor(owner, pp)
	a.st.StagePrivkey(owner, pp, priv)
	atomic.AddInt64(&a.e.minted, 1)
	a.e.logger.Debugf("Minted pseudoprincipal %s for %s", pp, owner)
	return nil
}

func (a *applier) modify(ctx context.Context, info disguise.TableInfo, t disguise.Transform) error {
	rs, err := a.selectRows(ctx, info, t)
	if err != nil || len(rs) == 0 {
		return err
	}
	v := t.Generator()
	set := rows.NewRow(info.Name)
	set.Set(t.Column, v)
	if _, err := a.conn.Update(ctx, info.Name, set, rows.MatchAny(rs, info.IDCols)); err != nil {
		return err
	}
	for _, r := range rs {
		after := r.Clone()
		after.Set(t.Column, v)
		owners, err := a.rowOwners(ctx, info, r)
		if err != nil {
			return err
		}
		for _, uid := range owners {
			a.st.StageDiff(uid, records.DiffRecord{Type: records.DiffModify, Old: []rows.Row{r}, New: []rows.Row{after}})
		}
	}
	return nil
}

func (a *applier) decorrelate(ctx context.Context, info disguise.TableInfo, t disguise.Transform) error {
	ownerCols := t.OwnerCols
	if len(ownerCols) == 0 {
		ownerCols = info.OwnerColumns()
	}
	var cols []string
	for _, c := range ownerCols {
		// The principal table owns itself; its id is never decorrelated.
		if fk, _ := info.Owner(c); fk.RefTable == info.Name && fk.RefCol == c {
			continue
		}
		cols = append(cols, c)
	}
	groupBy := t.GroupBy
	if len(groupBy) == 0 {
		groupBy = info.IDCols
	}

	rs, err := a.selectRows(ctx, info, t)
	if err != nil || len(rs) == 0 {
		return err
	}
	var (
		order  []string
		groups = make(map[string][]int)
	)
	for i, r := range rs {
		k := r.Key(cols) + "\x01" + r.Key(groupBy)
		if len(groupBy) == 0 {
			k = r.Key(cols) + "\x01" + r.Key(r.Cols)
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	for _, k := range order {
		idx := groups[k]
		for _, col := range cols {
			v := rs[idx[0]].MustGet(col)
			if v.IsNull() {
				continue
			}
			uid := v.String()
			if !a.acts(uid) || a.e.controller.IsPseudoprincipal(uid) {
				continue
			}
			pp, err := a.mint(ctx, uid)
			if err != nil {
				return err
			}
			set := rows.NewRow(info.Name)
			set.Set(col, rows.ParseUID(pp))
			for _, i := range idx {
				before := rs[i]
				after := before.Clone()
				after.Set(col, rows.ParseUID(pp))
				a.st.StageDiff(uid, records.DiffRecord{Type: records.DiffDecorrelate, Old: []rows.Row{before}, New: []rows.Row{after}})
				if _, err := a.conn.Update(ctx, info.Name, set, rows.MatchRow(before, info.IDCols)); err != nil {
					return err
				}
				rs[i] = after
			}
		}
	}
	return nil
}
