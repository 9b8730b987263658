package edna

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/disguise"
	"github.com/edna-db/edna/edna/records"
	"github.com/edna-db/edna/edna/rows"
)

// PPType selects what happens to the rows still owned by a pseudoprincipal
// of the revealed disguise.
type PPType int

const (
	// PPRestore gives the rows back to the pseudoprincipal's owner.
	PPRestore PPType = iota
	// PPDelete deletes the rows.
	PPDelete
	// PPRetain leaves the rows and the pseudoprincipal in place.
	PPRetain
)

func (t PPType) String() string {
	switch t {
	case PPRestore:
		return "restore"
	case PPDelete:
		return "delete"
	case PPRetain:
		return "retain"
	default:
		return fmt.Sprintf("pptype(%d)", int(t))
	}
}

// ParsePPType parses restore, delete or retain.
func ParsePPType(s string) (PPType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "restore":
		return PPRestore, nil
	case "delete":
		return PPDelete, nil
	case "retain":
		return PPRetain, nil
	default:
		return 0, errors.Errorf("unknown pseudoprincipal policy %q", s)
	}
}

// RevealOptions tunes RevealDisguise.
type RevealOptions struct {
	// Cap is the capability of the principal revealing. Without one, only
	// the records of principals registered without keys are revealed.
	Cap    *records.Capability
	PPType PPType
	// AllowPartialRowReveal leaves columns changed since the disguise
	// untouched instead of failing the whole row.
	AllowPartialRowReveal bool
}

// RevealResult is the outcome of RevealDisguise. Rows that could not be
// revealed are counted in Failed; their records are kept so the reveal can
// be retried with other options.
type RevealResult struct {
	Success  bool
	Failed   int
	Revealed int
}

type revealer struct {
	e    *Edna
	conn *rows.Conn
	opts RevealOptions
	// parents maps pseudoprincipals to the principal they were minted for.
	parents map[string]string
	result  RevealResult
}

// RevealDisguise undoes the disguise did with the records readable through
// opts.Cap. A missing capability or record is not an error: there is simply
// nothing to reveal. Records are removed once every row was revealed.
func (e *Edna) RevealDisguise(ctx context.Context, q rows.Querier, did records.DID, opts RevealOptions) (RevealResult, error) {
	start := time.Now()
	var (
		recs *records.Records
		err  error
	)
	if opts.Cap != nil {
		recs, err = e.controller.RecordsForDisguise(ctx, *opts.Cap, did)
	} else {
		recs, err = e.controller.DryRunRecordsForDisguise(ctx, did)
	}
	if err != nil {
		return RevealResult{}, err
	}
	if len(recs.Diffs) == 0 && len(recs.Owns) == 0 {
		e.logger.Debugf("Nothing to reveal for disguise %s", did)
		return RevealResult{Success: true}, nil
	}

	r := &revealer{
		e:       e,
		conn:    e.conn(q),
		opts:    opts,
		parents: make(map[string]string, len(recs.Edges)),
	}
	for _, edge := range recs.Edges {
		r.parents[edge.NewUID] = edge.OldUID
	}

	byType := make(map[records.DiffType][]records.DiffRecord)
	for _, d := range recs.Diffs {
		e.migrate(&d)
		byType[d.Type] = append(byType[d.Type], d)
	}

	for _, d := range byType[records.DiffRemovePrincipal] {
		if err := r.revealPrincipal(ctx, d); err != nil {
			return r.result, err
		}
	}
	for _, table := range r.removeOrder() {
		for _, d := range byType[records.DiffRemove] {
			if diffTable(d) != table {
				continue
			}
			if err := r.revealDiff(ctx, d); err != nil {
				return r.result, err
			}
		}
	}
	for _, t := range []records.DiffType{records.DiffModify, records.DiffDecorrelate} {
		for _, d := range byType[t] {
			if err := r.revealDiff(ctx, d); err != nil {
				return r.result, err
			}
		}
	}
	if err := r.revealPseudoprincipals(ctx, byType[records.DiffNewPseudoprincipal]); err != nil {
		return r.result, err
	}
	for _, o := range recs.Owns {
		if anc, ok, err := r.resolve(ctx, o.OldUID); err != nil {
			return r.result, err
		} else if ok {
			e.controller.Recorrelate(o.NewUID, anc.String())
		}
	}

	r.result.Success = r.result.Failed == 0
	if r.result.Success {
		if err := e.controller.CleanupDisguise(ctx, did, opts.Cap); err != nil {
			return r.result, err
		}
	}
	atomic.AddInt64(&e.failedRows, int64(r.result.Failed))
	elapsed := time.Since(start)
	e.revealLatency.record(elapsed)
	e.logger.Infof("Revealed disguise %s: %d records, %d failed in %s",
		did, r.result.Revealed, r.result.Failed, durafmt.Parse(elapsed))
	return r.result, nil
}

func diffTable(d records.DiffRecord) string {
	if len(d.Old) > 0 {
		return d.Old[0].Table
	}
	if len(d.New) > 0 {
		return d.New[0].Table
	}
	return ""
}

// removeOrder lists the principal table first, then the other tables in
// dependency order.
func (r *revealer) removeOrder() []string {
	principal := r.e.schema.PrincipalTable()
	out := []string{principal}
	for _, n := range r.e.schema.TableNames() {
		if n != principal {
			out = append(out, n)
		}
	}
	return out
}

func (r *revealer) outcome(ok bool, d records.DiffRecord) {
	if ok {
		r.result.Revealed++
		return
	}
	r.result.Failed++
	r.e.logger.Warnf("Failed to reveal %s record of %s in disguise %s", d.Type, d.UID, d.DID)
}

func (r *revealer) revealPrincipal(ctx context.Context, d records.DiffRecord) error {
	if old, ok := r.e.controller.Recorrelated(d.UID); ok && old != d.UID {
		r.e.logger.Debugf("Not restoring %s, recorrelated into %s", d.UID, old)
		r.outcome(true, d)
		return nil
	}
	err := r.e.controller.Restore(ctx, d.UID, records.PrincipalData{
		PubKey:   d.PubKey,
		IsAnon:   d.IsAnon,
		LocIndex: d.LocIndex,
	})
	if err != nil {
		return err
	}
	r.outcome(true, d)
	return nil
}

func (r *revealer) revealDiff(ctx context.Context, d records.DiffRecord) error {
	info, ok := r.e.schema.Tables[diffTable(d)]
	if !ok {
		r.outcome(false, d)
		return nil
	}
	if d.Type == records.DiffRemove && info.MultiOwner() && len(d.New) > 0 {
		return r.revealShared(ctx, info, d)
	}
	insert := d.Type == records.DiffRemove

	allOK := true
	for i, old := range d.Old {
		ok, err := r.revealRow(ctx, info, old, counterpart(d.New, i, old, info.IDCols), insert)
		if err != nil {
			return err
		}
		allOK = allOK && ok
	}
	r.outcome(allOK, d)
	return nil
}

// counterpart returns the row of rs describing old after the disguise,
// preferring the one at the same position. Rows without identifying
// columns are paired by position.
func counterpart(rs []rows.Row, i int, old rows.Row, idCols []string) *rows.Row {
	if i < len(rs) && (len(idCols) == 0 || rs[i].SameIdentity(old, idCols)) {
		return &rs[i]
	}
	for j := range rs {
		if rs[j].SameIdentity(old, idCols) {
			return &rs[j]
		}
	}
	return nil
}

// revealRow restores old. If the row is gone it is inserted again, for
// removals only, after checking its foreign keys. Otherwise only the columns
// the disguise changed are reset, provided they still hold the disguised
// value. Reveal is idempotent: columns already holding the old value are
// left alone.
func (r *revealer) revealRow(ctx context.Context, info disguise.TableInfo, old rows.Row, after *rows.Row, insert bool) (bool, error) {
	cur, err := r.conn.SelectOne(ctx, info.Name, rows.MatchRow(old, info.IDCols))
	if err != nil {
		return false, err
	}
	if cur == nil {
		if !insert {
			r.e.logger.Debugf("Skipping %s, no longer present", old)
			return true, nil
		}
		return r.insertRow(ctx, info, old)
	}
	return r.updateRow(ctx, info, old, after, *cur)
}

func (r *revealer) insertRow(ctx context.Context, info disguise.TableInfo, old rows.Row) (bool, error) {
	ins := old.Clone()
	ok, err := r.checkIntegrity(ctx, info, &ins)
	if err != nil || !ok {
		return false, err
	}
	return true, r.conn.Insert(ctx, ins)
}

func (r *revealer) updateRow(ctx context.Context, info disguise.TableInfo, old rows.Row, after *rows.Row, cur rows.Row) (bool, error) {
	set := rows.NewRow(info.Name)
	for i, col := range old.Cols {
		ov := old.Vals[i]
		nv := ov
		if after != nil {
			if v, ok := after.Get(col); ok {
				nv = v
			}
		}
		cv, ok := cur.Get(col)
		if !ok || ov.Equal(nv) || cv.Equal(ov) {
			continue
		}
		if !cv.Equal(nv) {
			if r.opts.AllowPartialRowReveal {
				continue
			}
			r.e.logger.Warnf("Column %s of %s changed since the disguise", col, cur)
			return false, nil
		}
		target := ov
		if fk, isOwner := info.Owner(col); isOwner && !ov.IsNull() {
			anc, ok, err := r.resolveFK(ctx, fk, ov)
			if err != nil || !ok {
				return false, err
			}
			target = anc
		}
		set.Set(col, target)
	}
	if set.Len() == 0 {
		return true, nil
	}
	_, err := r.conn.Update(ctx, info.Name, set, rows.MatchRow(cur, info.IDCols))
	return err == nil, err
}

// revealShared gives a shared object back to the owner d belongs to. The
// columns of the other owners keep the pseudoprincipals recorded in d, which
// are what the row holds once they removed it too.
func (r *revealer) revealShared(ctx context.Context, info disguise.TableInfo, d records.DiffRecord) error {
	old := d.Old[0]
	removed := counterpart(d.New, 0, old, info.IDCols)
	if removed == nil {
		r.outcome(false, d)
		return nil
	}
	target := removed.Clone()
	own := make(map[string]bool)
	for _, fk := range info.Owners {
		if v := old.MustGet(fk.Col); !v.IsNull() && v.String() == d.UID {
			own[fk.Col] = true
			target.Set(fk.Col, v)
		}
	}

	cur, err := r.conn.SelectOne(ctx, info.Name, rows.MatchRow(old, info.IDCols))
	if err != nil {
		return err
	}
	var ok bool
	if cur == nil {
		ok, err = r.insertRow(ctx, info, target)
	} else {
		ok, err = r.updateRow(ctx, info, target, removed, *cur)
	}
	if err != nil {
		return err
	}
	r.outcome(ok, d)
	if !ok {
		return nil
	}
	return r.settleShared(ctx, info, old, target, own, cur == nil)
}

// settleShared drops the revealing owner's columns from the shared object
// of row. An object nobody has removed anymore is deleted together with the
// pseudoprincipals minted for owners who never removed it.
func (r *revealer) settleShared(ctx context.Context, info disguise.TableInfo, old, row rows.Row, own map[string]bool, inserted bool) error {
	key := sharedKey(info, row)
	obj, err := r.e.controller.GetSharedObject(ctx, key)
	if err != nil {
		return err
	}
	if obj == nil {
		if !inserted {
			return nil
		}
		obj = records.NewSharedObject(info.Name)
	}
	if inserted {
		// The row was deleted once its last owner removed it; the other
		// owners still have it removed.
		for _, fk := range info.Owners {
			v := row.MustGet(fk.Col)
			if _, ok := obj.Owners[fk.Col]; ok || own[fk.Col] || v.IsNull() || !r.e.controller.IsPseudoprincipal(v.String()) {
				continue
			}
			uid := old.MustGet(fk.Col).String()
			if r.e.controller.IsPseudoprincipal(uid) {
				uid = ""
			}
			obj.Owners[fk.Col] = records.SharedOwner{UID: uid, PP: v.String(), Removed: true}
		}
	}
	for col := range own {
		delete(obj.Owners, col)
	}
	if obj.Removers() > 0 {
		return r.e.controller.PutSharedObject(ctx, key, obj)
	}

	gen := r.e.schema.Generator
	for _, pp := range obj.Pending() {
		if _, registered := r.e.controller.Principal(pp); registered {
			continue
		}
		if _, err := r.conn.Delete(ctx, gen.Table, rows.Eq(gen.Table, gen.IDCol, rows.ParseUID(pp))); err != nil {
			return err
		}
	}
	return r.e.controller.DeleteSharedObject(ctx, key)
}

// checkIntegrity rewrites the owners of row to their nearest existing
// ancestor and verifies every other foreign key.
func (r *revealer) checkIntegrity(ctx context.Context, info disguise.TableInfo, row *rows.Row) (bool, error) {
	for _, fk := range info.Owners {
		v := row.MustGet(fk.Col)
		if v.IsNull() || (fk.RefTable == info.Name && fk.RefCol == fk.Col) {
			continue
		}
		anc, ok, err := r.resolveFK(ctx, fk, v)
		if err != nil || !ok {
			r.e.logger.Warnf("Owner %s of %s no longer exists", v, row)
			return false, err
		}
		row.Set(fk.Col, anc)
	}
	for _, fk := range info.FKs {
		v := row.MustGet(fk.Col)
		if v.IsNull() {
			continue
		}
		n, err := r.conn.Count(ctx, fk.RefTable, rows.Eq(fk.RefTable, fk.RefCol, v))
		if err != nil {
			return false, err
		}
		if n == 0 {
			r.e.logger.Warnf("%s.%s of %s references a missing row", fk.RefTable, fk.RefCol, row)
			return false, nil
		}
	}
	return true, nil
}

// resolveFK walks from v up the speaks-for edges until a principal whose
// row exists is found.
func (r *revealer) resolveFK(ctx context.Context, fk disguise.ForeignKey, v rows.Value) (rows.Value, bool, error) {
	uid := v.String()
	seen := make(map[string]bool)
	for {
		val := rows.ParseUID(uid)
		n, err := r.conn.Count(ctx, fk.RefTable, rows.Eq(fk.RefTable, fk.RefCol, val))
		if err != nil {
			return rows.Null(), false, err
		}
		if n > 0 {
			return val, true, nil
		}
		seen[uid] = true
		next, ok := r.parents[uid]
		if !ok {
			next, ok = r.e.controller.Recorrelated(uid)
		}
		if !ok || seen[next] {
			return rows.Null(), false, nil
		}
		uid = next
	}
}

func (r *revealer) resolve(ctx context.Context, uid string) (rows.Value, bool, error) {
	gen := r.e.schema.Generator
	return r.resolveFK(ctx, disguise.ForeignKey{RefTable: gen.Table, RefCol: gen.IDCol}, rows.ParseUID(uid))
}

// revealPseudoprincipals handles the pseudoprincipals of the disguise in
// one pass, after every row was revealed, according to opts.PPType.
func (r *revealer) revealPseudoprincipals(ctx context.Context, ds []records.DiffRecord) error {
	gen := r.e.schema.Generator
	children := r.e.schema.Children(gen.Table)
	count := func(pp rows.Value) (int64, error) {
		var total int64
		for _, c := range children {
			n, err := r.conn.Count(ctx, c.Table, rows.Eq(c.Table, c.FK.Col, pp))
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}

	for _, d := range ds {
		pp := rows.ParseUID(d.NewUID)
		exists, err := r.conn.Count(ctx, gen.Table, rows.Eq(gen.Table, gen.IDCol, pp))
		if err != nil {
			return err
		}
		target, found, err := r.resolve(ctx, d.OldUID)
		if err != nil {
			return err
		}
		if found {
			r.e.controller.Recorrelate(d.NewUID, target.String())
		}
		if exists == 0 {
			if err := r.e.controller.Forget(ctx, d.NewUID); err != nil {
				return err
			}
			r.outcome(true, d)
			continue
		}

		n, err := count(pp)
		if err != nil {
			return err
		}
		ok := true
		switch r.opts.PPType {
		case PPRestore:
			if n == 0 {
				break
			}
			if !found {
				ok = false
				break
			}
			for _, c := range children {
				set := rows.NewRow(c.Table)
				set.Set(c.FK.Col, target)
				if _, err := r.conn.Update(ctx, c.Table, set, rows.Eq(c.Table, c.FK.Col, pp)); err != nil {
					return err
				}
			}
		case PPDelete:
			for _, c := range children {
				if _, err := r.conn.Delete(ctx, c.Table, rows.Eq(c.Table, c.FK.Col, pp)); err != nil {
					return err
				}
			}
		case PPRetain:
		}

		if n, err = count(pp); err != nil {
			return err
		}
		if n == 0 {
			if _, err := r.conn.Delete(ctx, gen.Table, rows.Eq(gen.Table, gen.IDCol, pp)); err != nil {
				return err
			}
			if err := r.e.controller.Forget(ctx, d.NewUID); err != nil {
				return err
			}
		}
		r.outcome(ok, d)
	}
	return nil
}
