package edna

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edna-db/edna/edna/disguise"
	"github.com/edna-db/edna/edna/records"
	"github.com/edna-db/edna/edna/rows"
)

func starWarsDisguise(principal string) *disguise.Disguise {
	return &disguise.Disguise{
		Name:      "hide-star-wars",
		Principal: principal,
		Tables: []disguise.TableDisguise{{
			Table: "stories",
			Transforms: []disguise.Transform{{
				Kind: disguise.Decorrelate,
				Join: `JOIN taggings ON taggings.story_id = stories.id`,
				Pred: fmt.Sprintf(`taggings.tag = '%s'`, starWars),
			}},
		}},
	}
}

func removeMessagesDisguise(principal string) *disguise.Disguise {
	return &disguise.Disguise{
		Name:      "delete-messages",
		Principal: principal,
		Tables: []disguise.TableDisguise{{
			Table:      "messages",
			Transforms: []disguise.Transform{{Kind: disguise.Remove}},
		}},
	}
}

func firstMessageKey(e *Edna) string {
	r := rows.NewRow("messages")
	r.Set("id", rows.Int(1))
	return sharedKey(e.Schema().Tables["messages"], r)
}

// Ensure applying GDPR removal and revealing it restores the database.
func TestApplyRevealRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)
	before := snapshot(t, db)

	did, err := e.ApplyDisguise(ctx, db, loadDisguise(t, "gdpr", "1"), caps["1"])
	require.NoError(t, err)

	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM users WHERE id = 1`))
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = 1`))
	require.Equal(t, testStories, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id IN (SELECT id FROM users WHERE is_anon = 1)`))
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM messages WHERE sender_id = 1 OR receiver_id = 1`))
	require.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM messages`))
	require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM messages WHERE sender_id = 2 AND receiver_id = 3`))

	pps, err := e.GetPseudoprincipals(ctx, *caps["1"])
	require.NoError(t, err)
	require.Len(t, pps, testStories+2)
	for _, pp := range pps {
		require.True(t, e.Controller().IsPseudoprincipal(pp))
	}

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.Failed)
	requireSameRows(t, before, snapshot(t, db))

	pps, err = e.GetPseudoprincipals(ctx, *caps["1"])
	require.NoError(t, err)
	require.Empty(t, pps)

	// Revealing again finds nothing.
	res, err = e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.Equal(t, RevealResult{Success: true}, res)
}

// Ensure decorrelating one user's star wars stories leaves none of them
// linked to the user and other users untouched.
func TestDecorrelateTaggedStories(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)
	before := snapshot(t, db)

	tagged := `SELECT COUNT(*) FROM stories JOIN taggings ON taggings.story_id = stories.id
		WHERE stories.user_id = ? AND taggings.tag = ?`

	did, err := e.ApplyDisguise(ctx, db, starWarsDisguise("1"), caps["1"])
	require.NoError(t, err)
	require.Equal(t, 0, count(t, db, tagged, 1, starWars))
	require.Equal(t, testStories/2, count(t, db, tagged, 1, neutral))
	require.Equal(t, testStories/2, count(t, db, tagged, 2, neutral))
	require.Equal(t, testStories/2, count(t, db, tagged, 2, starWars))
	require.Equal(t, testUsers+testStories/2, count(t, db, `SELECT COUNT(*) FROM users`))

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, testStories/2, count(t, db, tagged, 1, starWars))
	requireSameRows(t, before, snapshot(t, db))
}

// Ensure a message removed by both participants is deleted and comes back
// whatever order the participants reveal in.
func TestSharedObjectRevealOrder(t *testing.T) {
	for _, order := range [][2]string{{"1", "2"}, {"2", "1"}} {
		order := order
		t.Run(order[0]+"-then-"+order[1], func(t *testing.T) {
			ctx := context.Background()
			db := newTestDB(t)
			e := newTestEdna(t, db, nil)
			caps := registerUsers(t, e)
			before := snapshot(t, db)

			dids := make(map[string]records.DID)
			for _, uid := range []string{"1", "2"} {
				did, err := e.ApplyDisguise(ctx, db, removeMessagesDisguise(uid), caps[uid])
				require.NoError(t, err)
				dids[uid] = did
			}
			// Messages 1 and 2 are between users 1 and 2; message 3 is
			// still owned by user 3.
			require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM messages`))
			require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM messages WHERE id = 3 AND receiver_id = 3`))

			// Deleted rows leave no entry behind.
			obj, err := e.Controller().GetSharedObject(ctx, firstMessageKey(e))
			require.NoError(t, err)
			require.Nil(t, obj)

			first, second := order[0], order[1]
			res, err := e.RevealDisguise(ctx, db, dids[first], RevealOptions{Cap: caps[first]})
			require.NoError(t, err)
			require.True(t, res.Success)
			require.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM messages`))
			require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM messages WHERE sender_id = ? OR receiver_id = ?`, second, second))

			obj, err = e.Controller().GetSharedObject(ctx, firstMessageKey(e))
			require.NoError(t, err)
			require.NotNil(t, obj)
			require.Equal(t, 1, obj.Removers())
			require.Empty(t, obj.Pending())

			res, err = e.RevealDisguise(ctx, db, dids[second], RevealOptions{Cap: caps[second]})
			require.NoError(t, err)
			require.True(t, res.Success)
			requireSameRows(t, before, snapshot(t, db))

			obj, err = e.Controller().GetSharedObject(ctx, firstMessageKey(e))
			require.NoError(t, err)
			require.Nil(t, obj)
		})
	}
}

// Ensure a message removed by one participant only is rewritten to a
// pseudoprincipal for that participant and its entry disappears with the
// reveal.
func TestSharedObjectSingleRemover(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)
	before := snapshot(t, db)

	did, err := e.ApplyDisguise(ctx, db, removeMessagesDisguise("1"), caps["1"])
	require.NoError(t, err)
	require.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM messages`))
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM messages WHERE sender_id = 1 OR receiver_id = 1`))
	require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM messages WHERE id = 1 AND receiver_id = 2`))

	obj, err := e.Controller().GetSharedObject(ctx, firstMessageKey(e))
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, 1, obj.Removers())
	require.Len(t, obj.Pending(), 1)
	// The pseudoprincipal kept for user 2 is not registered until they
	// remove the message too.
	require.False(t, e.Controller().IsPseudoprincipal(obj.Pending()[0]))
	require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM users WHERE id = ?`, obj.Pending()[0]))

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	requireSameRows(t, before, snapshot(t, db))
	require.Equal(t, testUsers, count(t, db, `SELECT COUNT(*) FROM users`))

	obj, err = e.Controller().GetSharedObject(ctx, firstMessageKey(e))
	require.NoError(t, err)
	require.Nil(t, obj)
}

// Ensure a modification of a message is recorded for both participants and
// either of them can reveal it.
func TestSharedObjectModifyRevealedByEachOwner(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)
	before := snapshot(t, db)

	redact, err := disguise.Generator("const:redacted")
	require.NoError(t, err)
	d := &disguise.Disguise{
		Name:      "redact-messages",
		Principal: "1",
		Tables: []disguise.TableDisguise{{
			Table:      "messages",
			Transforms: []disguise.Transform{{Kind: disguise.Modify, Column: "body", Generator: redact}},
		}},
	}
	did, err := e.ApplyDisguise(ctx, db, d, caps["1"])
	require.NoError(t, err)
	require.Equal(t, 2, count(t, db, `SELECT COUNT(*) FROM messages WHERE body = 'redacted'`))

	for _, uid := range []string{"1", "2"} {
		recs, err := e.Controller().RecordsForDisguise(ctx, *caps[uid], did)
		require.NoError(t, err)
		require.Len(t, recs.Diffs, 2, "user %s", uid)
	}
	recs, err := e.Controller().RecordsForDisguise(ctx, *caps["3"], did)
	require.NoError(t, err)
	require.Empty(t, recs.Diffs)

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["2"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.Revealed)
	requireSameRows(t, before, snapshot(t, db))

	// The other participant's records still apply cleanly.
	res, err = e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.Revealed)
	requireSameRows(t, before, snapshot(t, db))
}

// Ensure removing rows of a table without owner columns only touches the
// rows reachable from the principal's own rows.
func TestRemoveOwnerlessRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)
	before := snapshot(t, db)

	d := &disguise.Disguise{
		Name:      "remove-taggings",
		Principal: "1",
		Tables: []disguise.TableDisguise{{
			Table:      "taggings",
			Transforms: []disguise.Transform{{Kind: disguise.Remove}},
		}},
	}
	did, err := e.ApplyDisguise(ctx, db, d, caps["1"])
	require.NoError(t, err)
	require.Equal(t, (testUsers-1)*testStories, count(t, db, `SELECT COUNT(*) FROM taggings`))
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM taggings WHERE story_id IN (SELECT id FROM stories WHERE user_id = 1)`))

	recs, err := e.Controller().RecordsForDisguise(ctx, *caps["2"], did)
	require.NoError(t, err)
	require.Empty(t, recs.Diffs)

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, testStories, res.Revealed)
	requireSameRows(t, before, snapshot(t, db))
}

// Ensure removing stories together with their taggings removes the
// taggings first and brings both back.
func TestRemoveOwnedAndReferencingRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)
	before := snapshot(t, db)

	d := &disguise.Disguise{
		Name:      "remove-stories",
		Principal: "2",
		Tables: []disguise.TableDisguise{
			{Table: "stories", Transforms: []disguise.Transform{{Kind: disguise.Remove}}},
			{Table: "taggings", Transforms: []disguise.Transform{{Kind: disguise.Remove}}},
		},
	}
	did, err := e.ApplyDisguise(ctx, db, d, caps["2"])
	require.NoError(t, err)
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = 2`))
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM taggings WHERE story_id BETWEEN 200 AND 299`))
	require.Equal(t, (testUsers-1)*testStories, count(t, db, `SELECT COUNT(*) FROM taggings`))

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["2"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	requireSameRows(t, before, snapshot(t, db))
}

// Ensure a row owned by a pseudoprincipal whose row is gone is given back
// to the principal the pseudoprincipal speaks for.
func TestRevealThroughDeletedPseudoprincipal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)

	anon, err := e.ApplyDisguise(ctx, db, loadDisguise(t, "anon", ""), nil)
	require.NoError(t, err)

	d := &disguise.Disguise{
		Name:      "remove-stories",
		Principal: "1",
		Tables:    []disguise.TableDisguise{{Table: "stories", Transforms: []disguise.Transform{{Kind: disguise.Remove}}}},
	}
	removal, err := e.ApplyDisguise(ctx, db, d, caps["1"])
	require.NoError(t, err)
	require.Equal(t, (testUsers-1)*testStories, count(t, db, `SELECT COUNT(*) FROM stories`))

	// With the stories gone, revealing the anonymization deletes user 1's
	// pseudoprincipals.
	res, err := e.RevealDisguise(ctx, db, anon, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, testUsers+(testUsers-1)*testStories, count(t, db, `SELECT COUNT(*) FROM users`))

	res, err = e.RevealDisguise(ctx, db, removal, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, testStories, res.Revealed)
	require.Equal(t, testStories, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = 1`))

	pps, err := e.GetPseudoprincipals(ctx, *caps["1"])
	require.NoError(t, err)
	require.Empty(t, pps)
}

// Ensure a row modified after the disguise fails the reveal, keeps the
// records, and can be revealed partially afterwards.
func TestPartialRowReveal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)

	redact, err := disguise.Generator("const:redacted")
	require.NoError(t, err)
	d := &disguise.Disguise{
		Name:      "redact",
		Principal: "1",
		Tables: []disguise.TableDisguise{{
			Table:      "stories",
			Transforms: []disguise.Transform{{Kind: disguise.Modify, Column: "title", Generator: redact}},
		}},
	}
	did, err := e.ApplyDisguise(ctx, db, d, caps["1"])
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE stories SET title = 'edited' WHERE id = 100`)
	require.NoError(t, err)

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, testStories-1, res.Revealed)
	require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM stories WHERE title = 'edited'`))
	require.Equal(t, int64(1), e.Stats().FailedRows)

	// Revealed rows are left alone on retry.
	res, err = e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"], AllowPartialRowReveal: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, testStories, res.Revealed)
	require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM stories WHERE title = 'edited'`))
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE title = 'redacted'`))

	res, err = e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.Equal(t, RevealResult{Success: true}, res)
}

// Ensure an anonymization followed by a GDPR removal can be revealed in
// either order, the anonymization only once its owner is back.
func TestComposedDisguises(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)
	before := snapshot(t, db)

	anon, err := e.ApplyDisguise(ctx, db, loadDisguise(t, "anon", ""), nil)
	require.NoError(t, err)
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id <= ?`, testUsers))

	gdpr, err := e.ApplyDisguise(ctx, db, loadDisguise(t, "gdpr", "1"), caps["1"])
	require.NoError(t, err)
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM users WHERE id = 1`))

	// User 1 is gone: their stories cannot be given back yet.
	res, err := e.RevealDisguise(ctx, db, anon, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = 1`))

	res, err = e.RevealDisguise(ctx, db, gdpr, RevealOptions{Cap: caps["1"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM users WHERE id = 1`))
	// As if only the anonymization had been applied.
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id <= ?`, testUsers))
	require.Equal(t, testUsers*testStories, count(t, db, `SELECT COUNT(*) FROM stories`))

	for u := 1; u <= testUsers; u++ {
		res, err = e.RevealDisguise(ctx, db, anon, RevealOptions{Cap: caps[fmt.Sprint(u)]})
		require.NoError(t, err)
		require.True(t, res.Success, "user %d", u)
	}
	requireSameRows(t, before, snapshot(t, db))
}

// Ensure a principal registered with secret sharing reveals with a key
// recovered from either their password or their portable share.
func TestSecretSharingReveal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	before := snapshot(t, db)

	share, err := e.RegisterPrincipalSecretSharing(ctx, "1", "hunter2")
	require.NoError(t, err)
	require.NotNil(t, share)
	_, err = e.RegisterPrincipal(ctx, "2")
	require.NoError(t, err)

	require.Nil(t, e.GetPrivKey(ctx, "1", "wrong", nil))

	did, err := e.ApplyDisguise(ctx, db, loadDisguise(t, "gdpr", "1"), nil)
	require.NoError(t, err)

	fromShare := e.GetPrivKey(ctx, "1", "", share)
	require.NotNil(t, fromShare)
	fromPassword := e.GetPrivKey(ctx, "1", "hunter2", nil)
	require.NotNil(t, fromPassword)
	require.Equal(t, fromShare.PrivKey, fromPassword.PrivKey)

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: fromPassword})
	require.NoError(t, err)
	require.True(t, res.Success)
	requireSameRows(t, before, snapshot(t, db))
}

// Ensure dry-run principals reveal without any capability.
func TestDryRunReveal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	config := getTestConfig()
	config.Records.DryRun = true
	e := newTestEdna(t, db, config)
	before := snapshot(t, db)

	priv, err := e.RegisterPrincipal(ctx, "3")
	require.NoError(t, err)
	require.Nil(t, priv)

	did, err := e.ApplyDisguise(ctx, db, loadDisguise(t, "gdpr", "3"), nil)
	require.NoError(t, err)
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM users WHERE id = 3`))

	res, err := e.RevealDisguise(ctx, db, did, RevealOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	requireSameRows(t, before, snapshot(t, db))
}

// Ensure the pseudoprincipal policy decides the fate of rows created under
// a pseudoprincipal after the disguise.
func TestRevealPseudoprincipalPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy    PPType
		owned     int
		remaining int
		ppRows    int
	}{
		{PPRestore, testStories + 1, 0, 0},
		{PPDelete, testStories, 0, 0},
		{PPRetain, testStories, 1, 1},
	} {
		tc := tc
		t.Run(tc.policy.String(), func(t *testing.T) {
			ctx := context.Background()
			db := newTestDB(t)
			e := newTestEdna(t, db, nil)
			caps := registerUsers(t, e)

			d := &disguise.Disguise{
				Name:      "decorrelate-first",
				Principal: "1",
				Tables: []disguise.TableDisguise{{
					Table:      "stories",
					Transforms: []disguise.Transform{{Kind: disguise.Decorrelate, Pred: "stories.id = 100"}},
				}},
			}
			did, err := e.ApplyDisguise(ctx, db, d, caps["1"])
			require.NoError(t, err)

			pps, err := e.GetPseudoprincipals(ctx, *caps["1"])
			require.NoError(t, err)
			require.Len(t, pps, 1)
			_, err = db.Exec(`INSERT INTO stories (id, user_id, title) VALUES (999, ?, 'posted later')`, pps[0])
			require.NoError(t, err)

			res, err := e.RevealDisguise(ctx, db, did, RevealOptions{Cap: caps["1"], PPType: tc.policy})
			require.NoError(t, err)
			require.True(t, res.Success)

			require.Equal(t, tc.owned, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = 1`))
			require.Equal(t, tc.remaining, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = ?`, pps[0]))
			require.Equal(t, tc.ppRows, count(t, db, `SELECT COUNT(*) FROM users WHERE id = ?`, pps[0]))

			left, err := e.GetPseudoprincipals(ctx, *caps["1"])
			require.NoError(t, err)
			require.Len(t, left, tc.ppRows)
		})
	}
}

// Ensure pseudoprincipal policies parse from their names.
func TestParsePPType(t *testing.T) {
	for _, p := range []PPType{PPRestore, PPDelete, PPRetain} {
		got, err := ParsePPType(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	got, err := ParsePPType("")
	require.NoError(t, err)
	require.Equal(t, PPRestore, got)
	_, err = ParsePPType("keep")
	require.Error(t, err)
}

// Ensure revealing a system-wide disguise without credentials reveals
// nothing and keeps the records for their owners.
func TestRevealWithoutCredentials(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEdna(t, db, nil)
	caps := registerUsers(t, e)

	anon, err := e.ApplyDisguise(ctx, db, loadDisguise(t, "anon", ""), nil)
	require.NoError(t, err)

	res, err := e.RevealDisguise(ctx, db, anon, RevealOptions{})
	require.NoError(t, err)
	require.Equal(t, RevealResult{Success: true}, res)
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id <= ?`, testUsers))

	res, err = e.RevealDisguise(ctx, db, anon, RevealOptions{Cap: caps["2"]})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, testStories, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = 2`))
	require.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM stories WHERE user_id = 1`))
}
