package edna

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/edna-db/edna/edna/disguise"
	"github.com/edna-db/edna/edna/records"
	"github.com/edna-db/edna/edna/rows"
	"github.com/edna-db/edna/edna/sharing"
)

const (
	testUsers   = 3
	testStories = 4
	starWars    = "star wars"
	neutral     = "neutral"
)

var appTables = []string{"users", "stories", "taggings", "messages"}

func getTestConfig() *Config {
	config := NewDefaultConfig()
	config.LogSilent = true
	config.KDF = sharing.KDFParams{Time: 1, Memory: 1024, Threads: 1}
	config.Records.PaddingMax = 16
	config.MasterKeyVar = "EDNA_TEST_UNSET_MASTER_KEY"
	return config
}

// newTestDB creates the application tables and fills them with testUsers
// users owning testStories stories each, half tagged star wars, plus a few
// messages between users.
func newTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, is_anon INTEGER)`,
		`CREATE TABLE stories (id INTEGER PRIMARY KEY, user_id INTEGER, title TEXT)`,
		`CREATE TABLE taggings (id INTEGER PRIMARY KEY, story_id INTEGER, tag TEXT)`,
		`CREATE TABLE messages (id INTEGER PRIMARY KEY, sender_id INTEGER, receiver_id INTEGER, body TEXT)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	for u := 1; u <= testUsers; u++ {
		_, err := db.Exec(`INSERT INTO users (id, name, is_anon) VALUES (?, ?, 0)`, u, fmt.Sprintf("user%d", u))
		require.NoError(t, err)
		for s := 0; s < testStories; s++ {
			id := u*100 + s
			_, err := db.Exec(`INSERT INTO stories (id, user_id, title) VALUES (?, ?, ?)`, id, u, fmt.Sprintf("story %d", id))
			require.NoError(t, err)
			tag := neutral
			if s%2 == 0 {
				tag = starWars
			}
			_, err = db.Exec(`INSERT INTO taggings (id, story_id, tag) VALUES (?, ?, ?)`, id, id, tag)
			require.NoError(t, err)
		}
	}
	for i, m := range [][2]int{{1, 2}, {2, 1}, {2, 3}} {
		_, err := db.Exec(`INSERT INTO messages (id, sender_id, receiver_id, body) VALUES (?, ?, ?, ?)`,
			i+1, m[0], m[1], fmt.Sprintf("hello %d", i+1))
		require.NoError(t, err)
	}
	return db
}

func newTestEdna(t *testing.T, db *sql.DB, config *Config) *Edna {
	if config == nil {
		config = getTestConfig()
	}
	schema, err := disguise.LoadSchema("testdata/schema.yaml")
	require.NoError(t, err)
	e, err := New(config, schema, db)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// registerUsers registers every test user and returns their capabilities.
func registerUsers(t *testing.T, e *Edna) map[string]*records.Capability {
	caps := make(map[string]*records.Capability)
	for u := 1; u <= testUsers; u++ {
		uid := fmt.Sprint(u)
		priv, err := e.RegisterPrincipal(context.Background(), uid)
		require.NoError(t, err)
		caps[uid] = &records.Capability{UID: uid, PrivKey: priv}
	}
	return caps
}

func loadDisguise(t *testing.T, name, principal string) *disguise.Disguise {
	d, err := disguise.LoadDisguise("testdata/"+name+".yaml", principal)
	require.NoError(t, err)
	return d
}

// snapshot returns every application row, ordered by table and id.
func snapshot(t *testing.T, db *sql.DB) map[string][]rows.Row {
	conn := rows.NewConn(db, rows.DialectSQLite, nil)
	out := make(map[string][]rows.Row)
	for _, table := range appTables {
		rs, err := conn.Select(context.Background(), table, "")
		require.NoError(t, err)
		sort.Slice(rs, func(i, j int) bool {
			return rs[i].MustGet("id").I < rs[j].MustGet("id").I
		})
		out[table] = rs
	}
	return out
}

func requireSameRows(t *testing.T, expected, actual map[string][]rows.Row) {
	for _, table := range appTables {
		require.Len(t, actual[table], len(expected[table]), table)
		for i := range expected[table] {
			require.True(t, expected[table][i].Equal(actual[table][i]),
				"%s: expected %s, got %s", table, expected[table][i], actual[table][i])
		}
	}
}

func count(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}
