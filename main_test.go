package main

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyEncoding(t *testing.T) {
	testCases := []struct {
		testCase string
		input    string
		want     []byte
		err      bool
	}{
		{"Plain key", "AQID", []byte{1, 2, 3}, false},
		{"Key with trailing newline", "AQID\n", []byte{1, 2, 3}, false},
		{"Key with surrounding spaces", "  AQID ", []byte{1, 2, 3}, false},
		{"Padded standard encoding", "AQI=", nil, true},
		{"Garbage", "not a key!", nil, true},
	}
	for _, tc := range testCases {
		t.Run(tc.testCase, func(t *testing.T) {
			got, err := decodeKey(tc.input)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, "AQID", encodeKey(got))
		})
	}
}

// Ensure secrets are written atomically and read back trimmed.
func TestWriteReadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, writeSecret(path, "first"))
	require.NoError(t, writeSecret(path, "second"))
	got, err := readSecret(path)
	require.NoError(t, err)
	require.Equal(t, "second", got)

	_, err = readSecret(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

// Ensure the CLI registers a principal and applies a disguise against a
// sqlite database.
func TestCLIRegisterApply(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "app.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, is_anon INTEGER)`,
		`CREATE TABLE stories (id INTEGER PRIMARY KEY, user_id INTEGER, title TEXT)`,
		`CREATE TABLE taggings (id INTEGER PRIMARY KEY, story_id INTEGER, tag TEXT)`,
		`CREATE TABLE messages (id INTEGER PRIMARY KEY, sender_id INTEGER, receiver_id INTEGER, body TEXT)`,
		`INSERT INTO users (id, name, is_anon) VALUES (1, 'alice', 0)`,
		`INSERT INTO stories (id, user_id, title) VALUES (10, 1, 'hello')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	global := []string{"edna", "--dsn", dsn, "--schema", "edna/testdata/schema.yaml", "--level", "error"}
	run := func(args ...string) error {
		return newApp().Run(append(append([]string{}, global...), args...))
	}

	key := filepath.Join(dir, "alice.key")
	require.NoError(t, run("register", "--uid", "1", "--out", key))
	require.Error(t, run("register", "--uid", "1"))
	require.Error(t, run("register"))

	require.NoError(t, run("apply", "--uid", "1", "--key", key, "--disguise", "edna/testdata/gdpr.yaml"))
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users WHERE id = 1`).Scan(&n))
	require.Equal(t, 0, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM stories WHERE user_id = 1`).Scan(&n))
	require.Equal(t, 0, n)

	require.NoError(t, run("pseudoprincipals", "--uid", "1", "--key", key))
	require.NoError(t, run("overhead"))
	require.Error(t, run("reveal", "--did", "not-a-number"))
}
