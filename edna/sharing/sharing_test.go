package sharing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testParams = KDFParams{Time: 1, Memory: 1024, Threads: 1}

// Ensure any two of the three points recover the same secret.
func TestRecoverFromAnyTwoPoints(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	require.Len(t, secret, 32)

	split, err := SplitSecret(secret, "hunter2", testParams)
	require.NoError(t, err)

	pw, err := PasswordPoint("hunter2", split.Salt, testParams)
	require.NoError(t, err)

	got, err := Recover(pw, split.Server)
	require.NoError(t, err)
	require.Equal(t, secret, got)

	got, err = Recover(split.Server, split.Portable)
	require.NoError(t, err)
	require.Equal(t, secret, got)

	got, err = Recover(pw, split.Portable)
	require.NoError(t, err)
	require.Equal(t, secret, got)
}

// Ensure a wrong password yields a different secret and a single point
// yields none.
func TestRecoverFailures(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	split, err := SplitSecret(secret, "hunter2", testParams)
	require.NoError(t, err)

	wrong, err := PasswordPoint("hunter3", split.Salt, testParams)
	require.NoError(t, err)
	got, err := Recover(wrong, split.Server)
	require.NoError(t, err)
	require.NotEqual(t, secret, got)

	_, err = Recover(split.Server)
	require.Error(t, err)

	// Duplicate points do not count twice.
	_, err = Recover(split.Server, split.Server)
	require.Error(t, err)

	_, err = Recover(Point{Index: 0, Value: []byte{1}}, split.Server)
	require.Error(t, err)
}
