package flags

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlags(t *testing.T) *Flags {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestSetIsNoOpOnValueEquality(t *testing.T) {
	f := newTestFlags(t)
	now := time.Unix(100, 0)

	first, err := f.Set(types.FlagPaused, "true", "tpp", now)
	require.NoError(t, err)
	assert.Equal(t, now.UnixNano(), first.Timestamp)

	later := now.Add(time.Hour)
	second, err := f.Set(types.FlagPaused, "true", "tpp", later)
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, second.Timestamp, "timestamp must be preserved when value is unchanged")
}

func TestDBMaintenanceIsDisjunction(t *testing.T) {
	f := newTestFlags(t)
	now := time.Unix(0, 0)

	on, err := f.DBMaintenance("tpp")
	require.NoError(t, err)
	assert.False(t, on)

	_, err = f.Set(types.FlagManualDBMaintenance, "on", "tpp", now)
	require.NoError(t, err)

	on, err = f.DBMaintenance("tpp")
	require.NoError(t, err)
	assert.True(t, on)
}

func TestHeaderJSONIncludesAllRecognisedFlags(t *testing.T) {
	f := newTestFlags(t)
	now := time.Unix(0, 0)
	_, err := f.Set(types.FlagPaused, "true", "tpp", now)
	require.NoError(t, err)

	js, err := f.HeaderJSON("tpp")
	require.NoError(t, err)
	assert.Contains(t, js, `"paused":{"v":"true"`)
	assert.Contains(t, js, `"mode":{`)
}
