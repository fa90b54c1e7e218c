package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
)

func sampleState(t *testing.T) model.CheckpointState {
	t.Helper()
	dates, err := model.ParseDateRange("01/01/2024", "31/03/2024")
	require.NoError(t, err)
	now := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	st := model.NewCheckpointState("job-1", dates, now)
	st.MarkPage(model.PhaseMasterData, "items", 1, 100, now)
	st.MarkPage(model.PhaseMasterData, "items", 2, 100, now)
	return st
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs := NewCheckpointStore(filepath.Join(dir, "nested", "puller.checkpoint.json"))

	got, err := cs.Load()
	require.NoError(t, err)
	assert.Nil(t, got, "absent checkpoint is not an error")

	st := sampleState(t)
	require.NoError(t, cs.Save(st))
	assert.True(t, cs.Exists())

	got, err = cs.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 2, got.Progress("items").LastPage)
	assert.Equal(t, 200, got.Records)
	assert.Equal(t, model.CheckpointSchemaVersion, got.SchemaVersion)

	entries, err := os.ReadDir(filepath.Dir(cs.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCheckpointOverwriteKeepsLatest(t *testing.T) {
	cs := NewCheckpointStore(filepath.Join(t.TempDir(), "cp.json"))
	st := sampleState(t)
	require.NoError(t, cs.Save(st))
	st.MarkPage(model.PhaseMasterData, "items", 3, 40, time.Now())
	require.NoError(t, cs.Save(st))

	got, err := cs.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, got.Progress("items").LastPage)
	assert.Equal(t, 240, got.Records)
}

func TestCheckpointCorruptionIsFatal(t *testing.T) {
	cases := map[string]func(t *testing.T, path string){
		"truncated": func(t *testing.T, path string) {
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0644))
		},
		"tampered": func(t *testing.T, path string) {
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			tampered := []byte(string(data))
			for i := range tampered {
				if tampered[i] == '2' {
					tampered[i] = '9'
					break
				}
			}
			require.NoError(t, os.WriteFile(path, tampered, 0644))
		},
		"garbage": func(t *testing.T, path string) {
			require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))
		},
		"wrong version": func(t *testing.T, path string) {
			require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":99,"checksum":"","state":{}}`), 0644))
		},
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			cs := NewCheckpointStore(filepath.Join(t.TempDir(), "cp.json"))
			require.NoError(t, cs.Save(sampleState(t)))
			corrupt(t, cs.Path())

			got, err := cs.Load()
			assert.Nil(t, got)
			require.Error(t, err)
			assert.True(t, pullerr.IsFatal(err))
			assert.ErrorIs(t, err, pullerr.ErrCorruptCheckpoint)
		})
	}
}

func TestCheckpointClearIsIdempotent(t *testing.T) {
	cs := NewCheckpointStore(filepath.Join(t.TempDir(), "cp.json"))
	require.NoError(t, cs.Save(sampleState(t)))
	require.NoError(t, cs.Clear())
	require.NoError(t, cs.Clear())
	assert.False(t, cs.Exists())
}
