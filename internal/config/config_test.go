package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.UpdateInterval)
	assert.Equal(t, FilterAll, cfg.ContentFilter)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	in := DefaultConfig()
	in.UpdateInterval = 120
	in.FontSize = 28
	in.ContentFilter = FilterSFW
	in.ShowAuthor = false
	in.DisplayBrightness = 55
	require.NoError(t, Save(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, out.UpdateInterval)
	assert.Equal(t, 28, out.FontSize)
	assert.Equal(t, FilterSFW, out.ContentFilter)
	assert.False(t, out.ShowAuthor)
	assert.Equal(t, 55, out.DisplayBrightness)
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := &Config{
		UpdateInterval:    -5,
		FontSize:          0,
		ContentFilter:     "everything",
		DisplayBrightness: 250,
	}
	cfg.Normalize()

	assert.Equal(t, 600, cfg.UpdateInterval)
	assert.Equal(t, 40, cfg.FontSize)
	assert.Equal(t, FilterAll, cfg.ContentFilter)
	assert.Equal(t, 100, cfg.DisplayBrightness)
	assert.NotEmpty(t, cfg.Listen)
	assert.NotEmpty(t, cfg.QuotesPath)
}

func TestBrightnessZeroIsPreserved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DisplayBrightness = 0
	cfg.Normalize()
	assert.Equal(t, 0, cfg.DisplayBrightness)

	// And it survives the trip through the file.
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, cfg))
	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, out.DisplayBrightness)

	neg := DefaultConfig()
	neg.DisplayBrightness = -3
	neg.Normalize()
	assert.Equal(t, 0, neg.DisplayBrightness)
}

func TestLoadDefaultsMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("font_size: 24\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.FontSize)
	// Keys absent from the file take the defaults, not the zero values.
	assert.Equal(t, 100, cfg.DisplayBrightness)
	assert.Equal(t, 600, cfg.UpdateInterval)
}

func TestStoreSnapshotKeepsLastGoodOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := DefaultConfig()
	initial.UpdateInterval = 90
	require.NoError(t, Save(path, initial))

	store := NewStore(path, initial)

	// Corrupt the file; Snapshot must fall back to the previous config.
	require.NoError(t, os.WriteFile(path, []byte("update_interval: [1, 2\n"), 0o600))
	cfg, err := store.Snapshot()
	require.Error(t, err)
	assert.Equal(t, 90, cfg.UpdateInterval)

	// Repair it; the next snapshot picks up the new values.
	repaired := DefaultConfig()
	repaired.UpdateInterval = 300
	require.NoError(t, Save(path, repaired))
	cfg, err = store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.UpdateInterval)
}

func TestStoreReplacePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewStore(path, DefaultConfig())

	next := DefaultConfig()
	next.FontSize = 64
	require.NoError(t, store.Replace(next))

	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, onDisk.FontSize)
	assert.Equal(t, 64, store.Current().FontSize)
}
