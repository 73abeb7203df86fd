package mirror

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
    path: catalog.db
source:
    kind: fake
    options:
        session: /tmp/session
download:
    root: /tmp/media
    concurrent: 8
    chunk_timeout: 45s
    skip_name_suffixes: [".mkv"]
chats: [42, -100123]
run_interval: 1h
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "catalog.db", cfg.DB.Path)
	assert.Equal(t, "fake", cfg.Source.Kind)
	assert.Equal(t, "/tmp/session", cfg.Source.Options["session"])
	assert.Equal(t, 8, cfg.Download.Concurrent)
	assert.Equal(t, 45*time.Second, cfg.Download.ChunkTimeout)
	assert.Equal(t, []string{".mkv"}, cfg.Download.SkipNameSuffixes)
	assert.Equal(t, []int64{42, -100123}, cfg.Chats)
	assert.Equal(t, time.Hour, cfg.RunInterval)

	// Unset fields get defaults.
	assert.Equal(t, 500, cfg.Sync.PageSize)
	assert.Equal(t, 5*time.Second, cfg.Download.SummaryInterval)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, filepath.Join(dir, "chats.json"), cfg.ChatListPath())
}

func TestPostProcessRequiredFields(t *testing.T) {
	cfg := &Config{}
	assert.ErrorContains(t, cfg.PostProcess(), "db.path")

	cfg.DB.Path = "catalog.db"
	assert.ErrorContains(t, cfg.PostProcess(), "download.root")

	cfg.Download.Root = "/tmp/media"
	assert.ErrorContains(t, cfg.PostProcess(), "source.kind")

	cfg.Source.Kind = "fake"
	require.NoError(t, cfg.PostProcess())
}

func TestMediaLayoutPaths(t *testing.T) {
	cfg := &Config{Download: DownloadConfig{Root: "/tmp/media"}}
	assert.Equal(t, "/tmp/media/staging/photos-by-id", cfg.StagingDir(MediaPhoto))
	assert.Equal(t, "/tmp/media/store/documents-by-id", cfg.StoreDir(MediaDocument))
	assert.Equal(t, "/tmp/media/links/-100123", cfg.LinksDir(-100123))
}

func TestWriteChatList(t *testing.T) {
	m := newTestMirror(t, newFakeSource())

	path, err := m.WriteChatList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.cfg.ChatListPath(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var chats map[string]string
	require.NoError(t, json.Unmarshal(data, &chats))
	assert.Equal(t, map[string]string{"Test Chat": "42"}, chats)
}
