package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	src := t.TempDir()
	cfgPath := filepath.Join(src, "config.yaml")
	dbPath := filepath.Join(src, "usage.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte("general:\n  logLevel: debug\n"), 0o600))
	require.NoError(t, os.WriteFile(dbPath, []byte("sqlite bytes"), 0o600))
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("wal bytes"), 0o600))

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, writeArchive(archive, []archiveEntry{
		{path: cfgPath, name: "config.yaml"},
		{path: dbPath, name: "usage.db"},
		{path: dbPath + "-wal", name: "usage.db-wal"},
	}))

	dst := t.TempDir()
	newCfg := filepath.Join(dst, "threadsage.yaml")
	newDB := filepath.Join(dst, "data", "ledger.db")
	restored, err := extractArchive(archive, newCfg, newDB)
	require.NoError(t, err)
	assert.Equal(t, []string{newCfg, newDB, newDB + "-wal"}, restored)

	got, err := os.ReadFile(newDB + "-wal")
	require.NoError(t, err)
	assert.Equal(t, "wal bytes", string(got))
	got, err = os.ReadFile(newCfg)
	require.NoError(t, err)
	assert.Contains(t, string(got), "logLevel: debug")
}

func TestIsSecretPath(t *testing.T) {
	assert.True(t, isSecretPath("slack.botToken"))
	assert.True(t, isSecretPath("providers.openai.apiKey"))
	assert.True(t, isSecretPath("slack.signingSecret"))
	assert.False(t, isSecretPath("general.logLevel"))
}
