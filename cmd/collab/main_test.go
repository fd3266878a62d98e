package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"collabmd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	c := session.New(session.Config{RelayURL: "ws://127.0.0.1:1"})
	defer c.Close()
	var out bytes.Buffer

	for _, line := range []string{"# Notes", "/append first", "  indented"} {
		quit, err := handle(c, "alice", t.TempDir(), line, &out)
		require.NoError(t, err)
		assert.False(t, quit)
	}
	assert.Equal(t, "# Notes\nfirst\n  indented", c.Content())

	_, err := handle(c, "alice", "", "/resolve remote", &out)
	assert.ErrorIs(t, err, session.ErrNoConflict)

	_, err = handle(c, "alice", "", "/resolve later", &out)
	assert.Error(t, err)

	_, err = handle(c, "alice", "", "/cursor x", &out)
	assert.Error(t, err)

	_, err = handle(c, "alice", "", "/bogus", &out)
	assert.Error(t, err)

	_, err = handle(c, "alice", "", "/join bad room", &out)
	assert.ErrorIs(t, err, session.ErrInvalidRoom)

	out.Reset()
	_, err = handle(c, "alice", "", "/status", &out)
	require.NoError(t, err)
	assert.Equal(t, "room=\"\" status=disconnected\n", out.String())

	quit, err := handle(c, "alice", "", "/quit", &out)
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestOpenStore(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	path := filepath.Join(t.TempDir(), "collab.db")
	store := openStore(path, logger)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })

	assert.Nil(t, openStore(filepath.Join(t.TempDir(), "missing", "collab.db"), logger))
	assert.Contains(t, logs.String(), "local state unavailable")

	// a store without a file still joins and keeps the editor content
	c := session.New(session.Config{
		RelayURL:     "ws://127.0.0.1:1",
		Store:        openStore(filepath.Join(t.TempDir(), "missing", "collab.db"), logger),
		FetchTimeout: 200 * time.Millisecond,
	})
	defer c.Close()
	c.Edit("draft")
	require.NoError(t, c.JoinRoom("room", "alice", false))
	assert.Equal(t, "draft", c.Content())
}
