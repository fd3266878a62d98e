package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		local    string
		remote   string
		conflict bool
	}{
		{"Divergent", "# Title\nLocal edit", "# Title\nRemote edit", true},
		{"Equal", "# Title\nSame", "# Title\nSame", false},
		{"Empty local", "", "remote", false},
		{"Blank local", "  \n\t", "remote", false},
		{"Empty remote", "local", "", false},
		{"Whitespace only difference", "text", "text\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := Detect("abc123", tt.local, tt.remote)
			assert.Equal(t, tt.conflict, ok)
			if !tt.conflict {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, "abc123", rec.Room)
			assert.Equal(t, tt.local, rec.Local)
			assert.Equal(t, tt.remote, rec.Remote)
		})
	}
}

func TestDiff(t *testing.T) {
	stats := Diff("# Title\nLocal edit\nshared", "# Title\nRemote edit\nshared\nextra")
	assert.Equal(t, DiffStats{Added: 1, Removed: 2, LocalLines: 3, RemoteLines: 4}, stats)
}

func TestPreview(t *testing.T) {
	short := "a\nb"
	assert.Equal(t, short, Preview(short, DefaultPreviewLines))

	lines := make([]string, 60)
	for i := range lines {
		lines[i] = fmt.Sprintf("row %d", i)
	}
	got := Preview(strings.Join(lines, "\n"), DefaultPreviewLines)
	want := strings.Join(lines[:50], "\n") + "\n\n... (10 more lines)"
	assert.Equal(t, want, got)
	assert.Equal(t, 50, strings.Count(got, "row "))
}

func TestBackupName(t *testing.T) {
	ts := time.Date(2026, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "abc123-local-20260309-140507.md", BackupName("abc123", ts))
}

func TestWriteBackup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	rec := &Record{Room: "abc123", Local: "# Mine\n", Remote: "# Theirs\n"}
	ts := time.Date(2026, 3, 9, 14, 5, 7, 0, time.UTC)

	path, err := WriteBackup(dir, rec, ts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc123-local-20260309-140507.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Mine\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
