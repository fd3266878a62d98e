// Package conflict detects divergence between a client's local content and
// the room's remote content at join time and summarizes it for the user.
package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultPreviewLines = 50

type Resolution string

const (
	UseRemote     Resolution = "use_remote"
	DownloadLocal Resolution = "download_local"
	MergeManually Resolution = "merge_manually"
)

// Record holds both sides of a divergence verbatim.
type Record struct {
	Room   string
	Local  string
	Remote string
}

// Detect reports a conflict when both snapshots hold content and differ.
func Detect(room, local, remote string) (*Record, bool) {
	if strings.TrimSpace(local) == "" || strings.TrimSpace(remote) == "" {
		return nil, false
	}
	if local == remote {
		return nil, false
	}
	return &Record{Room: room, Local: local, Remote: remote}, true
}

type DiffStats struct {
	Added       int
	Removed     int
	LocalLines  int
	RemoteLines int
}

// Diff counts lines present on one side only. It is a coarse summary, not a patch.
func Diff(local, remote string) DiffStats {
	localLines := strings.Split(local, "\n")
	remoteLines := strings.Split(remote, "\n")

	localSet := make(map[string]struct{}, len(localLines))
	for _, l := range localLines {
		localSet[l] = struct{}{}
	}
	remoteSet := make(map[string]struct{}, len(remoteLines))
	for _, l := range remoteLines {
		remoteSet[l] = struct{}{}
	}

	stats := DiffStats{LocalLines: len(localLines), RemoteLines: len(remoteLines)}
	for _, l := range localLines {
		if _, ok := remoteSet[l]; !ok {
			stats.Added++
		}
	}
	for _, l := range remoteLines {
		if _, ok := localSet[l]; !ok {
			stats.Removed++
		}
	}
	return stats
}

func (r *Record) Stats() DiffStats {
	return Diff(r.Local, r.Remote)
}

// Preview truncates content to maxLines and notes how many lines were cut.
func Preview(content string, maxLines int) string {
	lines := strings.Split(content, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return content
	}
	return fmt.Sprintf("%s\n\n... (%d more lines)", strings.Join(lines[:maxLines], "\n"), len(lines)-maxLines)
}

func BackupName(room string, t time.Time) string {
	return fmt.Sprintf("%s-local-%s.md", room, t.Format("20060102-150405"))
}

// WriteBackup saves the local side of r into dir and returns the file path.
func WriteBackup(dir string, r *Record, t time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, BackupName(r.Room, t))

	tmp, err := os.CreateTemp(dir, "backup-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.WriteString(r.Local); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename backup: %w", err)
	}
	return path, nil
}
