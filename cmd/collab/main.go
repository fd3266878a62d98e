package main

import (
	"bufio"
	"collabmd/internal/awareness"
	"collabmd/internal/config"
	"collabmd/internal/conflict"
	"collabmd/internal/content"
	"collabmd/internal/discovery"
	"collabmd/internal/session"
	"collabmd/internal/storage"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"
)

const help = `commands:
  /show                          print the document
  /who                           list collaborators
  /status                        print connection status
  /append <text>                 append a line (plain input does the same)
  /cursor <line> <column>        publish your cursor position
  /create                        create a room from the current document
  /join <room>                   join a room
  /leave                         leave the current room
  /resolve remote|download|merge resolve a pending conflict
  /reference                     print the local copy kept by merge
  /quit                          exit`

// printer renders controller events on the terminal.
type printer struct {
	out io.Writer
}

func (p printer) RoomCreated(roomID string) {
	fmt.Fprintf(p.out, "room created: %s\n", roomID)
}

func (p printer) ContentChanged(text string) {
	fmt.Fprintf(p.out, "~ document updated (%d chars)\n", utf8.RuneCountInString(text))
}

func (p printer) StatusChanged(status session.Status) {
	fmt.Fprintf(p.out, "~ status: %s\n", status)
}

func (p printer) CollaboratorsChanged(list []awareness.Collaborator) {
	names := make([]string, 0, len(list))
	for _, c := range list {
		names = append(names, c.Name)
	}
	fmt.Fprintf(p.out, "~ collaborators: %s\n", strings.Join(names, ", "))
}

func (p printer) ConflictRaised(r *conflict.Record) {
	stats := r.Stats()
	fmt.Fprintf(p.out, "! conflict in room %s: %d lines only local, %d lines only remote\n", r.Room, stats.Added, stats.Removed)
	fmt.Fprintf(p.out, "--- local ---\n%s\n--- remote ---\n%s\n", conflict.Preview(r.Local, conflict.DefaultPreviewLines), conflict.Preview(r.Remote, conflict.DefaultPreviewLines))
	fmt.Fprintln(p.out, "! choose: /resolve remote | /resolve download | /resolve merge")
}

func (p printer) ConflictResolved(resolution conflict.Resolution) {
	fmt.Fprintf(p.out, "~ conflict resolved: %s\n", resolution)
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	name := flag.String("name", "", "Display name shown to collaborators")
	room := flag.String("room", "", "Room to join on start")
	create := flag.Bool("create", false, "Create a new room on start")
	file := flag.String("file", "", "Markdown or text file to seed the document with")
	discover := flag.Bool("discover", false, "Find a relay on the local network over mDNS")
	backupDir := flag.String("backup-dir", ".", "Directory for local backups written during conflict resolution")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	displayName := content.DisplayName(*name)
	if displayName == "" {
		displayName = awareness.DefaultName
	}

	relayURL, err := cfg.RelayURL()
	if err != nil {
		return err
	}
	if *discover {
		lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		found, err := discovery.Lookup(lookupCtx)
		cancel()
		if err != nil {
			return err
		}
		relayURL = found
	}

	store := openStore(cfg.StatePath, logger)
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	c := session.New(session.Config{
		RelayURL:     relayURL,
		Store:        store,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
		Events:       printer{out: out},
	})
	defer c.Close()

	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", *file, err)
		}
		if err := content.ValidateImport(*file, data); err != nil {
			return err
		}
		c.Edit(string(data))
	}

	fmt.Fprintf(out, "relay %s, type /help for commands\n", relayURL)
	switch {
	case *create:
		if _, err := c.CreateRoom(displayName); err != nil {
			return err
		}
	case *room != "":
		if err := c.JoinRoom(*room, displayName, false); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handle(c, displayName, *backupDir, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// openStore opens the local state file. On failure the client runs without
// prior local state.
func openStore(path string, logger *slog.Logger) *storage.BboltStorage {
	store, err := storage.NewBboltStorage(path)
	if err != nil {
		logger.Warn("local state unavailable, continuing without it", "path", path, "error", err)
		return nil
	}
	return store
}

func handle(c *session.Controller, name, backupDir, line string, out io.Writer) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "/help":
		fmt.Fprintln(out, help)
	case "/quit":
		return true, nil
	case "/show":
		fmt.Fprintln(out, c.Content())
	case "/status":
		fmt.Fprintf(out, "room=%q status=%s\n", c.RoomID(), c.Status())
	case "/who":
		for _, collab := range c.Collaborators() {
			cursor := "-"
			if collab.Cursor != nil {
				cursor = fmt.Sprintf("%d:%d", collab.Cursor.Line, collab.Cursor.Column)
			}
			fmt.Fprintf(out, "%s %s cursor %s\n", collab.Color, collab.Name, cursor)
		}
	case "/cursor":
		l, col, _ := strings.Cut(arg, " ")
		lineNo, err1 := strconv.Atoi(l)
		colNo, err2 := strconv.Atoi(strings.TrimSpace(col))
		if err := errors.Join(err1, err2); err != nil {
			return false, fmt.Errorf("usage: /cursor <line> <column>")
		}
		c.SetCursor(&awareness.Position{Line: lineNo, Column: colNo}, nil)
	case "/create":
		_, err := c.CreateRoom(name)
		return false, err
	case "/join":
		return false, c.JoinRoom(arg, name, false)
	case "/leave":
		c.LeaveRoom()
	case "/reference":
		fmt.Fprintln(out, c.Reference())
	case "/resolve":
		switch arg {
		case "remote":
			return false, c.UseRemote()
		case "download":
			path, err := c.DownloadLocalThenUseRemote(backupDir)
			if err != nil {
				return false, err
			}
			fmt.Fprintf(out, "local copy saved to %s\n", path)
		case "merge":
			return false, c.MergeManually()
		default:
			return false, fmt.Errorf("usage: /resolve remote|download|merge")
		}
	case "/append":
		appendLine(c, arg)
	default:
		if strings.HasPrefix(cmd, "/") {
			return false, fmt.Errorf("unknown command %s, try /help", cmd)
		}
		appendLine(c, line)
	}
	return false, nil
}

func appendLine(c *session.Controller, text string) {
	current := c.Content()
	if current != "" && !strings.HasSuffix(current, "\n") {
		text = "\n" + text
	}
	c.Insert(utf8.RuneCountInString(current), text)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "collab: %v\n", err)
		os.Exit(1)
	}
}
