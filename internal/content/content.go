package content

import (
	"crypto/rand"
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxImportSize = 2 << 20
	RoomIDLength  = 8
	maxNameLength = 64
)

var (
	policy      = bluemonday.StrictPolicy()
	roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

	importExtensions = []string{".md", ".markdown", ".txt"}

	ErrInvalidImport = errors.New("invalid import")
)

// DisplayName strips markup and surrounding whitespace from a user supplied
// name and caps its length.
func DisplayName(input string) string {
	name := strings.Join(strings.Fields(html.UnescapeString(policy.Sanitize(input))), " ")
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	return name
}

// ValidateRoomID checks that the id is non-empty and only uses
// alphanumeric, dot, dash and underscore characters.
func ValidateRoomID(id string) error {
	if id == "" {
		return errors.New("room id cannot be empty")
	}
	if !roomIDRegex.MatchString(id) {
		return errors.New("room id contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRoomID returns a short random lowercase alphanumeric room identifier.
func NewRoomID() string {
	buf := make([]byte, RoomIDLength)
	// 252 is the largest multiple of 36 below 256
	out := make([]byte, 0, RoomIDLength)
	for len(out) < RoomIDLength {
		_, _ = rand.Read(buf)
		for _, b := range buf {
			if b >= 252 {
				continue
			}
			out = append(out, base36[int(b)%len(base36)])
			if len(out) == RoomIDLength {
				break
			}
		}
	}
	return string(out)
}

// ValidateImport accepts markdown or plain text files up to MaxImportSize.
func ValidateImport(name string, data []byte) error {
	ext := strings.ToLower(filepath.Ext(name))
	allowed := false
	for _, e := range importExtensions {
		if ext == e {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: unsupported file type %q (allowed: %s)", ErrInvalidImport, ext, strings.Join(importExtensions, ", "))
	}
	if len(data) > MaxImportSize {
		return fmt.Errorf("%w: file is %d bytes, limit is %d", ErrInvalidImport, len(data), MaxImportSize)
	}
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return fmt.Errorf("%w: binary content detected (%s)", ErrInvalidImport, kind.MIME.Value)
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("%w: file is not valid UTF-8", ErrInvalidImport)
	}
	return nil
}
