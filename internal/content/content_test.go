package content

import (
	"bytes"
	"errors"
	"regexp"
	"testing"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Alice", "Alice"},
		{"Surrounding space", "  Bob  ", "Bob"},
		{"Inner whitespace", "Ada \t Lovelace", "Ada Lovelace"},
		{"HTML tags", "<b>Eve</b>", "Eve"},
		{"Script tag", "<script>alert('xss')</script>Mallory", "Mallory"},
		{"Emoji", "I am 🤖", "I am 🤖"},
		{"Empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(tt.input); got != tt.expected {
				t.Errorf("DisplayName() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDisplayNameLength(t *testing.T) {
	long := string(bytes.Repeat([]byte("a"), 100))
	if got := DisplayName(long); len(got) != maxNameLength {
		t.Errorf("DisplayName() length = %d, want %d", len(got), maxNameLength)
	}
}

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Generated", "k3x9a0zq", false},
		{"Default room", "default", false},
		{"With dash", "team-notes", false},
		{"Empty", "", true},
		{"Slash", "a/b", true},
		{"Space", "my room", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRoomID(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-z]{8}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		if !pattern.MatchString(id) {
			t.Fatalf("NewRoomID() = %q, not 8 base36 characters", id)
		}
		if err := ValidateRoomID(id); err != nil {
			t.Fatalf("generated id rejected: %v", err)
		}
		seen[id] = struct{}{}
	}
	if len(seen) < 99 {
		t.Errorf("expected distinct ids, got %d unique of 100", len(seen))
	}
}

func TestValidateImport(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

	tests := []struct {
		name    string
		file    string
		data    []byte
		wantErr bool
	}{
		{"Markdown", "notes.md", []byte("# Notes\n"), false},
		{"Markdown long ext", "README.MARKDOWN", []byte("text"), false},
		{"Plain text", "todo.txt", []byte("- milk"), false},
		{"Empty file", "empty.md", nil, false},
		{"Wrong extension", "image.png", []byte("# Notes"), true},
		{"Binary disguised", "evil.md", png, true},
		{"Invalid utf8", "latin1.txt", []byte{0xff, 0xfe, 0x41}, true},
		{"Too large", "big.md", bytes.Repeat([]byte("a"), MaxImportSize+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImport(tt.file, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateImport() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidImport) {
				t.Errorf("expected ErrInvalidImport, got %v", err)
			}
		})
	}
}
