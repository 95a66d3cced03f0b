package util

import (
	"os"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/afero"
)

func TestTruncateANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxWidth int
		want     string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 8, "hello..."},
		{"tiny width", "hello", 2, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateANSI(tt.input, tt.maxWidth); got != tt.want {
				t.Errorf("TruncateANSI(%q, %d) = %q, want %q", tt.input, tt.maxWidth, got, tt.want)
			}
		})
	}

	styled := lipgloss.NewStyle().Bold(true).Render("a long styled string")
	if w := lipgloss.Width(TruncateANSI(styled, 10)); w > 10 {
		t.Errorf("styled truncation width = %d, want <= 10", w)
	}
}

func TestTruncateMiddle(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"character/aldwin/portrait/v0@0123456789abcdef", 15, "charac...abcdef"},
		{"abcdef", 3, "..."},
	}
	for _, tt := range tests {
		if got := TruncateMiddle(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("TruncateMiddle(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "runs/r1/state.json"

	type doc struct {
		Phase string `json:"phase"`
	}
	if err := WriteJSONAtomic(fs, path, doc{Phase: "staged"}); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}
	if err := WriteJSONAtomic(fs, path, doc{Phase: "submitted"}); err != nil {
		t.Fatalf("second WriteJSONAtomic failed: %v", err)
	}

	var got doc
	if err := ReadJSON(fs, path, &got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Phase != "submitted" {
		t.Errorf("Phase = %q, want submitted", got.Phase)
	}
	if ok, _ := afero.Exists(fs, path+".tmp"); ok {
		t.Error("temp file left behind")
	}

	if err := ReadJSON(fs, "missing.json", &got); !os.IsNotExist(err) {
		t.Errorf("ReadJSON(missing) = %v, want not-exist", err)
	}
}
