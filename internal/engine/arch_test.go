package engine

import (
	"strings"
	"testing"
)

func TestParseHeadType(t *testing.T) {
	tests := []struct {
		in   string
		want HeadType
	}{
		{"linux", Hlinux},
		{"Darwin", Hdarwin},
		{"plan9", Hplan9x64},
		{"plan9x32", Hplan9x32},
		{"windows", Hwindows},
		{" openbsd ", Hopenbsd},
	}
	for _, tt := range tests {
		got, err := ParseHeadType(tt.in)
		if err != nil {
			t.Errorf("ParseHeadType(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHeadType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseHeadTypeSuggestion(t *testing.T) {
	_, err := ParseHeadType("linx")
	if err == nil {
		t.Fatal("expected error for misspelled header type")
	}
	if !strings.Contains(err.Error(), "did you mean linux") {
		t.Errorf("expected suggestion in error, got %q", err)
	}

	_, err = ParseHeadType("zzzzzzzzzz")
	if err == nil || !strings.Contains(err.Error(), "supported") {
		t.Errorf("expected list of supported header types, got %v", err)
	}
}

func TestHeadTypeStringRoundTrip(t *testing.T) {
	for _, name := range HeadTypeNames() {
		h, err := ParseHeadType(name)
		if err != nil {
			t.Fatalf("ParseHeadType(%q): %v", name, err)
		}
		if h.String() != name {
			t.Errorf("HeadType %d prints as %q, want %q", h, h.String(), name)
		}
	}
}

func TestIsELF(t *testing.T) {
	for _, h := range []HeadType{Hlinux, Hfreebsd, Hnetbsd, Hopenbsd} {
		if !h.IsELF() {
			t.Errorf("%v should be in the ELF family", h)
		}
	}
	for _, h := range []HeadType{Hplan9x32, Hplan9x64, Helf, Hdarwin, Hwindows} {
		if h.IsELF() {
			t.Errorf("%v should not be in the ELF family", h)
		}
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("x86_64-macos")
	if err != nil {
		t.Fatalf("ParsePlatform: %v", err)
	}
	if p.Arch != ArchAMD64 || p.OS != OSDarwin {
		t.Errorf("unexpected platform %v", p)
	}
	if p.HeadType() != Hdarwin {
		t.Errorf("expected darwin header type, got %v", p.HeadType())
	}
	if p.Arch.PtrSize() != 8 {
		t.Errorf("expected 8 byte pointers, got %d", p.Arch.PtrSize())
	}

	if _, err := ParsePlatform("arm64-linux"); err == nil {
		t.Error("expected error for unsupported architecture")
	}
	if _, err := ParsePlatform("amd64"); err == nil {
		t.Error("expected error for missing OS")
	}
}

func TestSuggest(t *testing.T) {
	if got := Suggest("darwn", HeadTypeNames()); got != "darwin" {
		t.Errorf("Suggest(darwn) = %q, want darwin", got)
	}
	if got := Suggest("linux", []string{"linux"}); got != "" {
		t.Errorf("exact matches are not suggestions, got %q", got)
	}
	if d := levenshteinDistance("kitten", "sitting"); d != 3 {
		t.Errorf("levenshteinDistance = %d, want 3", d)
	}
}
