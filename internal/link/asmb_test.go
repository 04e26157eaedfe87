package link

import (
	"testing"

	"github.com/xyproto/l67/internal/engine"
)

func TestRnd(t *testing.T) {
	tests := []struct {
		v, r, want int64
	}{
		{-5, 16, -16},
		{17, 16, 32},
		{0, 0, 0},
		{16, 16, 16},
		{0, 4096, 0},
		{1, 4096, 4096},
		{-16, 16, -16},
		{-17, 16, -32},
		{7, -8, 7},
	}
	for _, tt := range tests {
		if got := Rnd(tt.v, tt.r); got != tt.want {
			t.Errorf("Rnd(%d, %d) = %d, want %d", tt.v, tt.r, got, tt.want)
		}
	}
}

// TestRndAlignmentLaw checks that Rnd returns the nearest multiple of r in
// the rounding direction
func TestRndAlignmentLaw(t *testing.T) {
	for _, r := range []int64{1, 2, 8, 16, 0x200, 4096} {
		for v := int64(-3 * r); v <= 3*r; v++ {
			got := Rnd(v, r)
			if got%r != 0 {
				t.Fatalf("Rnd(%d, %d) = %d is not a multiple", v, r, got)
			}
			if v >= 0 && (got < v || got >= v+r) {
				t.Fatalf("Rnd(%d, %d) = %d does not round up", v, r, got)
			}
			if v < 0 && (got > v || got <= v-r) {
				t.Fatalf("Rnd(%d, %d) = %d does not round down", v, r, got)
			}
		}
	}
}

func TestEntryValueNumeric(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	l.InitEntry = "0x401000"
	if v := l.EntryValue(); v != 0x401000 {
		t.Errorf("Expected 0x401000, got %#x", v)
	}
	if l.ROLookup("0x401000") != nil {
		t.Error("A numeric entry must not create a symbol")
	}

	l.InitEntry = "4198400"
	if v := l.EntryValue(); v != 4198400 {
		t.Errorf("Expected 4198400, got %d", v)
	}
}

func TestEntryValueSymbol(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	start := textSym(l, "_start", 0xc3)
	start.Value = 0x401234
	l.InitEntry = "_start"
	if v := l.EntryValue(); v != 0x401234 {
		t.Errorf("Expected 0x401234, got %#x", v)
	}
}

func TestEntryValueMissingSymbol(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	l.InitEntry = "nosuchsym"
	if v := l.EntryValue(); v != l.InitText {
		t.Errorf("Expected INITTEXT %#x, got %#x", l.InitText, v)
	}
	if l.Diag.HasErrors() {
		t.Error("A missing entry symbol is not a diagnostic")
	}
}

func TestEntryValueNotText(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	d := l.Lookup("datum")
	d.AddUint64(0)
	d.Value = 0x600000
	l.InitEntry = "datum"

	v := l.EntryValue()
	if l.Diag.CountCategory(CategoryInconsistentSymbol) != 1 {
		t.Errorf("Expected one diagnostic, got:\n%s", l.Diag.Report(false))
	}
	if d := l.Diag.All(); len(d) == 1 && d[0].Message != "entry not text: datum" {
		t.Errorf("Unexpected message %q", d[0].Message)
	}
	if v == l.InitText {
		t.Error("A non-text entry must not silently become INITTEXT")
	}
}

func TestNewLinkDefaults(t *testing.T) {
	tests := []struct {
		h                    engine.HeadType
		headr, text, initRnd int64
	}{
		{engine.Hplan9x32, 32, 4096 + 32, 4096},
		{engine.Hplan9x64, 40, 0x200000 + 40, 0x200000},
		{engine.Hdarwin, 4096, 4096 + 4096, 4096},
		{engine.Hlinux, elfReserve, (1 << 22) + elfReserve, 4096},
		{engine.Hwindows, peFileHeadr, peBase + peSectHeadr, peSectAlign},
	}
	for _, tt := range tests {
		l := newTestLink(tt.h)
		if l.Headr != tt.headr || l.InitText != tt.text || l.InitRnd != tt.initRnd {
			t.Errorf("%v: got headr %d text %#x rnd %#x", tt.h, l.Headr, l.InitText, l.InitRnd)
		}
	}

	opts := DefaultOptions()
	opts.InitText = 0x10000
	opts.InitRnd = 0x1000
	if l := NewLink(opts); l.InitText != 0x10000 || l.InitRnd != 0x1000 {
		t.Error("Explicit -T and -R must win over the defaults")
	}
	if l := newTestLink(engine.Hfreebsd); l.Interpreter != "/libexec/ld-elf.so.1" {
		t.Errorf("Unexpected interpreter %s", l.Interpreter)
	}
}
