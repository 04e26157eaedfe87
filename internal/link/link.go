// Package link is the amd64 back-end of the l67 linker: relocation
// classification, dynamic symbol/PLT/GOT synthesis and image assembly.
package link

import (
	"fmt"
	"os"
	"time"

	"github.com/xyproto/l67/internal/engine"
)

const (
	PtrSize = 8

	// ELF header space reserved in front of the text segment
	elfReserve = 3072

	machoHeaderReserve = 4096

	peBase      = 0x400000
	peSectAlign = 0x1000
	peFileAlign = 0x200
	peFileHeadr = 0x400
	peSectHeadr = 0x1000
)

// DynImport describes a symbol that the dynamic loader resolves at load time
type DynImport struct {
	Name    string // name inside the link
	ImpName string // name in the shared library, defaults to Name
	Lib     string // shared library, may be empty
}

// Options holds the configuration of one link
type Options struct {
	HeadType engine.HeadType

	// -1 selects the default for the header type
	InitText int64
	InitDat  int64
	InitRnd  int64

	// Entry symbol, or a numeric address
	InitEntry string

	SuppressSymbols bool // -s
	IsObj           bool // emit relocations for an incremental link
	Shared          bool // position independent data: R_X86_64_RELATIVE for data pointers
	NDynExp         int  // number of pre-sorted Mach-O exports

	Interpreter string

	DynImports []DynImport
	DynExports []string
	DynLibs    []string

	Verbose   bool
	MaxErrors int
}

// DefaultOptions returns options for a linux executable
func DefaultOptions() Options {
	return Options{
		HeadType:  engine.Hlinux,
		InitText:  -1,
		InitDat:   -1,
		InitRnd:   -1,
		InitEntry: "_rt0_amd64",
	}
}

// DebugEmitter writes debug sections at the current output position
type DebugEmitter interface {
	EmitDebugSections(out *OutBuf) error
}

// DebugFunc lets an ordinary function serve as a DebugEmitter
type DebugFunc func(out *OutBuf) error

func (f DebugFunc) EmitDebugSections(out *OutBuf) error {
	return f(out)
}

// Link is the state of one link invocation. Every symbol, relocation and
// segment belongs to it.
type Link struct {
	Options

	Headr int64

	Diag  *Diagnostics
	Debug DebugEmitter

	Segtext  Segment
	Segdata  Segment
	Segdwarf Segment

	// MachoDylibs lists the libraries recorded for LC_LOAD_DYLIB, in registration order
	MachoDylibs []string

	Symsize int64
	Spsize  int64
	Lcsize  int64

	syms    map[string]*Symbol
	allsyms []*Symbol
	cursym  *Symbol
	nelfsym int32

	out       *OutBuf
	linkoff   int64
	machlink  int64
	elfsyms   elfSymtab
	elfstrdat []byte
	start     time.Time
}

// NewLink creates a link session. Header-type dependent defaults are
// filled in the way 6l does in its main.
func NewLink(opts Options) *Link {
	l := &Link{
		Options: opts,
		Diag:    NewDiagnostics(opts.MaxErrors),
		syms:    make(map[string]*Symbol),
		nelfsym: 1,
		start:   time.Now(),
	}

	defaults := func(headr, text, rnd int64) {
		l.Headr = headr
		if l.InitText == -1 {
			l.InitText = text
		}
		if l.InitDat == -1 {
			l.InitDat = 0
		}
		if l.InitRnd == -1 {
			l.InitRnd = rnd
		}
	}

	switch l.HeadType {
	case engine.Hplan9x32:
		defaults(32, 4096+32, 4096)
	case engine.Hplan9x64:
		defaults(32+8, 0x200000+32+8, 0x200000)
	case engine.Helf:
		defaults(Rnd(52+3*32, 16), 0x80020000, 4096)
	case engine.Hdarwin:
		defaults(machoHeaderReserve, 4096+machoHeaderReserve, 4096)
	case engine.Hlinux, engine.Hfreebsd, engine.Hnetbsd, engine.Hopenbsd:
		defaults(elfReserve, (1<<22)+elfReserve, 4096)
	case engine.Hwindows:
		defaults(peFileHeadr, peBase+peSectHeadr, peSectAlign)
	default:
		defaults(0, 0, 4096)
	}

	if l.Interpreter == "" {
		l.Interpreter = interpreterFor(l.HeadType)
	}
	return l
}

// IsELF reports whether the output belongs to the ELF family
func (l *Link) IsELF() bool {
	return l.HeadType.IsELF()
}

// Lookup returns the symbol with the given name, creating it if needed
func (l *Link) Lookup(name string) *Symbol {
	if s, ok := l.syms[name]; ok {
		return s
	}
	s := newSymbol(name)
	l.syms[name] = s
	l.allsyms = append(l.allsyms, s)
	return s
}

// ROLookup returns the symbol with the given name or nil
func (l *Link) ROLookup(name string) *Symbol {
	return l.syms[name]
}

// NewLocal creates a symbol that Lookup never returns
func (l *Link) NewLocal(name string) *Symbol {
	s := newSymbol(name)
	s.local = true
	l.allsyms = append(l.allsyms, s)
	return s
}

// linkerSym returns one of the linker-synthesized tables, giving it the
// storage kind the output format expects on first use
func (l *Link) linkerSym(name string) *Symbol {
	s := l.Lookup(name)
	if s.Type != Sxxx {
		return s
	}
	s.Type = SDATA
	switch {
	case l.IsELF():
		switch name {
		case ".plt":
			s.Type = SELFRXSECT
		case ".interp", ".hash", ".dynsym", ".dynstr", ".rela", ".rela.plt":
			s.Type = SELFROSECT
		case ".got", ".got.plt", ".dynamic":
			s.Type = SELFSECT
		}
	case l.HeadType == engine.Hdarwin:
		switch name {
		case ".plt":
			s.Type = SMACHOPLT
		case ".got":
			s.Type = SMACHOGOT
			s.Align = 4
		case ".dynsym":
			s.Type = SMACHOSYMTAB
		case ".dynstr":
			s.Type = SMACHOSYMSTR
		case ".linkedit.plt":
			s.Type = SMACHOINDIRECTPLT
		case ".linkedit.got":
			s.Type = SMACHOINDIRECTGOT
		}
	}
	return s
}

// Syms returns every symbol in creation order
func (l *Link) Syms() []*Symbol {
	return l.allsyms
}

// Logf writes a progress line to stderr in verbose mode
func (l *Link) Logf(format string, args ...any) {
	if !l.Verbose {
		return
	}
	fmt.Fprintf(os.Stderr, "%5.2f ", time.Since(l.start).Seconds())
	fmt.Fprintf(os.Stderr, format, args...)
}

// Errorf records a diagnostic against the symbol currently being processed
func (l *Link) Errorf(cat Category, format string, args ...any) {
	name := ""
	if l.cursym != nil {
		name = l.cursym.Name
	}
	d := l.Diag.Add(cat, name, fmt.Sprintf(format, args...))
	if l.Verbose {
		fmt.Fprintf(os.Stderr, "diag: %s\n", d.Error())
	}
}

func interpreterFor(h engine.HeadType) string {
	switch h {
	case engine.Hlinux:
		return "/lib64/ld-linux-x86-64.so.2"
	case engine.Hfreebsd:
		return "/libexec/ld-elf.so.1"
	case engine.Hopenbsd:
		return "/usr/libexec/ld.so"
	case engine.Hnetbsd:
		return "/libexec/ld.elf_so"
	}
	return ""
}
