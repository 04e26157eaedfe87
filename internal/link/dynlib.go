package link

import (
	"debug/elf"

	"github.com/xyproto/l67/internal/engine"
)

// needlib reports whether name is registered for the first time. The
// symbol table doubles as the set: each library gets a sentinel symbol.
func (l *Link) needlib(name string) bool {
	if name == "" {
		return false
	}

	s := l.Lookup(".elfload." + name)
	if s.Type == Sxxx {
		s.Type = SNEEDLIB
		return true
	}
	return false
}

// AddDynLib records that the output needs the shared library lib. Only the
// first registration of a name emits a record.
func (l *Link) AddDynLib(lib string) {
	if !l.needlib(lib) {
		return
	}

	switch {
	case l.IsELF():
		dynstr := l.elfDynStr()
		elfWriteDynEnt(l.linkerSym(".dynamic"), elf.DT_NEEDED, uint64(dynstr.AddString(lib)))
	case l.HeadType == engine.Hdarwin:
		l.MachoDylibs = append(l.MachoDylibs, lib)
	default:
		l.Errorf(CategoryUnsupportedFormat, "adddynlib: unsupported binary format %v", l.HeadType)
	}
}

// elfDynStr returns .dynstr, seeded with the empty string at offset 0
func (l *Link) elfDynStr() *Symbol {
	s := l.linkerSym(".dynstr")
	if s.Size == 0 {
		s.AddString("")
	}
	return s
}

func elfWriteDynEnt(s *Symbol, tag elf.DynTag, val uint64) {
	s.AddUint64(uint64(tag))
	s.AddUint64(val)
}

func elfWriteDynEntSym(s *Symbol, tag elf.DynTag, t *Symbol) {
	s.AddUint64(uint64(tag))
	s.AddAddr(t)
}
