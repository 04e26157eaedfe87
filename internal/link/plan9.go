package link

import (
	"fmt"
	"strings"
)

// plan9Image writes the flat a.out style images. fat selects the 64-bit
// variant: the magic gets 0x8000 and the header ends with a 64-bit entry.
type plan9Image struct {
	fat  bool
	syms bool
}

const (
	plan9Magic    = 4*26*26 + 7
	plan9FatMagic = 0x8000
)

// paddr truncates an address to the 32-bit physical form used in the header
func paddr(a int64) uint32 {
	return uint32(a) &^ 0x80000000
}

func (plan9Image) SymOff(l *Link) int64 {
	return l.Headr + int64(l.Segtext.Len) + int64(l.Segdata.Filelen)
}

func (p plan9Image) EmitSymbols(l *Link, symo int64) error {
	if !p.syms {
		return nil
	}
	if err := l.asmplan9sym(p.fat); err != nil {
		return err
	}
	if err := l.out.Flush(); err != nil {
		return err
	}

	if s := l.ROLookup("pclntab"); s != nil {
		l.Lcsize = int64(len(s.P))
		l.out.Write(s.P)
		return l.out.Flush()
	}
	return nil
}

func (p plan9Image) WriteHeader(l *Link, symo int64) error {
	out := l.out
	magic := uint32(plan9Magic)
	if p.fat {
		magic |= plan9FatMagic
	}
	vl := l.EntryValue()

	out.Write32b(magic)
	out.Write32b(uint32(l.Segtext.Filelen))
	out.Write32b(uint32(l.Segdata.Filelen))
	out.Write32b(uint32(l.Segdata.Len - l.Segdata.Filelen))
	out.Write32b(uint32(l.Symsize))
	if p.fat {
		out.Write32b(paddr(vl))
	} else {
		out.Write32b(uint32(vl))
	}
	out.Write32b(uint32(l.Spsize))
	out.Write32b(uint32(l.Lcsize))
	if p.fat {
		out.Write64b(uint64(vl))
	}
	return out.Err()
}

// plan9SymType returns the one-letter symbol class, lower case for
// symbols that are not visible outside their object
func plan9SymType(s *Symbol) byte {
	var t byte
	switch s.Kind() {
	case STEXT, SELFRXSECT, SMACHOPLT:
		t = 'T'
	case SBSS:
		t = 'B'
	default:
		t = 'D'
	}
	if s.local {
		t += 'a' - 'A'
	}
	return t
}

func (l *Link) putplan9sym(s *Symbol, fat bool) {
	name := s.Name
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	n := int64(4)
	if fat {
		l.out.Write32b(uint32(uint64(s.Value) >> 32))
		n = 8
	}
	l.out.Write32b(uint32(s.Value))
	l.out.Write8(plan9SymType(s) | 0x80) // 0x80 is variable length
	l.out.WriteString(name)
	l.out.Write8(0)
	l.Symsize += n + 1 + int64(len(name)) + 1
}

// asmplan9sym writes the symbol table of the flat formats: every placed
// symbol and its sub symbols, in address order
func (l *Link) asmplan9sym(fat bool) error {
	for _, seg := range []*Segment{&l.Segtext, &l.Segdata} {
		for _, s := range segSyms(seg) {
			l.putplan9sym(s, fat)
			for sub := s.Sub; sub != nil; sub = sub.Sub {
				l.putplan9sym(sub, fat)
			}
		}
	}
	if err := l.out.Err(); err != nil {
		return fmt.Errorf("plan9 symbol table: %w", err)
	}
	return nil
}
