package link

import (
	"github.com/xyproto/l67/internal/engine"
)

type sectSpec struct {
	name  string
	rwx   uint8
	kinds []SymKind
}

// Symbols are grouped into sections by kind, in this order. Kinds not
// listed (Mach-O link edit tables, imports, sentinels) get no address.
var (
	textSects = []sectSpec{
		{".text", 05, []SymKind{STEXT, SELFRXSECT, SMACHOPLT}},
		{".rodata", 04, []SymKind{SRODATA, SELFROSECT}},
	}
	dataSects = []sectSpec{
		{".data", 06, []SymKind{SELFSECT, SMACHOGOT, SDATA}},
		{".bss", 06, []SymKind{SBSS}},
	}
)

func symalign(s *Symbol) int64 {
	if s.Align > 0 {
		return s.Align
	}
	if s.Kind() == STEXT {
		return 16
	}
	a := int64(PtrSize)
	for a > 1 && a > s.Size {
		a >>= 1
	}
	return a
}

func (l *Link) layoutSects(seg *Segment, specs []sectSpec, va int64) int64 {
	byKind := make(map[SymKind][]*Symbol)
	for _, s := range l.allsyms {
		if s.Type&SSUB != 0 {
			continue
		}
		byKind[s.Type] = append(byKind[s.Type], s)
	}

	for _, spec := range specs {
		sect := &Section{Name: spec.name, Rwx: spec.rwx, Vaddr: uint64(va), Seg: seg}
		for _, k := range spec.kinds {
			for _, s := range byKind[k] {
				va = Rnd(va, symalign(s))
				s.Value = va
				s.Sect = sect
				sect.Syms = append(sect.Syms, s)
				va += s.Size
			}
		}
		sect.Len = uint64(va) - sect.Vaddr
		seg.Sect = append(seg.Sect, sect)
	}
	return va
}

// Layout assigns addresses and file offsets to every symbol that occupies
// memory and fills in the text and data segments.
func (l *Link) Layout() {
	l.Logf("layout\n")

	l.Segtext = Segment{Rwx: 05, Vaddr: uint64(l.InitText), Fileoff: uint64(l.Headr)}
	va := l.layoutSects(&l.Segtext, textSects, l.InitText)
	l.Segtext.Len = uint64(va - l.InitText)
	l.Segtext.Filelen = l.Segtext.Len

	va = Rnd(va, l.InitRnd)
	if l.InitDat != 0 {
		va = l.InitDat
	}
	l.Segdata = Segment{Rwx: 06, Vaddr: uint64(va)}
	l.Segdata.Fileoff = l.Segdata.Vaddr - l.Segtext.Vaddr + l.Segtext.Fileoff
	switch l.HeadType {
	case engine.Hwindows:
		l.Segdata.Fileoff = l.Segtext.Fileoff + uint64(Rnd(int64(l.Segtext.Len), peFileAlign))
	case engine.Hplan9x32, engine.Hplan9x64, engine.Helf:
		l.Segdata.Fileoff = l.Segtext.Fileoff + l.Segtext.Filelen
	}
	end := l.layoutSects(&l.Segdata, dataSects, va)
	l.Segdata.Len = uint64(end - va)
	l.Segdata.Filelen = l.Segdata.Len
	if bss := l.Segdata.Sect[len(l.Segdata.Sect)-1]; bss.Name == ".bss" {
		l.Segdata.Filelen = bss.Vaddr - l.Segdata.Vaddr
	}

	// sub symbols are stored relative to their outer symbol
	for _, s := range l.allsyms {
		if s.Type&SSUB != 0 || s.Sub == nil {
			continue
		}
		for sub := s.Sub; sub != nil; sub = sub.Sub {
			sub.Value += s.Value
			sub.Sect = s.Sect
		}
	}
}

// DatOff converts a virtual address inside the image to a file offset
func (l *Link) DatOff(addr int64) int64 {
	if uint64(addr) >= l.Segdata.Vaddr {
		return addr - int64(l.Segdata.Vaddr) + int64(l.Segdata.Fileoff)
	}
	if uint64(addr) >= l.Segtext.Vaddr {
		return addr - int64(l.Segtext.Vaddr) + int64(l.Segtext.Fileoff)
	}
	l.Errorf(CategoryOffset, "datoff %#x", addr)
	return 0
}

// segSyms returns the placed symbols of seg in address order
func segSyms(seg *Segment) []*Symbol {
	var syms []*Symbol
	for _, sect := range seg.Sect {
		syms = append(syms, sect.Syms...)
	}
	return syms
}
