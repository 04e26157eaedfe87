package link

import (
	"debug/elf"

	"github.com/xyproto/l67/internal/engine"
)

const (
	elfSymSize   = 24
	machoNlistSz = 16

	// preassigned Mach-O export slots are stored as -(index+100)
	machoPreassigned = -100
)

// AddDynSym gives s an entry in the dynamic symbol table. The index in
// s.DynID never changes once assigned.
func (l *Link) AddDynSym(s *Symbol) {
	if s.DynID >= 0 {
		return
	}

	if s.DynImpName == "" {
		l.Errorf(CategoryInconsistentSymbol, "adddynsym: no dynamic name for %s", s.Name)
	}
	name := s.DynImpName
	if name == "" {
		name = s.Name
	}
	exported := s.CgoExport&CgoExportDynamic != 0

	switch {
	case l.IsELF():
		d := l.elfDynSym()
		dynstr := l.elfDynStr()

		s.DynID = l.nelfsym
		l.nelfsym++

		d.AddUint32(uint32(dynstr.AddString(name)))

		// type
		if exported && s.Kind() == STEXT {
			d.AddUint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC))
		} else {
			d.AddUint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT))
		}

		// reserved
		d.AddUint8(0)

		// section where the symbol is defined
		if s.IsDynImport() {
			d.AddUint16(uint16(elf.SHN_UNDEF))
		} else {
			var shndx uint16
			switch s.Kind() {
			default:
				shndx = elfShText
			case SRODATA:
				shndx = elfShRodata
			case SDATA:
				shndx = elfShData
			case SBSS:
				shndx = elfShBss
			}
			d.AddUint16(shndx)
		}

		// value
		if s.Type == SDYNIMPORT {
			d.AddUint64(0)
		} else {
			d.AddAddr(s)
		}

		// size of object
		d.AddUint64(uint64(s.Size))

		if !exported && s.DynImpLib != "" && l.needlib(s.DynImpLib) {
			elfWriteDynEnt(l.linkerSym(".dynamic"), elf.DT_NEEDED, uint64(dynstr.AddString(s.DynImpLib)))
		}

	case l.HeadType == engine.Hdarwin:
		d := l.linkerSym(".dynsym")
		if d.Size == 0 && l.NDynExp > 0 {
			d.grow(int64(l.NDynExp) * machoNlistSz)
		}

		var off int64
		if s.DynID <= machoPreassigned {
			s.DynID = -s.DynID + machoPreassigned
			off = int64(s.DynID) * machoNlistSz
		} else {
			off = d.Size
			s.DynID = int32(off / machoNlistSz)
		}

		// darwin still puts _ prefixes on all C symbols
		str := l.machoDynStr()
		d.SetUint32(off, uint32(str.Size))
		off += 4
		str.AddUint8('_')
		str.AddString(name)

		if s.Type == SDYNIMPORT {
			d.SetUint8(off, 0x01) // N_EXT
			off++
			d.SetUint8(off, 0) // section
			off++
		} else {
			d.SetUint8(off, 0x0f) // N_SECT|N_EXT
			off++
			switch s.Kind() {
			default:
				d.SetUint8(off, 1)
			case SDATA:
				d.SetUint8(off, 2)
			case SBSS:
				d.SetUint8(off, 4)
			}
			off++
		}

		d.SetUint16(off, 0) // desc
		off += 2
		if s.Type == SDYNIMPORT {
			d.SetUint64(off, 0)
		} else {
			d.SetAddr(off, s)
		}

	case l.HeadType == engine.Hwindows:
		// imports are bound through the PE import directory instead

	default:
		l.Errorf(CategoryUnsupportedFormat, "adddynsym: unsupported binary format %v", l.HeadType)
	}
}

// PreassignDynID reserves Mach-O export slot index for s. Exports sorted
// ahead of time keep their position in the pre-sized table.
func PreassignDynID(s *Symbol, index int) {
	s.DynID = int32(machoPreassigned - index)
}

// elfDynSym returns .dynsym with its reserved null entry in place
func (l *Link) elfDynSym() *Symbol {
	s := l.linkerSym(".dynsym")
	if s.Size == 0 {
		s.AddBytes(make([]byte, elfSymSize))
	}
	return s
}

// machoDynStr returns the Mach-O string table. The loader expects it to
// begin with " \x00".
func (l *Link) machoDynStr() *Symbol {
	s := l.linkerSym(".dynstr")
	if s.Size == 0 {
		s.AddUint8(' ')
		s.AddUint8(0)
	}
	return s
}
