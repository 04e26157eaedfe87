package link

import (
	"debug/elf"
	"debug/macho"
	"fmt"
)

// SymKind is the storage kind of a symbol. The order matters: the segment
// allocator places kinds below SELFSECT in the text segment.
type SymKind int16

const (
	Sxxx SymKind = iota
	STEXT
	SELFRXSECT
	SMACHOPLT
	SRODATA
	SELFROSECT
	SELFSECT
	SMACHOGOT
	SDATA
	SBSS
	SXREF
	SMACHOSYMSTR
	SMACHOSYMTAB
	SMACHOINDIRECTPLT
	SMACHOINDIRECTGOT
	SDYNIMPORT
	SNEEDLIB // sentinel for the dynamic-import registrar

	SSUB  SymKind = 1 << 8 // bytes live inside Outer
	SMASK SymKind = SSUB - 1
)

var symKindNames = map[SymKind]string{
	Sxxx:              "Sxxx",
	STEXT:             "STEXT",
	SELFRXSECT:        "SELFRXSECT",
	SMACHOPLT:         "SMACHOPLT",
	SRODATA:           "SRODATA",
	SELFROSECT:        "SELFROSECT",
	SELFSECT:          "SELFSECT",
	SMACHOGOT:         "SMACHOGOT",
	SDATA:             "SDATA",
	SBSS:              "SBSS",
	SXREF:             "SXREF",
	SMACHOSYMSTR:      "SMACHOSYMSTR",
	SMACHOSYMTAB:      "SMACHOSYMTAB",
	SMACHOINDIRECTPLT: "SMACHOINDIRECTPLT",
	SMACHOINDIRECTGOT: "SMACHOINDIRECTGOT",
	SDYNIMPORT:        "SDYNIMPORT",
	SNEEDLIB:          "SNEEDLIB",
}

func (k SymKind) String() string {
	name, ok := symKindNames[k&SMASK]
	if !ok {
		name = fmt.Sprintf("SymKind(%d)", int(k&SMASK))
	}
	if k&SSUB != 0 {
		name += "|SSUB"
	}
	return name
}

// SlotUnassigned marks a DynID, GOT or PLT field that has not been allocated yet
const SlotUnassigned = -1

// CgoExportDynamic marks a symbol that must be visible to a hosting runtime
const CgoExportDynamic = 1 << 0

// Symbol is one named program entity
type Symbol struct {
	Name  string
	Type  SymKind
	Size  int64
	Value int64
	Align int64

	P []byte
	R []Reloc

	DynID int32
	GOT   int32
	PLT   int32

	DynImpName string
	DynImpLib  string
	CgoExport  uint8

	Outer *Symbol
	Sub   *Symbol
	Sect  *Section

	// the symbol is not reachable through Lookup
	local bool
	// defined by a weak binding; a strong definition replaces it
	weak bool
}

func newSymbol(name string) *Symbol {
	return &Symbol{
		Name:  name,
		DynID: SlotUnassigned,
		GOT:   SlotUnassigned,
		PLT:   SlotUnassigned,
	}
}

// IsDynImport reports whether the symbol can only be resolved by the dynamic loader
func (s *Symbol) IsDynImport() bool {
	return s.DynImpName != "" && s.CgoExport&CgoExportDynamic == 0
}

// Kind returns the storage kind without the SSUB bit
func (s *Symbol) Kind() SymKind {
	return s.Type & SMASK
}

// RelocType is either an internal relocation kind or a raw input kind.
// ELF input kinds are 256+R_X86_64_*, Mach-O input kinds are 512+type*2+pcrel.
type RelocType int32

const (
	RNone RelocType = iota
	RAddr
	RPCRel
)

const (
	elfRelocBase   RelocType = 256
	machoRelocBase RelocType = 512

	// RelocDone marks a relocation that was already turned into dynamic
	// linker metadata; relocsym and the output encoder skip it.
	RelocDone RelocType = elfRelocBase
)

// ElfRelocType returns the raw kind for an ELF amd64 relocation
func ElfRelocType(t elf.R_X86_64) RelocType {
	return elfRelocBase + RelocType(t)
}

// MachoRelocType returns the raw kind for a Mach-O amd64 relocation
func MachoRelocType(t macho.RelocTypeX86_64, pcrel bool) RelocType {
	r := machoRelocBase + RelocType(t)*2
	if pcrel {
		r++
	}
	return r
}

func (t RelocType) String() string {
	switch {
	case t == RNone:
		return "RNone"
	case t == RAddr:
		return "RAddr"
	case t == RPCRel:
		return "RPCRel"
	case t == RelocDone:
		return "RelocDone"
	case t >= machoRelocBase:
		v := t - machoRelocBase
		return fmt.Sprintf("macho %v pcrel=%d", macho.RelocTypeX86_64(v/2), v%2)
	case t > elfRelocBase:
		return fmt.Sprintf("elf %v", elf.R_X86_64(t-elfRelocBase))
	}
	return fmt.Sprintf("RelocType(%d)", int32(t))
}

// Reloc is one unresolved reference site inside a symbol
type Reloc struct {
	Off  int32
	Siz  uint8
	Type RelocType
	Sym  *Symbol
	Add  int64
}

// Segment is a contiguous range of the output image
type Segment struct {
	Rwx     uint8
	Vaddr   uint64
	Len     uint64
	Fileoff uint64
	Filelen uint64
	Sect    []*Section
}

// Section is a named range inside a segment
type Section struct {
	Name  string
	Rwx   uint8
	Vaddr uint64
	Len   uint64
	Seg   *Segment
	Syms  []*Symbol
}
