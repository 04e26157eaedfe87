package link

import (
	"debug/elf"
	"debug/macho"
	"errors"

	"github.com/xyproto/l67/internal/engine"
)

// ErrUnsupportedReloc is returned by ElfReloc1 for a kind and width it cannot encode
var ErrUnsupportedReloc = errors.New("unsupported relocation")

// Raw input kinds understood by AddDynRel
const (
	rElfPC32         = elfRelocBase + RelocType(elf.R_X86_64_PC32)
	rElfPLT32        = elfRelocBase + RelocType(elf.R_X86_64_PLT32)
	rElfGOTPCREL     = elfRelocBase + RelocType(elf.R_X86_64_GOTPCREL)
	rElfGOTPCRELX    = elfRelocBase + RelocType(elf.R_X86_64_GOTPCRELX)
	rElfREXGOTPCRELX = elfRelocBase + RelocType(elf.R_X86_64_REX_GOTPCRELX)
	rElf64           = elfRelocBase + RelocType(elf.R_X86_64_64)
	rElf32           = elfRelocBase + RelocType(elf.R_X86_64_32)
	rElf32S          = elfRelocBase + RelocType(elf.R_X86_64_32S)

	rMachoUnsigned = machoRelocBase + RelocType(macho.X86_64_RELOC_UNSIGNED)*2
	rMachoSigned   = machoRelocBase + RelocType(macho.X86_64_RELOC_SIGNED)*2
	rMachoBranch   = machoRelocBase + RelocType(macho.X86_64_RELOC_BRANCH)*2
	rMachoGOTLoad  = machoRelocBase + RelocType(macho.X86_64_RELOC_GOT_LOAD)*2
	rMachoGOT      = machoRelocBase + RelocType(macho.X86_64_RELOC_GOT)*2
	rMachoSigned1  = machoRelocBase + RelocType(macho.X86_64_RELOC_SIGNED_1)*2
	rMachoSigned2  = machoRelocBase + RelocType(macho.X86_64_RELOC_SIGNED_2)*2
	rMachoSigned4  = machoRelocBase + RelocType(macho.X86_64_RELOC_SIGNED_4)*2
	machoPCRel     = 1
)

const (
	opMOVQ byte = 0x8b
	opLEAQ byte = 0x8d
)

// AddDynRel classifies one relocation of s. Raw ELF and Mach-O kinds are
// mapped to RAddr or RPCRel; references to symbols that only the dynamic
// loader can resolve are routed through the PLT, the GOT or a .rela entry.
func (l *Link) AddDynRel(s *Symbol, r *Reloc) {
	targ := r.Sym
	l.cursym = s

	switch r.Type {
	default:
		if r.Type >= elfRelocBase {
			l.Errorf(CategoryUnsupportedInput, "unexpected relocation type %d", r.Type)
			return
		}

	case rElfPC32:
		if targ.IsDynImport() {
			l.Errorf(CategoryInconsistentSymbol, "unexpected R_X86_64_PC32 relocation for dynamic symbol %s", targ.Name)
		}
		if targ.Type == Sxxx || targ.Type == SXREF {
			l.Errorf(CategoryInconsistentSymbol, "unknown symbol %s in pcrel", targ.Name)
		}
		r.Type = RPCRel
		r.Add += 4
		return

	case rElfPLT32:
		r.Type = RPCRel
		r.Add += 4
		if targ.IsDynImport() {
			l.ensurePLT(targ)
			r.Sym = l.linkerSym(".plt")
			r.Add += int64(targ.PLT)
		}
		return

	case rElfGOTPCREL, rElfGOTPCRELX, rElfREXGOTPCRELX:
		if !targ.IsDynImport() {
			// MOVQ sym@GOT(IP), reg becomes LEAQ sym(IP), reg
			if r.Off >= 2 && s.P[r.Off-2] == opMOVQ {
				s.P[r.Off-2] = opLEAQ
				r.Type = RPCRel
				r.Add += 4
				return
			}
			// other instructions (CMOV, arithmetic) keep the indirection;
			// the slot holds the link-time address
			l.ensureStaticGOT(targ)
		} else {
			l.ensureGOT(targ)
		}
		r.Type = RPCRel
		r.Sym = l.linkerSym(".got")
		r.Add += 4
		r.Add += int64(targ.GOT)
		return

	case rElf64, rElf32, rElf32S:
		if targ.IsDynImport() && r.Type == rElf64 && r.Siz == 8 && s.Type == SDATA {
			// .quad import in writable data: the loader fills it in
			r.Type = RAddr
			break
		}
		if targ.IsDynImport() {
			l.Errorf(CategoryInconsistentSymbol, "unexpected %v relocation for dynamic symbol %s", elf.R_X86_64(r.Type-elfRelocBase), targ.Name)
		}
		r.Type = RAddr
		return

	case rMachoUnsigned, rMachoSigned, rMachoBranch:
		r.Type = RAddr
		if targ.IsDynImport() {
			l.Errorf(CategoryInconsistentSymbol, "unexpected reloc for dynamic symbol %s", targ.Name)
		}
		return

	case rMachoBranch + machoPCRel:
		if targ.IsDynImport() {
			l.ensurePLT(targ)
			r.Sym = l.linkerSym(".plt")
			r.Add = int64(targ.PLT)
			r.Type = RPCRel
			return
		}
		fallthrough

	case rMachoUnsigned + machoPCRel,
		rMachoSigned + machoPCRel,
		rMachoSigned1 + machoPCRel,
		rMachoSigned2 + machoPCRel,
		rMachoSigned4 + machoPCRel:
		r.Type = RPCRel
		if targ.IsDynImport() {
			l.Errorf(CategoryInconsistentSymbol, "unexpected pc-relative reloc for dynamic symbol %s", targ.Name)
		}
		return

	case rMachoGOTLoad + machoPCRel:
		if !targ.IsDynImport() {
			if r.Off < 2 || s.P[r.Off-2] != opMOVQ {
				l.Errorf(CategoryUnsupportedInput, "unexpected GOT_LOAD reloc for non-dynamic symbol %s", targ.Name)
				return
			}
			s.P[r.Off-2] = opLEAQ
			r.Type = RPCRel
			return
		}
		fallthrough

	case rMachoGOT + machoPCRel:
		if !targ.IsDynImport() {
			l.Errorf(CategoryInconsistentSymbol, "unexpected GOT reloc for non-dynamic symbol %s", targ.Name)
		}
		l.ensureGOT(targ)
		r.Type = RPCRel
		r.Sym = l.linkerSym(".got")
		r.Add += int64(targ.GOT)
		return
	}

	// Internal relocations from our own objects.
	if !targ.IsDynImport() {
		return
	}

	switch r.Type {
	case RPCRel:
		l.ensurePLT(targ)
		r.Sym = l.linkerSym(".plt")
		r.Add = int64(targ.PLT)
		return

	case RAddr:
		if s.Type != SDATA {
			break
		}
		if l.IsELF() {
			l.AddDynSym(targ)
			rela := l.linkerSym(".rela")
			rela.AddAddrPlus(s, int64(r.Off))
			if r.Siz == 8 {
				rela.AddUint64(elf.R_INFO(uint32(targ.DynID), uint32(elf.R_X86_64_64)))
			} else {
				rela.AddUint64(elf.R_INFO(uint32(targ.DynID), uint32(elf.R_X86_64_32)))
			}
			rela.AddUint64(uint64(r.Add))
			r.Type = RelocDone
			return
		}
		if l.HeadType == engine.Hdarwin && s.Size == PtrSize && r.Off == 0 && r.Siz == PtrSize {
			// Mach-O has no simple relocation record for this. A
			// pointer variable initialized with &import becomes the
			// name of its own GOT slot instead; this only works for a
			// single pointer that is never reassigned.
			l.AddDynSym(targ)
			got := l.linkerSym(".got")
			s.Type = got.Type | SSUB
			s.Outer = got
			s.Sub = got.Sub
			got.Sub = s
			s.Value = got.Size
			got.AddUint64(0)
			l.linkerSym(".linkedit.got").AddUint32(uint32(targ.DynID))
			r.Type = RelocDone
			return
		}
	}

	l.cursym = s
	l.Errorf(CategoryUnsupportedInput, "unsupported relocation for dynamic symbol %s (type=%v stype=%v)", targ.Name, r.Type, targ.Type)
}

// AddDynRela appends an R_X86_64_RELATIVE entry for the address stored by r in s
func (l *Link) AddDynRela(rela, s *Symbol, r *Reloc) {
	rela.AddAddrPlus(s, int64(r.Off))
	rela.AddUint64(uint64(elf.R_X86_64_RELATIVE))
	rela.AddAddrPlus(r.Sym, r.Add)
}

// ElfReloc1 writes one Elf64_Rela record for r: the offset, the symbol
// index packed with the relocation code, and the addend. PC-relative
// addends are measured from the end of the field, so the width is
// subtracted again. Nothing is written for an unsupported combination.
func ElfReloc1(out *OutBuf, r *Reloc, off int64, elfsym int32, add int64) error {
	var typ elf.R_X86_64
	switch r.Type {
	case RAddr:
		switch r.Siz {
		case 4:
			typ = elf.R_X86_64_32
		case 8:
			typ = elf.R_X86_64_64
		default:
			return ErrUnsupportedReloc
		}
	case RPCRel:
		if r.Siz != 4 {
			return ErrUnsupportedReloc
		}
		typ = elf.R_X86_64_PC32
		add -= int64(r.Siz)
	default:
		return ErrUnsupportedReloc
	}

	out.Write64(uint64(off))
	out.Write64(elf.R_INFO(uint32(elfsym), uint32(typ)))
	out.Write64(uint64(add))
	return out.Err()
}

// archreloc resolves architecture specific relocation kinds. amd64 has none.
func archreloc(r *Reloc, s *Symbol) (int64, bool) {
	return 0, false
}

// ClassifyRelocs runs AddDynRel on every relocation that still carries a raw
// input kind or refers to a dynamic import. With Options.Shared, absolute
// pointers stored in data also get R_X86_64_RELATIVE entries.
func (l *Link) ClassifyRelocs() {
	l.Logf("reloc classify\n")
	var rela *Symbol
	if l.Shared && l.IsELF() {
		rela = l.linkerSym(".rela")
	}

	// AddDynRel may create symbols; they carry no raw relocations
	for i := 0; i < len(l.allsyms); i++ {
		s := l.allsyms[i]
		for j := range s.R {
			r := &s.R[j]
			if r.Type == RelocDone || r.Sym == nil {
				continue
			}
			if r.Type >= elfRelocBase || r.Sym.IsDynImport() {
				l.AddDynRel(s, r)
			}
			if rela != nil && s != rela && r.Type == RAddr && r.Siz == PtrSize && s.Type == SDATA {
				l.AddDynRela(rela, s, r)
			}
		}
	}
	l.cursym = nil
}
