package link

import (
	"debug/elf"

	"github.com/xyproto/l67/internal/engine"
)

// Slot offsets handed out here are captured by relocations immediately, so
// the tables only ever grow.

const (
	pltEntrySize             = 16
	gotPLTReserve            = 3 * PtrSize // .dynamic, link map, resolver
	machoIndirectSymbolLocal = 0x80000000
)

// elfSetupPLT lays down PLT0 and the reserved .got.plt words
func (l *Link) elfSetupPLT() {
	plt := l.linkerSym(".plt")
	got := l.linkerSym(".got.plt")
	if plt.Size != 0 {
		return
	}

	// pushq got+8(IP)
	plt.AddUint8(0xff)
	plt.AddUint8(0x35)
	plt.AddPCRelPlus(got, 8)

	// jmpq *got+16(IP)
	plt.AddUint8(0xff)
	plt.AddUint8(0x25)
	plt.AddPCRelPlus(got, 16)

	// nopl 0(AX)
	plt.AddUint32(0x00401f0f)

	// got.plt is still empty here
	got.AddAddr(l.linkerSym(".dynamic"))
	got.AddUint64(0)
	got.AddUint64(0)
}

// ensurePLT gives s a PLT stub. Calling it again for the same symbol does nothing.
func (l *Link) ensurePLT(s *Symbol) {
	if s.PLT >= 0 {
		return
	}

	l.AddDynSym(s)

	switch {
	case l.IsELF():
		plt := l.linkerSym(".plt")
		got := l.linkerSym(".got.plt")
		rela := l.linkerSym(".rela.plt")
		if plt.Size == 0 {
			l.elfSetupPLT()
		}

		// jmpq *got+size(IP)
		plt.AddUint8(0xff)
		plt.AddUint8(0x25)
		plt.AddPCRelPlus(got, got.Size)

		// the slot starts out pointing at the pushq below
		got.AddAddrPlus(plt, plt.Size)

		// pushq $x
		plt.AddUint8(0x68)
		plt.AddUint32(uint32((got.Size - gotPLTReserve - PtrSize) / PtrSize))

		// jmpq .plt
		plt.AddUint8(0xe9)
		plt.AddUint32(uint32(-(plt.Size + 4)))

		// rela
		rela.AddAddrPlus(got, got.Size-PtrSize)
		rela.AddUint64(elf.R_INFO(uint32(s.DynID), uint32(elf.R_X86_64_JMP_SLOT)))
		rela.AddUint64(0)

		s.PLT = int32(plt.Size - pltEntrySize)

	case l.HeadType == engine.Hdarwin:
		// Mach-O stubs jump through non-lazy pointers, so the loader
		// binds every import at startup and needs no per-library
		// lazy binding info.
		l.ensureGOT(s)
		plt := l.linkerSym(".plt")

		l.linkerSym(".linkedit.plt").AddUint32(uint32(s.DynID))

		// jmpq *got+size(IP)
		s.PLT = int32(plt.Size)

		plt.AddUint8(0xff)
		plt.AddUint8(0x25)
		plt.AddPCRelPlus(l.linkerSym(".got"), int64(s.GOT))

	default:
		l.Errorf(CategoryUnsupportedFormat, "addpltsym: unsupported binary format %v", l.HeadType)
	}
}

// ensureGOT gives s a GOT slot filled in by the dynamic loader
func (l *Link) ensureGOT(s *Symbol) {
	if s.GOT >= 0 {
		return
	}

	l.AddDynSym(s)
	got := l.linkerSym(".got")
	s.GOT = int32(got.Size)
	got.AddUint64(0)

	switch {
	case l.IsELF():
		rela := l.linkerSym(".rela")
		rela.AddAddrPlus(got, int64(s.GOT))
		rela.AddUint64(elf.R_INFO(uint32(s.DynID), uint32(elf.R_X86_64_GLOB_DAT)))
		rela.AddUint64(0)
	case l.HeadType == engine.Hdarwin:
		l.linkerSym(".linkedit.got").AddUint32(uint32(s.DynID))
	default:
		l.Errorf(CategoryUnsupportedFormat, "addgotsym: unsupported binary format %v", l.HeadType)
	}
}

// ensureStaticGOT gives a statically resolved s a GOT slot holding its
// link-time address. No dynamic symbol is created.
func (l *Link) ensureStaticGOT(s *Symbol) {
	if s.GOT >= 0 {
		return
	}

	got := l.linkerSym(".got")
	s.GOT = int32(got.Size)
	got.AddAddr(s)

	switch {
	case l.IsELF() && l.Shared:
		l.AddDynRela(l.linkerSym(".rela"), got, &got.R[len(got.R)-1])
	case l.HeadType == engine.Hdarwin:
		// keep the indirect table parallel to the slots
		l.linkerSym(".linkedit.got").AddUint32(machoIndirectSymbolLocal)
	}
}
