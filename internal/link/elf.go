package link

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xyproto/l67/internal/engine"
)

const (
	elfHeaderSize = 64
	elfPhdrSize   = 56
	elfShdrSize   = 64
	elfRelaSize   = 24
	elfDynSize    = 16
)

// The section header table always has the same layout, so .dynsym can
// name sections by index before any header is written.
const (
	elfShNull = iota
	elfShInterp
	elfShHash
	elfShDynsym
	elfShDynstr
	elfShRela
	elfShRelaPLT
	elfShPLT
	elfShGOT
	elfShGOTPLT
	elfShDynamic
	elfShText
	elfShRodata
	elfShData
	elfShBss
	elfShShstrtab
	elfShSymtab
	elfShStrtab
	elfShRelaText
	elfShNum
)

// elfSymtab records where the static symbol table went
type elfSymtab struct {
	index  map[*Symbol]int32
	nlocal int
	symoff int64
	stroff int64
	strlen int64
	reloff int64
	rellen int64
}

type elfImage struct{}

// DoElf creates the dynamic linking tables with their ELF storage kinds
func (l *Link) DoElf() {
	if !l.IsELF() {
		return
	}
	for _, name := range []string{".interp", ".hash", ".dynsym", ".dynstr", ".rela", ".rela.plt", ".plt", ".got", ".got.plt", ".dynamic"} {
		l.linkerSym(name)
	}
}

func (l *Link) elfIsDynamic() bool {
	for _, name := range []string{".dynsym", ".dynamic", ".rela"} {
		if s := l.ROLookup(name); s != nil && s.Size > 0 {
			return true
		}
	}
	return false
}

// elfhash is the System V ABI symbol hash
func elfhash(name []byte) uint32 {
	var h uint32
	for _, c := range name {
		h = h<<4 + uint32(c)
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

func cstring(p []byte, off uint32) []byte {
	if int(off) >= len(p) {
		return nil
	}
	p = p[off:]
	for i, c := range p {
		if c == 0 {
			return p[:i]
		}
	}
	return p
}

// elfDynHash fills .hash from the names already in .dynsym
func (l *Link) elfDynHash() {
	dynsym := l.elfDynSym()
	dynstr := l.elfDynStr()
	nsym := uint32(l.nelfsym)
	nbucket := nsym/2 + 1

	buckets := make([]uint32, nbucket)
	chain := make([]uint32, nsym)
	for i := uint32(1); i < nsym; i++ {
		nameoff := binary.LittleEndian.Uint32(dynsym.P[i*elfSymSize:])
		b := elfhash(cstring(dynstr.P, nameoff)) % nbucket
		chain[i] = buckets[b]
		buckets[b] = i
	}

	hash := l.linkerSym(".hash")
	hash.AddUint32(nbucket)
	hash.AddUint32(nsym)
	for _, b := range buckets {
		hash.AddUint32(b)
	}
	for _, c := range chain {
		hash.AddUint32(c)
	}
}

// finishDynamic completes the dynamic linking tables once every
// relocation has been classified. Nothing may add dynamic symbols after it.
func (l *Link) finishDynamic() {
	switch {
	case l.IsELF():
		if !l.elfIsDynamic() {
			return
		}
		if l.Interpreter != "" {
			l.linkerSym(".interp").AddString(l.Interpreter)
		}
		l.elfDynHash()

		dynamic := l.linkerSym(".dynamic")
		dynsym := l.elfDynSym()
		dynstr := l.elfDynStr()
		elfWriteDynEntSym(dynamic, elf.DT_HASH, l.linkerSym(".hash"))
		elfWriteDynEntSym(dynamic, elf.DT_SYMTAB, dynsym)
		elfWriteDynEnt(dynamic, elf.DT_SYMENT, elfSymSize)
		elfWriteDynEntSym(dynamic, elf.DT_STRTAB, dynstr)
		elfWriteDynEnt(dynamic, elf.DT_STRSZ, uint64(dynstr.Size))
		if rela := l.linkerSym(".rela"); rela.Size > 0 {
			elfWriteDynEntSym(dynamic, elf.DT_RELA, rela)
			elfWriteDynEnt(dynamic, elf.DT_RELASZ, uint64(rela.Size))
			elfWriteDynEnt(dynamic, elf.DT_RELAENT, elfRelaSize)
		}
		if relaplt := l.linkerSym(".rela.plt"); relaplt.Size > 0 {
			elfWriteDynEntSym(dynamic, elf.DT_PLTGOT, l.linkerSym(".got.plt"))
			elfWriteDynEnt(dynamic, elf.DT_PLTREL, uint64(elf.DT_RELA))
			elfWriteDynEnt(dynamic, elf.DT_PLTRELSZ, uint64(relaplt.Size))
			elfWriteDynEntSym(dynamic, elf.DT_JMPREL, relaplt)
		}
		elfWriteDynEnt(dynamic, elf.DT_DEBUG, 0)
		elfWriteDynEnt(dynamic, elf.DT_NULL, 0)

	case l.HeadType == engine.Hdarwin:
		if s := l.ROLookup(".dynstr"); s != nil {
			for s.Size%4 != 0 {
				s.AddUint8(0)
			}
		}
	}
}

func (elfImage) SymOff(l *Link) int64 {
	symo := Rnd(l.Headr+int64(l.Segtext.Len), l.InitRnd) + int64(l.Segdata.Filelen)
	return Rnd(symo, l.InitRnd)
}

func (elfImage) EmitSymbols(l *Link, symo int64) error {
	l.asmelfsym()
	if err := l.out.Flush(); err != nil {
		return err
	}
	t := &l.elfsyms
	t.stroff = l.out.Offset()
	l.out.Write(l.elfstrdat)
	t.strlen = int64(len(l.elfstrdat))

	l.Logf("dwarf\n")
	if err := l.emitDebug(); err != nil {
		return err
	}

	if l.IsObj {
		return l.elfemitreloc()
	}
	return l.out.Err()
}

func elfSymInfo(s *Symbol) uint8 {
	bind := elf.STB_GLOBAL
	if s.local {
		bind = elf.STB_LOCAL
	}
	switch s.Kind() {
	case STEXT, SELFRXSECT, SMACHOPLT:
		return elf.ST_INFO(bind, elf.STT_FUNC)
	case SDYNIMPORT:
		return elf.ST_INFO(bind, elf.STT_NOTYPE)
	}
	return elf.ST_INFO(bind, elf.STT_OBJECT)
}

func elfSectIndex(s *Symbol) uint16 {
	if s.Sect == nil {
		return uint16(elf.SHN_UNDEF)
	}
	switch s.Sect.Name {
	case ".text":
		return elfShText
	case ".rodata":
		return elfShRodata
	case ".data":
		return elfShData
	case ".bss":
		return elfShBss
	}
	return uint16(elf.SHN_ABS)
}

func (l *Link) putelfsym(s *Symbol) {
	t := &l.elfsyms
	name := uint32(len(l.elfstrdat))
	l.elfstrdat = append(l.elfstrdat, s.Name...)
	l.elfstrdat = append(l.elfstrdat, 0)

	value := s.Value
	if s.Kind() == SDYNIMPORT {
		value = 0
	}
	l.out.Write32(name)
	l.out.Write8(elfSymInfo(s))
	l.out.Write8(0)
	l.out.Write16(elfSectIndex(s))
	l.out.Write64(uint64(value))
	l.out.Write64(uint64(s.Size))

	t.index[s] = int32(len(t.index) + 1)
	l.Symsize += elfSymSize
}

// asmelfsym writes .symtab at the current position: placed symbols with
// their sub symbols, then imports. Locals come first as ELF requires.
func (l *Link) asmelfsym() {
	l.elfsyms = elfSymtab{index: make(map[*Symbol]int32), symoff: l.out.Offset()}
	l.elfstrdat = []byte{0}

	var all []*Symbol
	for _, seg := range []*Segment{&l.Segtext, &l.Segdata} {
		for _, s := range segSyms(seg) {
			all = append(all, s)
			for sub := s.Sub; sub != nil; sub = sub.Sub {
				all = append(all, sub)
			}
		}
	}
	for _, s := range l.allsyms {
		if s.Kind() == SDYNIMPORT {
			all = append(all, s)
		}
	}

	l.out.WriteZeros(elfSymSize)
	l.Symsize = elfSymSize
	for _, s := range all {
		if s.local {
			l.putelfsym(s)
		}
	}
	l.elfsyms.nlocal = len(l.elfsyms.index)
	for _, s := range all {
		if !s.local {
			l.putelfsym(s)
		}
	}
}

// elfemitreloc writes the classified relocations of the image as
// Elf64_Rela records against .symtab indices
func (l *Link) elfemitreloc() error {
	t := &l.elfsyms
	t.reloff = l.out.Offset()
	for _, seg := range []*Segment{&l.Segtext, &l.Segdata} {
		for _, s := range segSyms(seg) {
			for i := range s.R {
				r := &s.R[i]
				if r.Type == RelocDone {
					continue
				}
				add := r.Add
				idx, ok := t.index[r.Sym]
				if !ok {
					add += symaddr(r.Sym)
				}
				err := ElfReloc1(l.out, r, s.Value+int64(r.Off), idx, add)
				if errors.Is(err, ErrUnsupportedReloc) {
					l.cursym = s
					l.Errorf(CategoryUnsupportedInput, "cannot emit %v/%d relocation to %s", r.Type, r.Siz, symName(r.Sym))
					continue
				}
				if err != nil {
					return fmt.Errorf("elf relocations: %w", err)
				}
			}
		}
	}
	l.cursym = nil
	t.rellen = l.out.Offset() - t.reloff
	return nil
}

type elfPhdr struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

type elfShdr struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	off     uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// symShdr describes the synthesized table name, or an empty slot if it
// was never placed
func (l *Link) symShdr(name string, typ elf.SectionType, flags elf.SectionFlag, link, info uint32, entsize uint64) elfShdr {
	s := l.ROLookup(name)
	if s == nil || s.Size == 0 || s.Sect == nil {
		return elfShdr{name: name}
	}
	return elfShdr{
		name:    name,
		typ:     typ,
		flags:   flags,
		addr:    uint64(s.Value),
		off:     uint64(l.DatOff(s.Value)),
		size:    uint64(s.Size),
		link:    link,
		info:    info,
		align:   uint64(symalign(s)),
		entsize: entsize,
	}
}

func (l *Link) sectShdr(seg *Segment, name string, typ elf.SectionType, flags elf.SectionFlag) elfShdr {
	for _, sect := range seg.Sect {
		if sect.Name == name && sect.Len > 0 {
			return elfShdr{
				name:  name,
				typ:   typ,
				flags: flags,
				addr:  sect.Vaddr,
				off:   sect.Vaddr - seg.Vaddr + seg.Fileoff,
				size:  sect.Len,
				align: 16,
			}
		}
	}
	return elfShdr{name: name}
}

func elfOSABI(h engine.HeadType) elf.OSABI {
	switch h {
	case engine.Hfreebsd:
		return elf.ELFOSABI_FREEBSD
	case engine.Hnetbsd:
		return elf.ELFOSABI_NETBSD
	case engine.Hopenbsd:
		return elf.ELFOSABI_OPENBSD
	}
	return elf.ELFOSABI_NONE
}

// WriteHeader writes the ELF header, program headers, section headers and
// the section name table, all inside the HEADR bytes in front of text
func (elfImage) WriteHeader(l *Link, symo int64) error {
	out := l.out
	const (
		ro  = elf.SHF_ALLOC
		rw  = elf.SHF_ALLOC | elf.SHF_WRITE
		rx  = elf.SHF_ALLOC | elf.SHF_EXECINSTR
		pRW = elf.PF_R | elf.PF_W
	)

	interp := l.ROLookup(".interp")
	dynamic := l.ROLookup(".dynamic")
	hasInterp := interp != nil && interp.Size > 0 && interp.Sect != nil
	hasDynamic := dynamic != nil && dynamic.Size > 0 && dynamic.Sect != nil

	textBase := l.Segtext.Vaddr - l.Segtext.Fileoff
	var ph []elfPhdr
	if hasInterp || hasDynamic {
		ph = append(ph, elfPhdr{typ: elf.PT_PHDR, flags: elf.PF_R, align: 8})
	}
	if hasInterp {
		ph = append(ph, elfPhdr{
			typ: elf.PT_INTERP, flags: elf.PF_R, align: 1,
			off: uint64(l.DatOff(interp.Value)), vaddr: uint64(interp.Value),
			filesz: uint64(interp.Size), memsz: uint64(interp.Size),
		})
	}
	ph = append(ph, elfPhdr{
		typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, align: uint64(l.InitRnd),
		off: 0, vaddr: textBase,
		filesz: l.Segtext.Fileoff + l.Segtext.Filelen, memsz: l.Segtext.Fileoff + l.Segtext.Len,
	})
	if l.Segdata.Len > 0 {
		ph = append(ph, elfPhdr{
			typ: elf.PT_LOAD, flags: pRW, align: uint64(l.InitRnd),
			off: l.Segdata.Fileoff, vaddr: l.Segdata.Vaddr,
			filesz: l.Segdata.Filelen, memsz: l.Segdata.Len,
		})
	}
	if hasDynamic {
		ph = append(ph, elfPhdr{
			typ: elf.PT_DYNAMIC, flags: pRW, align: 8,
			off: uint64(l.DatOff(dynamic.Value)), vaddr: uint64(dynamic.Value),
			filesz: uint64(dynamic.Size), memsz: uint64(dynamic.Size),
		})
	}
	ph = append(ph, elfPhdr{typ: elf.PT_GNU_STACK, flags: pRW, align: 8})
	if ph[0].typ == elf.PT_PHDR {
		ph[0].off = elfHeaderSize
		ph[0].vaddr = textBase + elfHeaderSize
		ph[0].filesz = uint64(len(ph)) * elfPhdrSize
		ph[0].memsz = ph[0].filesz
	}

	sh := make([]elfShdr, elfShNum)
	sh[elfShNull] = elfShdr{}
	sh[elfShInterp] = l.symShdr(".interp", elf.SHT_PROGBITS, ro, 0, 0, 0)
	sh[elfShHash] = l.symShdr(".hash", elf.SHT_HASH, ro, elfShDynsym, 0, 4)
	sh[elfShDynsym] = l.symShdr(".dynsym", elf.SHT_DYNSYM, ro, elfShDynstr, 1, elfSymSize)
	sh[elfShDynstr] = l.symShdr(".dynstr", elf.SHT_STRTAB, ro, 0, 0, 0)
	sh[elfShRela] = l.symShdr(".rela", elf.SHT_RELA, ro, elfShDynsym, 0, elfRelaSize)
	sh[elfShRelaPLT] = l.symShdr(".rela.plt", elf.SHT_RELA, ro|elf.SHF_INFO_LINK, elfShDynsym, elfShGOTPLT, elfRelaSize)
	sh[elfShPLT] = l.symShdr(".plt", elf.SHT_PROGBITS, rx, 0, 0, pltEntrySize)
	sh[elfShGOT] = l.symShdr(".got", elf.SHT_PROGBITS, rw, 0, 0, PtrSize)
	sh[elfShGOTPLT] = l.symShdr(".got.plt", elf.SHT_PROGBITS, rw, 0, 0, PtrSize)
	sh[elfShDynamic] = l.symShdr(".dynamic", elf.SHT_DYNAMIC, rw, elfShDynstr, 0, elfDynSize)
	sh[elfShText] = l.sectShdr(&l.Segtext, ".text", elf.SHT_PROGBITS, rx)
	sh[elfShRodata] = l.sectShdr(&l.Segtext, ".rodata", elf.SHT_PROGBITS, ro)
	sh[elfShData] = l.sectShdr(&l.Segdata, ".data", elf.SHT_PROGBITS, rw)
	sh[elfShBss] = l.sectShdr(&l.Segdata, ".bss", elf.SHT_NOBITS, rw)
	sh[elfShShstrtab] = elfShdr{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1}
	sh[elfShSymtab] = elfShdr{name: ".symtab"}
	sh[elfShStrtab] = elfShdr{name: ".strtab"}
	sh[elfShRelaText] = elfShdr{name: ".rela.text"}
	if !l.SuppressSymbols {
		t := &l.elfsyms
		sh[elfShSymtab] = elfShdr{
			name: ".symtab", typ: elf.SHT_SYMTAB, off: uint64(t.symoff), size: uint64(l.Symsize),
			link: elfShStrtab, info: uint32(t.nlocal + 1), align: 8, entsize: elfSymSize,
		}
		sh[elfShStrtab] = elfShdr{name: ".strtab", typ: elf.SHT_STRTAB, off: uint64(t.stroff), size: uint64(t.strlen), align: 1}
		if l.IsObj {
			sh[elfShRelaText] = elfShdr{
				name: ".rela.text", typ: elf.SHT_RELA, flags: elf.SHF_INFO_LINK, off: uint64(t.reloff), size: uint64(t.rellen),
				link: elfShSymtab, info: elfShText, align: 8, entsize: elfRelaSize,
			}
		}
	}

	shstrtab := []byte{0}
	names := make([]uint32, len(sh))
	for i := 1; i < len(sh); i++ {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, sh[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	shoff := uint64(elfHeaderSize + len(ph)*elfPhdrSize)
	sh[elfShShstrtab].off = shoff + uint64(len(sh))*elfShdrSize
	sh[elfShShstrtab].size = uint64(len(shstrtab))
	if end := int64(sh[elfShShstrtab].off) + int64(len(shstrtab)); end > l.Headr {
		l.Errorf(CategoryOffset, "ELF headers need %d bytes, only %d reserved", end, l.Headr)
	}

	// ELF header
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F'}
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elfOSABI(l.HeadType))
	out.Write(ident[:])
	out.Write16(uint16(elf.ET_EXEC))
	out.Write16(uint16(elf.EM_X86_64))
	out.Write32(uint32(elf.EV_CURRENT))
	out.Write64(uint64(l.EntryValue()))
	out.Write64(elfHeaderSize)
	out.Write64(shoff)
	out.Write32(0) // flags
	out.Write16(elfHeaderSize)
	out.Write16(elfPhdrSize)
	out.Write16(uint16(len(ph)))
	out.Write16(elfShdrSize)
	out.Write16(uint16(len(sh)))
	out.Write16(elfShShstrtab)

	for _, p := range ph {
		out.Write32(uint32(p.typ))
		out.Write32(uint32(p.flags))
		out.Write64(p.off)
		out.Write64(p.vaddr)
		out.Write64(p.vaddr) // paddr
		out.Write64(p.filesz)
		out.Write64(p.memsz)
		out.Write64(p.align)
	}

	for i, s := range sh {
		out.Write32(names[i])
		out.Write32(uint32(s.typ))
		out.Write64(uint64(s.flags))
		out.Write64(s.addr)
		out.Write64(s.off)
		out.Write64(s.size)
		out.Write32(s.link)
		out.Write32(s.info)
		out.Write64(s.align)
		out.Write64(s.entsize)
	}

	out.Write(shstrtab)
	return out.Err()
}
