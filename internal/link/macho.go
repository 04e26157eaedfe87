package link

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
)

// Mach-O constants not exported by debug/macho
const (
	lcLoadDylinker = 0xe

	machoSubCPUAMD64 = 3
	machoThreadState = 4 // x86_THREAD_STATE64
	machoThreadWords = 42
	machoHeaderSize  = 32
	machoStubSize    = 6
	machoDylinker    = "/usr/lib/dyld"

	sZeroFill              = 0x1
	sNonLazySymbolPointers = 0x6
	sSymbolStubs           = 0x8
	sAttrSomeInstructions  = 0x00000400
	sAttrPureInstructions  = 0x80000000
)

type machoImage struct{}

// machoLinkTabs returns the link edit tables in file order
func (l *Link) machoLinkTabs() []*Symbol {
	var tabs []*Symbol
	for _, name := range []string{".dynsym", ".dynstr", ".linkedit.plt", ".linkedit.got"} {
		s := l.ROLookup(name)
		if s == nil {
			s = &Symbol{Name: name}
		}
		tabs = append(tabs, s)
	}
	return tabs
}

// doMachoLink writes the dynamic symbol table, its strings and the
// indirect symbol tables after the debug sections. It returns the space
// used, rounded to INITRND.
func (l *Link) doMachoLink() (int64, error) {
	var size int64
	tabs := l.machoLinkTabs()
	for _, s := range tabs {
		size += s.Size
	}

	if size > 0 {
		l.linkoff = Rnd(l.Headr+int64(l.Segtext.Len), l.InitRnd) +
			Rnd(int64(l.Segdata.Filelen), l.InitRnd) +
			Rnd(int64(l.Segdwarf.Filelen), l.InitRnd)
		if err := l.out.SeekTo(l.linkoff); err != nil {
			return 0, err
		}
		for _, s := range tabs {
			p := s.P
			if int64(len(p)) > s.Size {
				p = p[:s.Size]
			}
			l.out.Write(p)
			l.out.WriteZeros(s.Size - int64(len(p)))
		}
		if err := l.out.Flush(); err != nil {
			return 0, err
		}
	}
	return Rnd(size, l.InitRnd), nil
}

func (machoImage) SymOff(l *Link) int64 {
	return Rnd(l.Headr+int64(l.Segtext.Len), l.InitRnd) + Rnd(int64(l.Segdata.Filelen), l.InitRnd) + l.machlink
}

// EmitSymbols has nothing to do: the symbols live in the link edit segment
func (machoImage) EmitSymbols(l *Link, symo int64) error {
	return nil
}

func machoName(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

type machoSeg struct {
	seg   macho.Segment64
	sects []macho.Section64
}

func (l *Link) machoSect(name, seg string, start, end uint64, flags uint32) macho.Section64 {
	sect := macho.Section64{
		Name:  machoName(name),
		Seg:   machoName(seg),
		Addr:  start,
		Size:  end - start,
		Align: 3,
		Flags: flags,
	}
	if flags&0xff != sZeroFill {
		sect.Offset = uint32(l.DatOff(int64(start)))
	}
	return sect
}

// sectRange returns the address range of the named section
func sectRange(seg *Segment, name string) (uint64, uint64) {
	for _, sect := range seg.Sect {
		if sect.Name == name {
			return sect.Vaddr, sect.Vaddr + sect.Len
		}
	}
	return seg.Vaddr, seg.Vaddr
}

// WriteHeader writes the Mach-O header and load commands. The layout
// follows the image: __PAGEZERO, __TEXT (with the headers), __DATA and
// __LINKEDIT, then the symbol tables, the dynamic loader, the libraries
// and a UNIXTHREAD command with the entry point.
func (machoImage) WriteHeader(l *Link, symo int64) error {
	va := l.InitText - l.Headr
	v := uint64(Rnd(l.Headr+int64(l.Segtext.Len), l.InitRnd))

	var segs []machoSeg
	segs = append(segs, machoSeg{seg: macho.Segment64{Name: machoName("__PAGEZERO"), Memsz: uint64(va)}})

	text := machoSeg{seg: macho.Segment64{
		Name: machoName("__TEXT"), Addr: uint64(va), Memsz: v, Offset: 0, Filesz: v,
		Maxprot: 7, Prot: 5,
	}}
	tstart, tend := sectRange(&l.Segtext, ".text")
	plt := l.ROLookup(".plt")
	if plt != nil && plt.Size > 0 && plt.Sect != nil {
		text.sects = append(text.sects, l.machoSect("__text", "__TEXT", tstart, uint64(plt.Value), sAttrPureInstructions|sAttrSomeInstructions))
		stub := l.machoSect("__symbol_stub1", "__TEXT", uint64(plt.Value), uint64(plt.Value+plt.Size), sSymbolStubs|sAttrPureInstructions|sAttrSomeInstructions)
		stub.Reserve2 = machoStubSize
		stub.Align = 0
		text.sects = append(text.sects, stub)
		tstart = uint64(plt.Value + plt.Size)
	}
	if tend > tstart {
		text.sects = append(text.sects, l.machoSect("__text", "__TEXT", tstart, tend, sAttrPureInstructions|sAttrSomeInstructions))
	}
	if rs, re := sectRange(&l.Segtext, ".rodata"); re > rs {
		text.sects = append(text.sects, l.machoSect("__rodata", "__TEXT", rs, re, 0))
	}
	segs = append(segs, text)

	data := machoSeg{seg: macho.Segment64{
		Name: machoName("__DATA"), Addr: uint64(va) + v, Memsz: l.Segdata.Len,
		Offset: v, Filesz: l.Segdata.Filelen, Maxprot: 7, Prot: 3,
	}}
	dstart, dend := sectRange(&l.Segdata, ".data")
	got := l.ROLookup(".got")
	nplt := uint32(0)
	if s := l.ROLookup(".linkedit.plt"); s != nil {
		nplt = uint32(s.Size / 4)
	}
	if got != nil && got.Size > 0 && got.Sect != nil {
		nl := l.machoSect("__nl_symbol_ptr", "__DATA", uint64(got.Value), uint64(got.Value+got.Size), sNonLazySymbolPointers)
		nl.Reserve1 = nplt
		data.sects = append(data.sects, nl)
		dstart = uint64(got.Value + got.Size)
	}
	if dend > dstart {
		data.sects = append(data.sects, l.machoSect("__data", "__DATA", dstart, dend, 0))
	}
	if bs, be := sectRange(&l.Segdata, ".bss"); be > bs {
		data.sects = append(data.sects, l.machoSect("__bss", "__DATA", bs, be, sZeroFill))
	}
	segs = append(segs, data)

	tabs := l.machoLinkTabs()
	dynsym, dynstr, lplt, lgot := tabs[0], tabs[1], tabs[2], tabs[3]
	linksize := uint64(dynsym.Size + dynstr.Size + lplt.Size + lgot.Size)
	if linksize > 0 {
		segs = append(segs, machoSeg{seg: macho.Segment64{
			Name: machoName("__LINKEDIT"), Addr: uint64(va) + v + uint64(Rnd(int64(l.Segdata.Len), l.InitRnd)),
			Memsz: linksize, Offset: uint64(l.linkoff), Filesz: linksize, Maxprot: 7, Prot: 3,
		}})
	}

	var cmds bytes.Buffer
	ncmd := uint32(0)
	for _, ms := range segs {
		ms.seg.Cmd = macho.LoadCmdSegment64
		ms.seg.Len = uint32(72 + 80*len(ms.sects))
		ms.seg.Nsect = uint32(len(ms.sects))
		binary.Write(&cmds, binary.LittleEndian, ms.seg)
		for _, sect := range ms.sects {
			binary.Write(&cmds, binary.LittleEndian, sect)
		}
		ncmd++
	}

	// unix thread
	thread := make([]uint32, 4+machoThreadWords)
	thread[0] = uint32(macho.LoadCmdUnixThread)
	thread[1] = uint32(len(thread) * 4)
	thread[2] = machoThreadState
	thread[3] = machoThreadWords
	entry := uint64(l.EntryValue())
	thread[4+32] = uint32(entry) // rip
	thread[4+33] = uint32(entry >> 32)
	binary.Write(&cmds, binary.LittleEndian, thread)
	ncmd++

	if linksize > 0 {
		nsyms := uint32(dynsym.Size / machoNlistSz)
		binary.Write(&cmds, binary.LittleEndian, macho.SymtabCmd{
			Cmd: macho.LoadCmdSymtab, Len: 24,
			Symoff: uint32(l.linkoff), Nsyms: nsyms,
			Stroff: uint32(l.linkoff + dynsym.Size), Strsize: uint32(dynstr.Size),
		})
		ncmd++

		binary.Write(&cmds, binary.LittleEndian, macho.DysymtabCmd{
			Cmd: macho.LoadCmdDysymtab, Len: 80,
			Nextdefsym:     uint32(l.NDynExp),
			Iundefsym:      uint32(l.NDynExp),
			Nundefsym:      nsyms - uint32(l.NDynExp),
			Indirectsymoff: uint32(l.linkoff + dynsym.Size + dynstr.Size),
			Nindirectsyms:  uint32((lplt.Size + lgot.Size) / 4),
		})
		ncmd++

		writeMachoStrCmd(&cmds, lcLoadDylinker, 12, nil, machoDylinker)
		ncmd++

		for _, lib := range l.MachoDylibs {
			// name offset, timestamp, current and compatibility version
			writeMachoStrCmd(&cmds, uint32(macho.LoadCmdDylib), 24, []uint32{0, 0, 0}, lib)
			ncmd++
		}
	}

	hdr := macho.FileHeader{
		Magic:  macho.Magic64,
		Cpu:    macho.CpuAmd64,
		SubCpu: machoSubCPUAMD64,
		Type:   macho.TypeExec,
		Ncmd:   ncmd,
		Cmdsz:  uint32(cmds.Len()),
		Flags:  macho.FlagNoUndefs,
	}
	if linksize > 0 {
		hdr.Flags |= macho.FlagDyldLink | macho.FlagTwoLevel
	}
	if machoHeaderSize+int64(cmds.Len()) > l.Headr {
		l.Errorf(CategoryOffset, "Mach-O load commands need %d bytes, only %d reserved", machoHeaderSize+cmds.Len(), l.Headr)
	}

	out := l.out
	binary.Write(out, binary.LittleEndian, hdr)
	out.Write32(0) // reserved
	out.Write(cmds.Bytes())
	return out.Err()
}

// writeMachoStrCmd writes a load command made of a string offset, extra
// words and a NUL terminated string padded to 8 bytes
func writeMachoStrCmd(b *bytes.Buffer, cmd uint32, stroff uint32, extra []uint32, str string) {
	size := Rnd(int64(stroff)+int64(len(str))+1, 8)
	binary.Write(b, binary.LittleEndian, []uint32{cmd, uint32(size), stroff})
	if len(extra) > 0 {
		binary.Write(b, binary.LittleEndian, extra)
	}
	b.WriteString(str)
	b.Write(make([]byte, size-int64(stroff)-int64(len(str))))
}
