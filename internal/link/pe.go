package link

// PE (Portable Executable) layout for windows amd64
const (
	dosHeaderSize = 64
	dosStubSize   = 128

	peSignatureSize     = 4
	coffHeaderSize      = 20
	optionalHeaderSize  = 240 // PE32+
	peSectionHeaderSize = 40
	peNumSections       = 3

	// Section characteristics
	scnCntCode          = 0x00000020
	scnCntInitData      = 0x00000040
	scnCntUninitData    = 0x00000080
	scnMemExecute       = 0x20000000
	scnMemRead          = 0x40000000
	scnMemWrite         = 0x80000000
	coffCharacteristics = 0x0023 // RELOCS_STRIPPED | EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
	dllCharacteristics  = 0x8100 // TERMINAL_SERVER_AWARE | NX_COMPAT
)

type peImage struct{}

func (peImage) SymOff(l *Link) int64 {
	return Rnd(Rnd(l.Headr+int64(l.Segtext.Filelen), peFileAlign)+int64(l.Segdata.Filelen), peFileAlign)
}

// EmitSymbols only places the debug sections; PE images carry no symbol table
func (peImage) EmitSymbols(l *Link, symo int64) error {
	return l.emitDebug()
}

type peSection struct {
	name    string
	vsize   uint64
	vaddr   uint64
	rawsize uint64
	rawptr  uint64
	flags   uint32
}

func (l *Link) peSections() []peSection {
	bss := l.Segdata.Len - l.Segdata.Filelen
	return []peSection{
		{
			name: ".text", vsize: l.Segtext.Len, vaddr: l.Segtext.Vaddr - peBase,
			rawsize: uint64(Rnd(int64(l.Segtext.Len), peFileAlign)), rawptr: l.Segtext.Fileoff,
			flags: scnCntCode | scnCntInitData | scnMemExecute | scnMemRead,
		},
		{
			name: ".data", vsize: l.Segdata.Filelen, vaddr: l.Segdata.Vaddr - peBase,
			rawsize: uint64(Rnd(int64(l.Segdata.Filelen), peFileAlign)), rawptr: l.Segdata.Fileoff,
			flags: scnCntInitData | scnMemRead | scnMemWrite,
		},
		{
			name: ".bss", vsize: bss, vaddr: l.Segdata.Vaddr + l.Segdata.Filelen - peBase,
			flags: scnCntUninitData | scnMemRead | scnMemWrite,
		},
	}
}

// WriteHeader writes the DOS stub, the COFF and PE32+ optional headers and
// the section table. The data section is padded to the file alignment by
// writing its last byte.
func (peImage) WriteHeader(l *Link, symo int64) error {
	out := l.out
	sects := l.peSections()

	// DOS header
	out.Write16(0x5A4D) // "MZ"
	out.WriteZeros(58)
	out.Write32(dosHeaderSize + dosStubSize) // e_lfanew
	stubMsg := "This program requires Windows.\r\n$"
	out.WriteString(stubMsg)
	out.WriteZeros(int64(dosStubSize - len(stubMsg)))

	out.Write32(0x00004550) // "PE\0\0"

	// COFF file header
	out.Write16(0x8664)
	out.Write16(peNumSections)
	out.Write32(0) // TimeDateStamp
	out.Write32(0) // PointerToSymbolTable
	out.Write32(0) // NumberOfSymbols
	out.Write16(optionalHeaderSize)
	out.Write16(coffCharacteristics)

	// PE32+ optional header
	imageEnd := l.Segdata.Vaddr + l.Segdata.Len - peBase
	headersSize := Rnd(dosHeaderSize+dosStubSize+peSignatureSize+coffHeaderSize+
		optionalHeaderSize+peNumSections*peSectionHeaderSize, peFileAlign)

	out.Write16(0x020B)
	out.Write8(1) // major linker version
	out.Write8(0)
	out.Write32(uint32(sects[0].rawsize))
	out.Write32(uint32(sects[1].rawsize))
	out.Write32(uint32(sects[2].vsize))
	out.Write32(uint32(l.EntryValue() - peBase))
	out.Write32(uint32(sects[0].vaddr)) // base of code

	out.Write64(peBase)
	out.Write32(peSectAlign)
	out.Write32(peFileAlign)
	out.Write16(4) // major OS version
	out.Write16(0)
	out.Write16(1) // major image version
	out.Write16(0)
	out.Write16(4) // major subsystem version
	out.Write16(0)
	out.Write32(0) // Win32VersionValue
	out.Write32(uint32(Rnd(int64(imageEnd), peSectAlign)))
	out.Write32(uint32(headersSize))
	out.Write32(0) // checksum
	out.Write16(3) // console subsystem
	out.Write16(dllCharacteristics)
	out.Write64(0x100000) // stack reserve
	out.Write64(0x1000)   // stack commit
	out.Write64(0x100000) // heap reserve
	out.Write64(0x1000)   // heap commit
	out.Write32(0)        // loader flags
	out.Write32(16)       // number of data directories
	out.WriteZeros(16 * 8)

	for _, sect := range sects {
		out.WriteStringN(sect.name, 8)
		out.Write32(uint32(sect.vsize))
		out.Write32(uint32(sect.vaddr))
		out.Write32(uint32(sect.rawsize))
		out.Write32(uint32(sect.rawptr))
		out.Write32(0) // PointerToRelocations
		out.Write32(0) // PointerToLinenumbers
		out.Write16(0)
		out.Write16(0)
		out.Write32(sect.flags)
	}

	if d := sects[1]; d.rawsize > d.vsize {
		if err := out.SeekTo(int64(d.rawptr+d.rawsize) - 1); err != nil {
			return err
		}
		out.Write8(0)
	}
	return out.Err()
}
