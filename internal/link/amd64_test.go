package link

import (
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/l67/internal/engine"
)

func newTestLink(h engine.HeadType) *Link {
	opts := DefaultOptions()
	opts.HeadType = h
	return NewLink(opts)
}

func dynImport(l *Link, name, lib string) *Symbol {
	s := l.Lookup(name)
	s.Type = SDYNIMPORT
	s.DynImpName = name
	s.DynImpLib = lib
	return s
}

func textSym(l *Link, name string, code ...byte) *Symbol {
	s := l.Lookup(name)
	s.Type = STEXT
	s.AddBytes(code)
	return s
}

// TestPLTStubForImportedCall checks that a call to an import gets PLT0
// plus one 16 byte stub, and that the call lands on the stub
func TestPLTStubForImportedCall(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	puts := dynImport(l, "puts", "libc.so.6")
	main := textSym(l, "main", 0xe8, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 1, Siz: 4, Type: RPCRel, Sym: puts})

	l.AddDynRel(main, &main.R[0])

	plt := l.ROLookup(".plt")
	if plt == nil || plt.Size != 32 {
		t.Fatalf("Expected a 32 byte .plt, got %+v", plt)
	}
	if puts.PLT != 16 {
		t.Errorf("Expected PLT offset 16, got %d", puts.PLT)
	}
	r := main.R[0]
	if r.Sym != plt || r.Type != RPCRel || r.Add != int64(puts.PLT) {
		t.Errorf("Relocation not redirected to the stub: sym=%s type=%v add=%d", symName(r.Sym), r.Type, r.Add)
	}

	// jmpq *slot(IP); pushq $0; jmpq .plt
	if plt.P[16] != 0xff || plt.P[17] != 0x25 {
		t.Errorf("Stub does not start with jmpq *: % x", plt.P[16:18])
	}
	if plt.P[22] != 0x68 || binary.LittleEndian.Uint32(plt.P[23:]) != 0 {
		t.Errorf("Expected pushq $0, got % x", plt.P[22:27])
	}
	if plt.P[27] != 0xe9 || int32(binary.LittleEndian.Uint32(plt.P[28:])) != -32 {
		t.Errorf("Expected jmpq back to PLT0, got % x", plt.P[27:32])
	}

	if got := l.ROLookup(".got.plt"); got.Size != gotPLTReserve+PtrSize {
		t.Errorf("Expected %d bytes of .got.plt, got %d", gotPLTReserve+PtrSize, got.Size)
	}
	relaplt := l.ROLookup(".rela.plt")
	if relaplt.Size != elfRelaSize {
		t.Fatalf("Expected one .rela.plt entry, got %d bytes", relaplt.Size)
	}
	info := binary.LittleEndian.Uint64(relaplt.P[8:])
	if elf.R_X86_64(elf.R_TYPE64(info)) != elf.R_X86_64_JMP_SLOT || elf.R_SYM64(info) != uint32(puts.DynID) {
		t.Errorf("Bad .rela.plt info %#x", info)
	}
	if l.Diag.HasErrors() {
		t.Errorf("Unexpected diagnostics:\n%s", l.Diag.Report(false))
	}
}

func TestPLT32ToImport(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	puts := dynImport(l, "puts", "libc.so.6")
	main := textSym(l, "main", 0xe8, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 1, Siz: 4, Type: ElfRelocType(elf.R_X86_64_PLT32), Sym: puts, Add: -4})

	l.AddDynRel(main, &main.R[0])

	if main.R[0].Add != 16 || main.R[0].Sym != l.ROLookup(".plt") {
		t.Errorf("Expected .plt+16, got %s%+d", symName(main.R[0].Sym), main.R[0].Add)
	}
}

func TestPLT32ToStaticSymbol(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	f := textSym(l, "f", 0xc3)
	main := textSym(l, "main", 0xe8, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 1, Siz: 4, Type: ElfRelocType(elf.R_X86_64_PLT32), Sym: f, Add: -4})

	l.AddDynRel(main, &main.R[0])

	r := main.R[0]
	if r.Sym != f || r.Type != RPCRel || r.Add != 0 {
		t.Errorf("Expected a plain PC-relative call to f, got %s%+d %v", symName(r.Sym), r.Add, r.Type)
	}
	if l.ROLookup(".plt") != nil {
		t.Error("No PLT should be created for a static call")
	}
}

// TestGOTLoadOfStaticSymbolBecomesLEA checks the MOVQ to LEAQ rewrite
func TestGOTLoadOfStaticSymbolBecomesLEA(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	x := l.Lookup("x")
	x.AddUint64(42)

	main := textSym(l, "main", 0x48, opMOVQ, 0x05, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 3, Siz: 4, Type: ElfRelocType(elf.R_X86_64_GOTPCREL), Sym: x, Add: -4})

	l.AddDynRel(main, &main.R[0])

	if main.P[1] != opLEAQ {
		t.Errorf("Expected opcode %#x, got %#x", opLEAQ, main.P[1])
	}
	r := main.R[0]
	if r.Type != RPCRel || r.Sym != x || r.Add != 0 {
		t.Errorf("Expected a PC-relative reference to x, got %s%+d %v", symName(r.Sym), r.Add, r.Type)
	}
	if x.GOT != SlotUnassigned || l.ROLookup(".got") != nil {
		t.Error("No GOT slot should be allocated")
	}
}

func TestGOTPCRELOfStaticSymbolWithoutMOVQ(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	x := l.Lookup("x")
	x.AddUint64(42)

	// addq x@GOTPCREL(%rip), %rax
	main := textSym(l, "main", 0x48, 0x03, 0x05, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 3, Siz: 4, Type: ElfRelocType(elf.R_X86_64_REX_GOTPCRELX), Sym: x, Add: -4})

	l.AddDynRel(main, &main.R[0])

	got := l.ROLookup(".got")
	if got == nil || got.Size != PtrSize || x.GOT != 0 {
		t.Fatalf("Expected one static GOT slot, got %+v", got)
	}
	if len(got.R) != 1 || got.R[0].Sym != x || got.R[0].Type != RAddr {
		t.Errorf("The slot should hold the address of x: %+v", got.R)
	}
	if r := main.R[0]; r.Sym != got || r.Add != 0 {
		t.Errorf("Expected .got+0, got %s%+d", symName(r.Sym), r.Add)
	}
	if l.ROLookup(".dynsym") != nil {
		t.Error("A static GOT slot needs no dynamic symbol")
	}
}

func TestGOTPCRELOfImport(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	environ := dynImport(l, "environ", "libc.so.6")
	main := textSym(l, "main", 0x48, opMOVQ, 0x05, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 3, Siz: 4, Type: ElfRelocType(elf.R_X86_64_GOTPCREL), Sym: environ, Add: -4})

	l.AddDynRel(main, &main.R[0])

	if main.P[1] != opMOVQ {
		t.Error("The load through the GOT must stay a MOVQ")
	}
	rela := l.ROLookup(".rela")
	if rela == nil || rela.Size != elfRelaSize {
		t.Fatalf("Expected one .rela entry")
	}
	info := binary.LittleEndian.Uint64(rela.P[8:])
	if elf.R_X86_64(elf.R_TYPE64(info)) != elf.R_X86_64_GLOB_DAT {
		t.Errorf("Expected R_X86_64_GLOB_DAT, got %v", elf.R_X86_64(elf.R_TYPE64(info)))
	}
	if r := main.R[0]; r.Sym != l.ROLookup(".got") || r.Add != int64(environ.GOT) {
		t.Errorf("Expected .got%+d, got %s%+d", environ.GOT, symName(r.Sym), r.Add)
	}
}

// TestDataPointerToImport checks that a pointer in data to an import becomes
// a dynamic symbol plus one R_X86_64_64 record
func TestDataPointerToImport(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	stdout := dynImport(l, "stdout", "libc.so.6")
	p := l.Lookup("p")
	p.AddUint64(0)
	p.R = append(p.R, Reloc{Off: 0, Siz: 8, Type: RAddr, Sym: stdout, Add: 8})

	l.AddDynRel(p, &p.R[0])

	if p.R[0].Type != RelocDone {
		t.Errorf("Expected the relocation to be done, got %v", p.R[0].Type)
	}
	if dynsym := l.ROLookup(".dynsym"); dynsym.Size != 2*elfSymSize {
		t.Errorf("Expected the null entry plus one symbol, got %d bytes", dynsym.Size)
	}
	rela := l.ROLookup(".rela")
	if rela.Size != elfRelaSize {
		t.Fatalf("Expected exactly one .rela entry, got %d bytes", rela.Size)
	}
	info := binary.LittleEndian.Uint64(rela.P[8:])
	if elf.R_X86_64(elf.R_TYPE64(info)) != elf.R_X86_64_64 {
		t.Errorf("Expected R_X86_64_64, got %v", elf.R_X86_64(elf.R_TYPE64(info)))
	}
	if elf.R_SYM64(info) != uint32(stdout.DynID) || stdout.DynID != 1 {
		t.Errorf("Expected symbol index 1, got %d (DynID %d)", elf.R_SYM64(info), stdout.DynID)
	}
	if add := int64(binary.LittleEndian.Uint64(rela.P[16:])); add != 8 {
		t.Errorf("Expected addend 8, got %d", add)
	}
	if len(rela.R) != 1 || rela.R[0].Sym != p {
		t.Error("The record offset must be the address of the pointer")
	}
}

func TestRawAbs64ToImportInData(t *testing.T) {
	tests := []struct {
		head engine.HeadType
		sect string
	}{
		{engine.Hlinux, ".rela"},
		{engine.Hdarwin, ".linkedit.got"},
	}
	for _, tt := range tests {
		t.Run(tt.head.String(), func(t *testing.T) {
			l := newTestLink(tt.head)
			imp := dynImport(l, "environ", "libc.so.6")
			p := l.Lookup("p")
			p.AddUint64(0)
			p.R = append(p.R, Reloc{Off: 0, Siz: 8, Type: ElfRelocType(elf.R_X86_64_64), Sym: imp})

			l.ClassifyRelocs()

			if p.R[0].Type != RelocDone {
				t.Errorf("Expected the relocation to be done, got %v", p.R[0].Type)
			}
			if s := l.ROLookup(tt.sect); s == nil || s.Size == 0 {
				t.Errorf("Expected an entry in %s", tt.sect)
			}
			if l.Diag.HasErrors() {
				t.Errorf("Unexpected diagnostics:\n%s", l.Diag.Report(false))
			}
		})
	}
}

func TestRelocationDiagnostics(t *testing.T) {
	tests := []struct {
		name string
		typ  RelocType
		imp  bool
		cat  Category
	}{
		{"pc32 to import", ElfRelocType(elf.R_X86_64_PC32), true, CategoryInconsistentSymbol},
		{"abs64 to import", ElfRelocType(elf.R_X86_64_64), true, CategoryInconsistentSymbol},
		{"unknown elf kind", ElfRelocType(elf.R_X86_64_TPOFF32), false, CategoryUnsupportedInput},
		{"unknown macho kind", MachoRelocType(macho.X86_64_RELOC_SUBTRACTOR, false), false, CategoryUnsupportedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLink(engine.Hlinux)
			targ := textSym(l, "f", 0xc3)
			if tt.imp {
				targ = dynImport(l, "g", "libc.so.6")
			}
			main := textSym(l, "main", 0, 0, 0, 0, 0, 0, 0, 0)
			main.R = append(main.R, Reloc{Off: 0, Siz: 4, Type: tt.typ, Sym: targ})

			l.AddDynRel(main, &main.R[0])

			if l.Diag.CountCategory(tt.cat) != 1 {
				t.Errorf("Expected one %s diagnostic, got:\n%s", tt.cat, l.Diag.Report(false))
			}
			if d := l.Diag.All(); len(d) > 0 && d[0].Symbol != "main" {
				t.Errorf("Diagnostic should name the current symbol, got %q", d[0].Symbol)
			}
		})
	}
}

func TestUnknownSymbolInPC32(t *testing.T) {
	l := newTestLink(engine.Hlinux)
	undef := l.Lookup("undef")
	undef.Type = SXREF
	main := textSym(l, "main", 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 0, Siz: 4, Type: ElfRelocType(elf.R_X86_64_PC32), Sym: undef})

	l.AddDynRel(main, &main.R[0])

	if l.Diag.CountCategory(CategoryInconsistentSymbol) != 1 {
		t.Errorf("Expected a diagnostic for an unknown symbol, got %d", l.Diag.Count())
	}
}

func TestMachoBranchToImport(t *testing.T) {
	l := newTestLink(engine.Hdarwin)
	puts := dynImport(l, "puts", "/usr/lib/libSystem.B.dylib")
	main := textSym(l, "main", 0xe8, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 1, Siz: 4, Type: MachoRelocType(macho.X86_64_RELOC_BRANCH, true), Sym: puts})

	l.AddDynRel(main, &main.R[0])

	plt := l.ROLookup(".plt")
	if plt.Size != 6 || plt.Type != SMACHOPLT {
		t.Errorf("Expected a 6 byte Mach-O stub, got %d bytes of %v", plt.Size, plt.Type)
	}
	if plt.P[0] != 0xff || plt.P[1] != 0x25 {
		t.Errorf("Expected jmpq *, got % x", plt.P[:2])
	}
	if got := l.ROLookup(".got"); got.Size != PtrSize || puts.GOT != 0 {
		t.Errorf("Expected one GOT slot, got %d bytes", got.Size)
	}
	for _, name := range []string{".linkedit.plt", ".linkedit.got"} {
		s := l.ROLookup(name)
		if s == nil || s.Size != 4 || binary.LittleEndian.Uint32(s.P) != uint32(puts.DynID) {
			t.Errorf("Expected %s to hold the dynamic id %d", name, puts.DynID)
		}
	}
	if r := main.R[0]; r.Sym != plt || r.Add != 0 || r.Type != RPCRel {
		t.Errorf("Expected .plt+0, got %s%+d %v", symName(r.Sym), r.Add, r.Type)
	}
	if dynstr := l.ROLookup(".dynstr"); string(dynstr.P) != " \x00_puts\x00" {
		t.Errorf("Unexpected .dynstr %q", dynstr.P)
	}
}

func TestMachoGOTLoadOfStaticSymbol(t *testing.T) {
	l := newTestLink(engine.Hdarwin)
	x := l.Lookup("x")
	x.AddUint64(1)
	main := textSym(l, "main", 0x48, opMOVQ, 0x05, 0, 0, 0, 0)
	main.R = append(main.R, Reloc{Off: 3, Siz: 4, Type: MachoRelocType(macho.X86_64_RELOC_GOT_LOAD, true), Sym: x})

	l.AddDynRel(main, &main.R[0])

	if main.P[1] != opLEAQ || main.R[0].Type != RPCRel || main.R[0].Sym != x {
		t.Error("Expected the load to become LEAQ x(IP)")
	}
}

func TestMachoGOTAlias(t *testing.T) {
	l := newTestLink(engine.Hdarwin)
	environ := dynImport(l, "environ", "/usr/lib/libSystem.B.dylib")
	p := l.Lookup("p")
	p.AddUint64(0)
	p.R = append(p.R, Reloc{Off: 0, Siz: 8, Type: RAddr, Sym: environ})

	l.AddDynRel(p, &p.R[0])

	got := l.ROLookup(".got")
	if p.Type != SMACHOGOT|SSUB || p.Outer != got || got.Sub != p {
		t.Errorf("Expected p to alias a GOT slot, got type %v", p.Type)
	}
	if p.R[0].Type != RelocDone {
		t.Error("Expected the relocation to be done")
	}
	if s := l.ROLookup(".linkedit.got"); s == nil || s.Size != 4 {
		t.Error("Expected one indirect GOT entry")
	}
}

func TestMachoGOTAliasRejected(t *testing.T) {
	l := newTestLink(engine.Hdarwin)
	environ := dynImport(l, "environ", "/usr/lib/libSystem.B.dylib")
	p := l.Lookup("p")
	p.AddUint64(0)
	p.AddUint64(0)
	p.R = append(p.R, Reloc{Off: 8, Siz: 8, Type: RAddr, Sym: environ})

	l.AddDynRel(p, &p.R[0])

	if l.Diag.CountCategory(CategoryUnsupportedInput) != 1 {
		t.Errorf("Expected an unsupported relocation diagnostic, got:\n%s", l.Diag.Report(false))
	}
	if p.Type&SSUB != 0 {
		t.Error("p must not be turned into a GOT alias")
	}
}

func TestClassifyRelocsShared(t *testing.T) {
	opts := DefaultOptions()
	opts.Shared = true
	l := NewLink(opts)
	f := textSym(l, "f", 0xc3)
	p := l.Lookup("p")
	p.AddAddr(f)

	l.ClassifyRelocs()

	rela := l.ROLookup(".rela")
	if rela == nil || rela.Size != elfRelaSize {
		t.Fatalf("Expected one R_X86_64_RELATIVE entry")
	}
	if info := binary.LittleEndian.Uint64(rela.P[8:]); elf.R_X86_64(info) != elf.R_X86_64_RELATIVE {
		t.Errorf("Expected R_X86_64_RELATIVE, got %#x", info)
	}
	// offset and addend are both addresses
	if len(rela.R) != 2 || rela.R[0].Sym != p || rela.R[1].Sym != f {
		t.Errorf("Unexpected relocations on .rela: %+v", rela.R)
	}
}

func TestElfReloc1(t *testing.T) {
	tests := []struct {
		name    string
		r       Reloc
		add     int64
		wantTyp elf.R_X86_64
		wantAdd int64
		wantErr bool
	}{
		{"addr4", Reloc{Type: RAddr, Siz: 4}, 16, elf.R_X86_64_32, 16, false},
		{"addr8", Reloc{Type: RAddr, Siz: 8}, 16, elf.R_X86_64_64, 16, false},
		{"pcrel4", Reloc{Type: RPCRel, Siz: 4}, 16, elf.R_X86_64_PC32, 12, false},
		{"pcrel8", Reloc{Type: RPCRel, Siz: 8}, 16, 0, 0, true},
		{"addr2", Reloc{Type: RAddr, Siz: 2}, 16, 0, 0, true},
		{"done", Reloc{Type: RelocDone, Siz: 8}, 16, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rela")
			out, err := CreateOutBuf(path)
			if err != nil {
				t.Fatal(err)
			}
			err = ElfReloc1(out, &tt.r, 0x1000, 7, tt.add)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedReloc) {
					t.Errorf("Expected ErrUnsupportedReloc, got %v", err)
				}
				if out.Offset() != 0 {
					t.Errorf("Nothing should be written, wrote %d bytes", out.Offset())
				}
				out.Close()
				return
			}
			if err != nil {
				t.Fatalf("ElfReloc1 failed: %v", err)
			}
			if err := out.Close(); err != nil {
				t.Fatal(err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if len(data) != elfRelaSize {
				t.Fatalf("Expected %d bytes, got %d", elfRelaSize, len(data))
			}
			info := binary.LittleEndian.Uint64(data[8:])
			if off := binary.LittleEndian.Uint64(data); off != 0x1000 {
				t.Errorf("Expected offset 0x1000, got %#x", off)
			}
			if elf.R_SYM64(info) != 7 || elf.R_X86_64(elf.R_TYPE64(info)) != tt.wantTyp {
				t.Errorf("Expected sym 7 type %v, got sym %d type %v", tt.wantTyp, elf.R_SYM64(info), elf.R_X86_64(elf.R_TYPE64(info)))
			}
			if add := int64(binary.LittleEndian.Uint64(data[16:])); add != tt.wantAdd {
				t.Errorf("Expected addend %d, got %d", tt.wantAdd, add)
			}
		})
	}
}

func TestArchRelocNotHandled(t *testing.T) {
	if _, ok := archreloc(&Reloc{Type: RAddr}, &Symbol{}); ok {
		t.Error("amd64 has no architecture specific relocations")
	}
}
