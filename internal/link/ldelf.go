package link

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrBadObject is returned for input that is not an amd64 ELF relocatable object
var ErrBadObject = errors.New("not an amd64 ELF relocatable object")

// LoadELF reads one ELF relocatable object. Every allocated section
// becomes a local symbol holding its bytes; the object's symbols are
// chained below their section as SSUB symbols, and the RELA entries are
// attached to the section symbols as raw ELF relocations.
func (l *Link) LoadELF(r io.ReaderAt, pn string) error {
	f, err := elf.NewFile(r)
	if err != nil {
		return fmt.Errorf("%s: %w", pn, err)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_REL {
		return fmt.Errorf("%s: %w (%v %v %v)", pn, ErrBadObject, f.Class, f.Machine, f.Type)
	}
	l.Logf("ldelf %s\n", pn)

	sects := make([]*Symbol, len(f.Sections))
	for i, sect := range f.Sections {
		if sect.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		s := l.NewLocal(pn + "(" + sect.Name + ")")
		switch {
		case sect.Type == elf.SHT_NOBITS:
			s.Type = SBSS
		case sect.Flags&elf.SHF_EXECINSTR != 0:
			s.Type = STEXT
		case sect.Flags&elf.SHF_WRITE != 0:
			s.Type = SDATA
		default:
			s.Type = SRODATA
		}
		s.Size = int64(sect.Size)
		s.Align = int64(sect.Addralign)
		if s.Type != SBSS {
			if s.P, err = sect.Data(); err != nil {
				return fmt.Errorf("%s: section %s: %w", pn, sect.Name, err)
			}
		}
		sects[i] = s
	}

	esyms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("%s: %w", pn, err)
	}

	// relocations count symbols from 1; f.Symbols drops the null entry
	syms := make([]*Symbol, len(esyms)+1)
	for i, es := range esyms {
		s, err := l.ldelfSym(pn, es, sects)
		if err != nil {
			return err
		}
		syms[i+1] = s
	}

	for _, sect := range f.Sections {
		switch sect.Type {
		case elf.SHT_RELA:
		case elf.SHT_REL:
			return fmt.Errorf("%s: %s: %w: SHT_REL on amd64", pn, sect.Name, ErrBadObject)
		default:
			continue
		}
		if int(sect.Info) >= len(sects) || sects[sect.Info] == nil {
			continue
		}
		target := sects[sect.Info]
		data, err := sect.Data()
		if err != nil {
			return fmt.Errorf("%s: %s: %w", pn, sect.Name, err)
		}
		if err := l.ldelfRela(pn, target, data, syms); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) ldelfSym(pn string, es elf.Symbol, sects []*Symbol) (*Symbol, error) {
	typ := elf.ST_TYPE(es.Info)
	bind := elf.ST_BIND(es.Info)

	switch typ {
	case elf.STT_SECTION:
		if int(es.Section) < len(sects) {
			return sects[es.Section], nil
		}
		return nil, nil
	case elf.STT_FILE:
		return nil, nil
	}
	if es.Name == "" {
		return nil, nil
	}

	var s *Symbol
	if bind == elf.STB_LOCAL {
		s = l.NewLocal(es.Name)
	} else {
		s = l.Lookup(es.Name)
	}

	switch {
	case es.Section == elf.SHN_UNDEF:
		if s.Type == Sxxx {
			s.Type = SXREF
		}

	case es.Section == elf.SHN_COMMON:
		if s.Type == Sxxx || s.Type == SXREF {
			s.Type = SBSS
			s.Align = int64(es.Value)
		}
		// a real definition keeps its own size
		if s.Type == SBSS && int64(es.Size) > s.Size {
			s.Size = int64(es.Size)
		}

	case es.Section == elf.SHN_ABS:
		l.Errorf(CategoryUnsupportedInput, "%s: absolute symbol %s", pn, es.Name)

	case int(es.Section) < len(sects) && sects[es.Section] != nil:
		// only an undefined or common symbol may be defined freely
		if s.Type != Sxxx && s.Type != SXREF && s.Type != SBSS {
			if bind == elf.STB_WEAK {
				return s, nil
			}
			if !s.weak {
				return nil, fmt.Errorf("%s: duplicate symbol definition %s", pn, es.Name)
			}
			unlinkSub(s)
		}
		s.weak = bind == elf.STB_WEAK
		outer := sects[es.Section]
		s.Type = outer.Kind() | SSUB
		s.Value = int64(es.Value)
		s.Size = int64(es.Size)
		s.Outer = outer
		s.Sub = outer.Sub
		outer.Sub = s
	}
	return s, nil
}

// unlinkSub removes s from the sub chain of its outer symbol
func unlinkSub(s *Symbol) {
	if s.Outer == nil {
		return
	}
	for p := &s.Outer.Sub; *p != nil; p = &(*p).Sub {
		if *p == s {
			*p = s.Sub
			break
		}
	}
	s.Outer = nil
	s.Sub = nil
}

func (l *Link) ldelfRela(pn string, target *Symbol, data []byte, syms []*Symbol) error {
	for p := data; len(p) >= elfRelaSize; p = p[elfRelaSize:] {
		off := binary.LittleEndian.Uint64(p)
		info := binary.LittleEndian.Uint64(p[8:])
		add := int64(binary.LittleEndian.Uint64(p[16:]))

		typ := elf.R_X86_64(elf.R_TYPE64(info))
		if typ == elf.R_X86_64_NONE {
			continue
		}
		idx := elf.R_SYM64(info)
		if idx == 0 || int(idx) >= len(syms) || syms[idx] == nil {
			return fmt.Errorf("%s: %s: relocation %v at %#x references symbol %d", pn, target.Name, typ, off, idx)
		}

		siz := uint8(4)
		if typ == elf.R_X86_64_64 {
			siz = 8
		}
		target.R = append(target.R, Reloc{
			Off:  int32(off),
			Siz:  siz,
			Type: ElfRelocType(typ),
			Sym:  syms[idx],
			Add:  add,
		})
	}
	sort.SliceStable(target.R, func(i, j int) bool {
		return target.R[i].Off < target.R[j].Off
	})
	return nil
}
