package link

import (
	"fmt"
	"strconv"

	"github.com/xyproto/l67/internal/engine"
)

// Rnd rounds v to a multiple of r: up for v >= 0, toward negative infinity
// for v < 0. r <= 0 leaves v unchanged.
func Rnd(v, r int64) int64 {
	if r <= 0 {
		return v
	}
	if v < 0 {
		if c := v % r; c != 0 {
			v -= c + r
		}
		return v
	}
	v += r - 1
	return v - v%r
}

// EntryValue resolves the entry address. A name starting with a digit is
// an address literal; an unknown symbol means the start of text.
func (l *Link) EntryValue() int64 {
	a := l.InitEntry
	if a != "" && a[0] >= '0' && a[0] <= '9' {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			l.Errorf(CategoryInconsistentSymbol, "bad entry address %s: %v", a, err)
		}
		return int64(v)
	}
	s := l.ROLookup(a)
	if s == nil || s.Type == Sxxx {
		return l.InitText
	}
	if s.Kind() != STEXT {
		l.Errorf(CategoryInconsistentSymbol, "entry not text: %s", s.Name)
	}
	return s.Value
}

// blk writes the bytes of syms that fall in [addr, addr+size), zero
// filling gaps. syms must be in address order.
func (l *Link) blk(syms []*Symbol, addr, size int64) {
	eaddr := addr + size
	for _, s := range syms {
		if s.Value+s.Size <= addr {
			continue
		}
		if s.Value >= eaddr {
			break
		}
		l.cursym = s
		if s.Value < addr {
			l.Errorf(CategoryOffset, "phase error: addr=%#x but sym=%#x type=%v", addr, s.Value, s.Type)
			continue
		}
		l.out.WriteZeros(s.Value - addr)
		p := s.P
		if int64(len(p)) > s.Size {
			p = p[:s.Size]
		}
		l.out.Write(p)
		l.out.WriteZeros(s.Size - int64(len(p)))
		addr = s.Value + s.Size
	}
	l.cursym = nil
	if addr < eaddr {
		l.out.WriteZeros(eaddr - addr)
	}
}

func (l *Link) emitDebug() error {
	if l.Debug == nil {
		return nil
	}
	if err := l.Debug.EmitDebugSections(l.out); err != nil {
		return fmt.Errorf("debug sections: %w", err)
	}
	return nil
}

// Asmb writes the image to out in one ordered pass: text and read-only
// sections, data, symbols and debug sections, and finally the header at
// offset 0. Write failures abort the pass; everything else is a diagnostic.
func (l *Link) Asmb(out *OutBuf) error {
	l.out = out
	l.Logf("asmb\n")

	img, err := imageFor(l.HeadType)
	if err != nil {
		l.Errorf(CategoryUnsupportedFormat, "unknown header type %v", l.HeadType)
		return err
	}

	l.Logf("codeblk\n")
	text := segSyms(&l.Segtext)
	for _, sect := range l.Segtext.Sect {
		if err := out.SeekTo(int64(sect.Vaddr - l.Segtext.Vaddr + l.Segtext.Fileoff)); err != nil {
			return err
		}
		l.blk(text, int64(sect.Vaddr), int64(sect.Len))
	}

	l.Logf("datblk\n")
	if err := out.SeekTo(int64(l.Segdata.Fileoff)); err != nil {
		return err
	}
	l.blk(segSyms(&l.Segdata), int64(l.Segdata.Vaddr), int64(l.Segdata.Filelen))
	if err := out.Flush(); err != nil {
		return err
	}

	l.machlink = 0
	if l.HeadType == engine.Hdarwin {
		l.Logf("dwarf\n")
		dwarfoff := Rnd(l.Headr+int64(l.Segtext.Len), l.InitRnd) + Rnd(int64(l.Segdata.Filelen), l.InitRnd)
		if err := out.SeekTo(dwarfoff); err != nil {
			return err
		}
		l.Segdwarf.Fileoff = uint64(out.Offset())
		if err := l.emitDebug(); err != nil {
			return err
		}
		l.Segdwarf.Filelen = uint64(out.Offset()) - l.Segdwarf.Fileoff

		if l.machlink, err = l.doMachoLink(); err != nil {
			return err
		}
	}

	l.Symsize = 0
	l.Spsize = 0
	l.Lcsize = 0
	var symo int64
	if !l.SuppressSymbols {
		l.Logf("sym\n")
		symo = img.SymOff(l)
		if err := out.SeekTo(symo); err != nil {
			return err
		}
		if err := img.EmitSymbols(l, symo); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}

	l.Logf("headr\n")
	if err := out.SeekTo(0); err != nil {
		return err
	}
	if err := img.WriteHeader(l, symo); err != nil {
		return err
	}
	return out.Flush()
}
