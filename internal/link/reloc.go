package link

import (
	"encoding/binary"
	"math"
)

func symaddr(s *Symbol) int64 {
	if s == nil || s.Kind() == SDYNIMPORT {
		return 0
	}
	return s.Value
}

func symName(s *Symbol) string {
	if s == nil {
		return "<nil>"
	}
	return s.Name
}

// RelocSym patches every classified relocation into the bytes of its symbol.
// It must run after Layout.
func (l *Link) RelocSym() {
	l.Logf("reloc\n")
	for _, s := range l.allsyms {
		l.relocsym(s)
	}
	l.cursym = nil
}

func (l *Link) relocsym(s *Symbol) {
	l.cursym = s
	for i := range s.R {
		r := &s.R[i]
		if r.Type == RelocDone {
			continue
		}
		off := int64(r.Off)
		siz := int64(r.Siz)
		if off < 0 || off+siz > int64(len(s.P)) {
			l.Errorf(CategoryOffset, "reloc %d+%d not in [%d,%d)", off, siz, 0, len(s.P))
			continue
		}
		if r.Type >= elfRelocBase {
			l.Errorf(CategoryUnsupportedInput, "unclassified relocation %v", r.Type)
			continue
		}
		if r.Sym != nil && (r.Sym.Type == Sxxx || r.Sym.Type == SXREF) {
			l.Errorf(CategoryInconsistentSymbol, "undefined: %s", r.Sym.Name)
			continue
		}

		var o int64
		if v, ok := archreloc(r, s); ok {
			o = v
		} else {
			switch r.Type {
			case RAddr:
				o = symaddr(r.Sym) + r.Add
			case RPCRel:
				o = symaddr(r.Sym) + r.Add - (s.Value + off + siz)
			default:
				l.Errorf(CategoryUnsupportedInput, "unknown reloc %v", r.Type)
				continue
			}
		}

		switch siz {
		case 1:
			s.P[off] = uint8(o)
		case 2:
			binary.LittleEndian.PutUint16(s.P[off:], uint16(o))
		case 4:
			if r.Type == RPCRel && (o < math.MinInt32 || o > math.MaxInt32) ||
				r.Type == RAddr && (o < math.MinInt32 || o > math.MaxUint32) {
				l.Errorf(CategoryOffset, "relocation to %s out of range: %#x", symName(r.Sym), o)
			}
			binary.LittleEndian.PutUint32(s.P[off:], uint32(o))
		case 8:
			binary.LittleEndian.PutUint64(s.P[off:], uint64(o))
		default:
			l.Errorf(CategoryUnsupportedInput, "bad reloc size %d", siz)
		}
	}
}
