package link

import (
	"encoding/binary"
)

// Byte emission primitives. Every integer is little endian; symbols that
// had no kind yet become SDATA on their first write.

func (s *Symbol) grow(siz int64) {
	if n := int64(len(s.P)); n < siz {
		s.P = append(s.P, make([]byte, siz-n)...)
	}
	if s.Size < siz {
		s.Size = siz
	}
}

func (s *Symbol) setUintxx(off int64, v uint64, wid int64) int64 {
	if s.Type == Sxxx {
		s.Type = SDATA
	}
	s.grow(off + wid)
	switch wid {
	case 1:
		s.P[off] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(s.P[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(s.P[off:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(s.P[off:], v)
	}
	return off + wid
}

func (s *Symbol) addUintxx(v uint64, wid int64) int64 {
	off := s.Size
	s.setUintxx(off, v, wid)
	return off
}

// AddUint8 appends v and returns its offset
func (s *Symbol) AddUint8(v uint8) int64 { return s.addUintxx(uint64(v), 1) }

// AddUint16 appends v and returns its offset
func (s *Symbol) AddUint16(v uint16) int64 { return s.addUintxx(uint64(v), 2) }

// AddUint32 appends v and returns its offset
func (s *Symbol) AddUint32(v uint32) int64 { return s.addUintxx(uint64(v), 4) }

// AddUint64 appends v and returns its offset
func (s *Symbol) AddUint64(v uint64) int64 { return s.addUintxx(v, 8) }

func (s *Symbol) SetUint8(off int64, v uint8) int64   { return s.setUintxx(off, uint64(v), 1) }
func (s *Symbol) SetUint16(off int64, v uint16) int64 { return s.setUintxx(off, uint64(v), 2) }
func (s *Symbol) SetUint32(off int64, v uint32) int64 { return s.setUintxx(off, uint64(v), 4) }
func (s *Symbol) SetUint64(off int64, v uint64) int64 { return s.setUintxx(off, v, 8) }

// AddBytes appends b and returns its offset
func (s *Symbol) AddBytes(b []byte) int64 {
	if s.Type == Sxxx {
		s.Type = SDATA
	}
	off := s.Size
	s.grow(off + int64(len(b)))
	copy(s.P[off:], b)
	return off
}

// AddString appends str and a NUL byte and returns the offset of str.
// This is the string-table interning primitive used for .dynstr.
func (s *Symbol) AddString(str string) int64 {
	off := s.AddBytes([]byte(str))
	s.AddUint8(0)
	return off
}

func (s *Symbol) addReloc(off int64, siz uint8, typ RelocType, t *Symbol, add int64) {
	s.R = append(s.R, Reloc{
		Off:  int32(off),
		Siz:  siz,
		Type: typ,
		Sym:  t,
		Add:  add,
	})
}

// SetAddrPlus stores the address of t plus add at off, resolved by relocsym
func (s *Symbol) SetAddrPlus(off int64, t *Symbol, add int64) int64 {
	if s.Type == Sxxx {
		s.Type = SDATA
	}
	s.grow(off + PtrSize)
	s.addReloc(off, PtrSize, RAddr, t, add)
	return off + PtrSize
}

// SetAddr stores the address of t at off
func (s *Symbol) SetAddr(off int64, t *Symbol) int64 {
	return s.SetAddrPlus(off, t, 0)
}

// AddAddrPlus appends the address of t plus add
func (s *Symbol) AddAddrPlus(t *Symbol, add int64) int64 {
	off := s.Size
	s.SetAddrPlus(off, t, add)
	return off
}

// AddAddr appends the address of t
func (s *Symbol) AddAddr(t *Symbol) int64 {
	return s.AddAddrPlus(t, 0)
}

// AddPCRelPlus appends a 4-byte PC-relative reference to t plus add,
// measured from the end of the field
func (s *Symbol) AddPCRelPlus(t *Symbol, add int64) int64 {
	if s.Type == Sxxx {
		s.Type = SDATA
	}
	off := s.Size
	s.grow(off + 4)
	s.addReloc(off, 4, RPCRel, t, add)
	return off
}
