package link

import (
	"errors"
	"fmt"

	"github.com/xyproto/l67/internal/engine"
)

// ErrUnsupportedFormat is returned for a header type with no image writer
var ErrUnsupportedFormat = errors.New("unsupported output format")

// ImageWriter is the part of the image assembly that depends on the
// container format. The set of implementations is closed.
type ImageWriter interface {
	// SymOff returns the file offset of the symbol table
	SymOff(l *Link) int64
	// EmitSymbols writes symbol tables and debug sections at symo
	EmitSymbols(l *Link, symo int64) error
	// WriteHeader writes the file header at offset 0
	WriteHeader(l *Link, symo int64) error

	sealed()
}

func imageFor(h engine.HeadType) (ImageWriter, error) {
	switch h {
	case engine.Hplan9x32:
		return plan9Image{}, nil
	case engine.Hplan9x64:
		return plan9Image{fat: true, syms: true}, nil
	case engine.Helf:
		// no ELF writer for the bare header type; it keeps the flat
		// 64-bit header and carries no symbols
		return plan9Image{fat: true}, nil
	case engine.Hdarwin:
		return machoImage{}, nil
	case engine.Hlinux, engine.Hfreebsd, engine.Hnetbsd, engine.Hopenbsd:
		return elfImage{}, nil
	case engine.Hwindows:
		return peImage{}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, h)
}

func (plan9Image) sealed() {}
func (elfImage) sealed()   {}
func (machoImage) sealed() {}
func (peImage) sealed()    {}
