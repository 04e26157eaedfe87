package link

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// OutBuf is the output file of a link. Writes are buffered; SeekTo flushes
// first so a later seek-and-write never races bytes still in the buffer.
// The first write error sticks and is returned by Flush, SeekTo and Close.
type OutBuf struct {
	f   *os.File
	w   *bufio.Writer
	off int64
	err error
}

// CreateOutBuf creates (or truncates) the output file at path
func CreateOutBuf(path string) (*OutBuf, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &OutBuf{f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

// Name returns the path of the output file
func (o *OutBuf) Name() string {
	return o.f.Name()
}

// Write implements io.Writer
func (o *OutBuf) Write(p []byte) (int, error) {
	if o.err != nil {
		return 0, o.err
	}
	n, err := o.w.Write(p)
	o.off += int64(n)
	if err != nil {
		o.err = fmt.Errorf("write %s: %w", o.f.Name(), err)
	}
	return n, o.err
}

// Offset returns the current file position
func (o *OutBuf) Offset() int64 {
	return o.off
}

// SeekTo flushes pending bytes and moves to the absolute offset off
func (o *OutBuf) SeekTo(off int64) error {
	if err := o.Flush(); err != nil {
		return err
	}
	if _, err := o.f.Seek(off, io.SeekStart); err != nil {
		o.err = fmt.Errorf("seek %s to %#x: %w", o.f.Name(), off, err)
		return o.err
	}
	o.off = off
	return nil
}

// Flush writes buffered bytes to the file
func (o *OutBuf) Flush() error {
	if o.err != nil {
		return o.err
	}
	if err := o.w.Flush(); err != nil {
		o.err = fmt.Errorf("flush %s: %w", o.f.Name(), err)
	}
	return o.err
}

// Err returns the sticky write error, if any
func (o *OutBuf) Err() error {
	return o.err
}

func (o *OutBuf) Write8(v uint8) {
	o.Write([]byte{v})
}

func (o *OutBuf) Write16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	o.Write(b[:])
}

func (o *OutBuf) Write32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	o.Write(b[:])
}

func (o *OutBuf) Write64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	o.Write(b[:])
}

// Write32b writes v big endian
func (o *OutBuf) Write32b(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	o.Write(b[:])
}

// Write64b writes v big endian
func (o *OutBuf) Write64b(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	o.Write(b[:])
}

// WriteString writes s without a terminator
func (o *OutBuf) WriteString(s string) {
	o.Write([]byte(s))
}

// WriteStringN writes s truncated or zero padded to exactly n bytes
func (o *OutBuf) WriteStringN(s string, n int) {
	if len(s) > n {
		s = s[:n]
	}
	o.WriteString(s)
	o.WriteZeros(int64(n - len(s)))
}

var zeroes [512]byte

// WriteZeros writes n zero bytes
func (o *OutBuf) WriteZeros(n int64) {
	for n > 0 {
		k := min(n, int64(len(zeroes)))
		o.Write(zeroes[:k])
		n -= k
	}
}

// Close flushes, syncs and closes the file and marks it executable
func (o *OutBuf) Close() error {
	ferr := o.Flush()
	if ferr == nil {
		ferr = o.finish()
	}
	cerr := o.f.Close()
	if ferr != nil {
		return ferr
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", o.f.Name(), cerr)
	}
	return nil
}
