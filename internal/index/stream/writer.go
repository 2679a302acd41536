// Package stream implements the primitive encodings of the index file format:
// big-endian ints, variable width document numbers and a length-prefixed
// character encoding over UTF-16 code units.
//
// Characters are stored as a 2-byte big-endian count of code units followed by
// each unit in 1, 2 or 3 bytes:
//
//	0xxxxxxx                    unit <= 0x7F (including NUL)
//	110xxxxx 10xxxxxx           unit <= 0x7FF
//	1110xxxx 10xxxxxx 10xxxxxx  everything else
package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
	"unicode/utf8"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

// BufferSize is the default read and write window.
const BufferSize = 2048

// MaxChars is the largest number of code units a single char sequence may hold.
const MaxChars = 0xFFFF

// Writer batches primitive writes into a fixed buffer and tracks the offset of
// the next byte relative to where the writer started.
type Writer struct {
	w      io.Writer
	buf    []byte
	n      int
	offset int64
}

// NewWriter returns a Writer whose Offset starts at base.
func NewWriter(w io.Writer, base int64) *Writer {
	return &Writer{
		w:      w,
		buf:    make([]byte, BufferSize),
		offset: base,
	}
}

// Offset is the position the next written byte will occupy.
func (w *Writer) Offset() int64 {
	return w.offset
}

func (w *Writer) ensure(k int) error {
	if w.n+k <= len(w.buf) {
		return nil
	}
	return w.Flush()
}

// Flush writes the buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	if w.n == 0 {
		return nil
	}
	if _, err := w.w.Write(w.buf[:w.n]); err != nil {
		return apperrors.IO("flushing index buffer", err)
	}
	w.n = 0
	return nil
}

func (w *Writer) WriteByte(b byte) error {
	if err := w.ensure(1); err != nil {
		return err
	}
	w.buf[w.n] = b
	w.n++
	w.offset++
	return nil
}

func (w *Writer) WriteInt(v int32) error {
	if err := w.ensure(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(w.buf[w.n:], uint32(v))
	w.n += 4
	w.offset += 4
	return nil
}

// WriteChars writes units using the index character encoding.
func (w *Writer) WriteChars(units []uint16) error {
	if len(units) > MaxChars {
		return fmt.Errorf("%w: char sequence of %d units exceeds %d", apperrors.ErrInvalidInput, len(units), MaxChars)
	}
	if err := w.ensure(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(w.buf[w.n:], uint16(len(units)))
	w.n += 2
	w.offset += 2
	for _, u := range units {
		if err := w.ensure(3); err != nil {
			return err
		}
		k := EncodeUnit(w.buf[w.n:], u)
		w.n += k
		w.offset += int64(k)
	}
	return nil
}

// WriteString writes s as UTF-16 code units. s must be valid UTF-8.
func (w *Writer) WriteString(s string) error {
	units, err := Units(s)
	if err != nil {
		return err
	}
	return w.WriteChars(units)
}

// WriteDocNumbers writes each number using width bytes (1, 2 or 4).
func (w *Writer) WriteDocNumbers(numbers []int32, width int) error {
	for _, n := range numbers {
		if err := w.ensure(width); err != nil {
			return err
		}
		switch width {
		case 1:
			w.buf[w.n] = byte(n)
		case 2:
			binary.BigEndian.PutUint16(w.buf[w.n:], uint16(n))
		case 4:
			binary.BigEndian.PutUint32(w.buf[w.n:], uint32(n))
		default:
			return fmt.Errorf("%w: document reference width %d", apperrors.ErrInvalidInput, width)
		}
		w.n += width
		w.offset += int64(width)
	}
	return nil
}

// EncodeUnit writes the encoding of u into dst, which must hold 3 bytes, and
// returns the number of bytes used.
func EncodeUnit(dst []byte, u uint16) int {
	switch {
	case u&0x007F == u:
		dst[0] = byte(u)
		return 1
	case u&0x07FF == u:
		dst[0] = 0xC0 | byte(u>>6)&0x1F
		dst[1] = 0x80 | byte(u)&0x3F
		return 2
	default:
		dst[0] = 0xE0 | byte(u>>12)&0x0F
		dst[1] = 0x80 | byte(u>>6)&0x3F
		dst[2] = 0x80 | byte(u)&0x3F
		return 3
	}
}

// ToUnits converts s to UTF-16 code units. Invalid UTF-8 becomes U+FFFD.
func ToUnits(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// Units converts s to UTF-16 code units, refusing invalid UTF-8 instead of
// replacing it.
func Units(s string) ([]uint16, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: %q is not valid UTF-8", apperrors.ErrInvalidInput, Clip(s))
	}
	return ToUnits(s), nil
}

// UnitCount returns the number of UTF-16 code units s encodes to.
func UnitCount(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// CheckString reports whether s can be stored as a char sequence.
func CheckString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %q is not valid UTF-8", apperrors.ErrInvalidInput, Clip(s))
	}
	if n := UnitCount(s); n > MaxChars {
		return fmt.Errorf("%w: %q is %d units long, the limit is %d", apperrors.ErrInvalidInput, Clip(s), n, MaxChars)
	}
	return nil
}

const clipLen = 64

// Clip shortens s for error messages.
func Clip(s string) string {
	if len(s) <= clipLen {
		return s
	}
	cut := clipLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// FromUnits converts UTF-16 code units back to a string. Unpaired surrogates
// become U+FFFD.
func FromUnits(units []uint16) string {
	return string(utf16.Decode(units))
}
