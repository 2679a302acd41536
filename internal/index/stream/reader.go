package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

// ErrMalformedChars is returned when a char sequence does not follow the
// 1/2/3 byte encoding.
var ErrMalformedChars = fmt.Errorf("%w: malformed character encoding", apperrors.ErrCorruptIndex)

// Reader decodes primitives from a buffered window that is refilled from the
// underlying reader only when the next primitive does not fit in the bytes
// that remain.
type Reader struct {
	r      io.Reader
	buf    []byte
	pos    int
	end    int
	offset int64 // file offset of buf[0]
	eof    bool
}

// NewReader reads from r, which is positioned at file offset base.
func NewReader(r io.Reader, base int64, size int) *Reader {
	if size <= 0 {
		size = BufferSize
	}
	return &Reader{
		r:      r,
		buf:    make([]byte, size),
		offset: base,
	}
}

// NewBytesReader decodes b, which starts at file offset base. It never refills.
func NewBytesReader(b []byte, base int64) *Reader {
	return &Reader{
		buf:    b,
		end:    len(b),
		offset: base,
		eof:    true,
	}
}

// Offset is the file position of the next byte to be decoded.
func (r *Reader) Offset() int64 {
	return r.offset + int64(r.pos)
}

// fill makes at least k bytes available, shifting the unread tail to the front
// of the window before reading more.
func (r *Reader) fill(k int) error {
	if r.end-r.pos >= k {
		return nil
	}
	if r.eof {
		return apperrors.IO("reading index stream", io.ErrUnexpectedEOF)
	}
	remaining := r.end - r.pos
	if k > len(r.buf) {
		grown := make([]byte, k)
		copy(grown, r.buf[r.pos:r.end])
		r.buf = grown
	} else if remaining > 0 {
		copy(r.buf, r.buf[r.pos:r.end])
	}
	r.offset += int64(r.pos)
	r.pos = 0
	r.end = remaining
	for r.end < k {
		n, err := r.r.Read(r.buf[r.end:])
		r.end += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
				if r.end >= k {
					return nil
				}
				return apperrors.IO("reading index stream", io.ErrUnexpectedEOF)
			}
			return apperrors.IO("reading index stream", err)
		}
	}
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.fill(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadInt() (int32, error) {
	if err := r.fill(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	return v, nil
}

// ReadChars decodes one length-prefixed char sequence.
func (r *Reader) ReadChars() ([]uint16, error) {
	if err := r.fill(2); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2

	units := make([]uint16, length)
	for i := 0; i < length; i++ {
		if err := r.fill(1); err != nil {
			return nil, err
		}
		b := r.buf[r.pos]
		switch b & 0xF0 {
		case 0x00, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70:
			units[i] = uint16(b)
			r.pos++
		case 0xC0, 0xD0:
			if err := r.fill(2); err != nil {
				return nil, err
			}
			next := r.buf[r.pos+1]
			if next&0xC0 != 0x80 {
				return nil, fmt.Errorf("%w at offset %d", ErrMalformedChars, r.Offset())
			}
			units[i] = uint16(b&0x1F)<<6 | uint16(next&0x3F)
			r.pos += 2
		case 0xE0:
			if err := r.fill(3); err != nil {
				return nil, err
			}
			first, second := r.buf[r.pos+1], r.buf[r.pos+2]
			if first&second&0xC0 != 0x80 {
				return nil, fmt.Errorf("%w at offset %d", ErrMalformedChars, r.Offset())
			}
			units[i] = uint16(b&0x0F)<<12 | uint16(first&0x3F)<<6 | uint16(second&0x3F)
			r.pos += 3
		default:
			return nil, fmt.Errorf("%w: lead byte 0x%02x at offset %d", ErrMalformedChars, b, r.Offset())
		}
	}
	return units, nil
}

func (r *Reader) ReadString() (string, error) {
	units, err := r.ReadChars()
	if err != nil {
		return "", err
	}
	return FromUnits(units), nil
}

// ReadDocNumbers decodes count document numbers of the given width.
func (r *Reader) ReadDocNumbers(count int, width int) ([]int32, error) {
	if count < 0 {
		return nil, apperrors.Corruptf("negative document array size %d", count)
	}
	numbers := make([]int32, count)
	for i := range numbers {
		if err := r.fill(width); err != nil {
			return nil, err
		}
		switch width {
		case 1:
			numbers[i] = int32(r.buf[r.pos])
		case 2:
			numbers[i] = int32(binary.BigEndian.Uint16(r.buf[r.pos:]))
		case 4:
			numbers[i] = int32(binary.BigEndian.Uint32(r.buf[r.pos:]))
		default:
			return nil, apperrors.Corruptf("document reference width %d", width)
		}
		r.pos += width
	}
	return numbers, nil
}
