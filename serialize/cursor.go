package serialize

import (
	"encoding/binary"

	"github.com/canonical/dqlite-core/dqerr"
)

// Cursor is a read cursor over a byte slice. Every read method advances the
// cursor only on success; a failed read leaves the cursor untouched.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor wraps buf for decoding starting at offset 0.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

func (c *Cursor) readUint8() (uint8, error) {
	if c.Remaining() < 1 {
		return 0, dqerr.New(dqerr.Parse, "short read: want 1 byte, have %d", c.Remaining())
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *Cursor) readUint16() (uint16, error) {
	if c.Remaining() < 2 {
		return 0, dqerr.New(dqerr.Parse, "short read: want 2 bytes, have %d", c.Remaining())
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *Cursor) readUint32() (uint32, error) {
	if c.Remaining() < 4 {
		return 0, dqerr.New(dqerr.Parse, "short read: want 4 bytes, have %d", c.Remaining())
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *Cursor) readUint64() (uint64, error) {
	if c.Remaining() < 8 {
		return 0, dqerr.New(dqerr.Parse, "short read: want 8 bytes, have %d", c.Remaining())
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

// readPaddedCString reads a null-terminated, 8-byte-padded text field: it
// scans for the NUL terminator, then consumes the full round-up-to-8 span.
func (c *Cursor) readPaddedCString() (string, error) {
	// Peek for the terminator without yet committing the cursor.
	idx := -1
	for i := c.pos; i < len(c.buf); i++ {
		if c.buf[i] == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", dqerr.New(dqerr.Parse, "unterminated text field")
	}
	n := roundUp8(idx - c.pos + 1)
	if c.Remaining() < n {
		return "", dqerr.New(dqerr.Parse, "short read: want %d padded bytes, have %d", n, c.Remaining())
	}
	s := string(c.buf[c.pos:idx])
	c.pos += n
	return s, nil
}

// readBlob reads an 8-byte length prefix followed by that many bytes,
// 8-byte padded.
func (c *Cursor) readBlob() ([]byte, error) {
	start := c.pos
	n, err := c.readUint64()
	if err != nil {
		return nil, err
	}
	padded := roundUp8(int(n))
	if c.Remaining() < padded {
		c.pos = start
		return nil, dqerr.New(dqerr.Parse, "short read: want %d blob bytes, have %d", padded, c.Remaining())
	}
	b := make([]byte, n)
	copy(b, c.buf[c.pos:c.pos+int(n)])
	c.pos += padded
	return b, nil
}

// ReadBytes consumes and returns exactly n raw bytes with no padding.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if c.Remaining() < n {
		return nil, dqerr.New(dqerr.Parse, "short read: want %d bytes, have %d", n, c.Remaining())
	}
	b := make([]byte, n)
	copy(b, c.buf[c.pos:c.pos+n])
	c.pos += n
	return b, nil
}

// Exported wrappers used by the command package, which shares this cursor
// for its own fixed-width header fields.

func (c *Cursor) ReadUint8() (uint8, error)   { return c.readUint8() }
func (c *Cursor) ReadUint16() (uint16, error) { return c.readUint16() }
func (c *Cursor) ReadUint32() (uint32, error) { return c.readUint32() }
func (c *Cursor) ReadUint64() (uint64, error) { return c.readUint64() }
func (c *Cursor) ReadText() (string, error)   { return c.readPaddedCString() }
func (c *Cursor) ReadBlob() ([]byte, error)   { return c.readBlob() }

// Encoder accumulates encoded bytes. It never fails: callers size buffers
// correctly up front, or let append grow them.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// WriteText writes a null-terminated, 8-byte padded string.
func (e *Encoder) WriteText(s string) {
	n := roundUp8(len(s) + 1)
	padded := make([]byte, n)
	copy(padded, s)
	e.buf = append(e.buf, padded...)
}

// WriteBlob writes an 8-byte length prefix followed by 8-byte padded bytes.
func (e *Encoder) WriteBlob(b []byte) {
	e.WriteUint64(uint64(len(b)))
	padded := make([]byte, roundUp8(len(b)))
	copy(padded, b)
	e.buf = append(e.buf, padded...)
}

// WriteRaw appends b unpadded, verbatim.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// SizeOfText returns round_up_to_8(strlen(s)+1)
func SizeOfText(s string) int { return roundUp8(len(s) + 1) }

// SizeOfBlob returns 8 + round_up_to_8(len(b))
func SizeOfBlob(b []byte) int { return 8 + roundUp8(len(b)) }
