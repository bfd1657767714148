package serialize

import "github.com/canonical/dqlite-core/dqerr"

// TupleMode selects how a TupleDecoder discovers the number of values to
// decode
type TupleMode int

const (
	// ModeRow means arity is known up front; only the 4-bit-per-field
	// type header is read (no leading count byte).
	ModeRow TupleMode = iota
	// ModeParams means arity is unknown; a leading 1-byte count is read
	// first.
	ModeParams
)

// EncodeTuple serializes values in row format: a packed header of 4-bit
// type codes padded to an 8-byte word, followed by the values themselves.
func EncodeTuple(values []Value) []byte {
	e := NewEncoder()
	writeTypeHeader(e, values, false)
	for _, v := range values {
		e.buf = encodeValue(e.buf, v)
	}
	return e.Bytes()
}

// EncodeTupleParams serializes values in params format: a 1-byte count,
// then 1-byte type codes padded to 8 bytes, then the values.
func EncodeTupleParams(values []Value) []byte {
	e := NewEncoder()
	e.WriteUint8(uint8(len(values)))
	writeTypeHeader(e, values, true)
	for _, v := range values {
		e.buf = encodeValue(e.buf, v)
	}
	return e.Bytes()
}

// writeTypeHeader packs one 4-bit type code per value, padded to the next
// 8-byte word. In params mode one byte (the count) has already been
// written, which the padding call below accounts for.
func writeTypeHeader(e *Encoder, values []Value, afterCountByte bool) {
	nibbles := len(values)
	headerBytes := (nibbles + 1) / 2
	prefix := 0
	if afterCountByte {
		prefix = 1
	}
	total := roundUp8(prefix + headerBytes)
	header := make([]byte, total)
	for i, v := range values {
		b := header[prefix+i/2]
		if i%2 == 0 {
			b = (b &^ 0x0F) | (byte(v.Type) & 0x0F)
		} else {
			b = (b &^ 0xF0) | (byte(v.Type)&0x0F)<<4
		}
		header[prefix+i/2] = b
	}
	e.buf = append(e.buf, header[prefix:]...)
}

// TupleDecoder decodes a tuple from a byte slice given its arity (row mode)
// or discovers the arity from a leading count byte (params mode).
type TupleDecoder struct {
	cur    *Cursor
	mode   TupleMode
	n      int
	types  []Type
	cursor int // index of next value to decode
}

// NewTupleDecoder initializes a decoder over buf. When mode is ModeRow, n
// is the known arity. When mode is ModeParams, n is ignored and the arity
// is read from the leading count byte.
func NewTupleDecoder(buf []byte, mode TupleMode, n int) (*TupleDecoder, error) {
	cur := NewCursor(buf)
	d := &TupleDecoder{cur: cur, mode: mode}

	prefix := 0
	if mode == ModeParams {
		count, err := cur.readUint8()
		if err != nil {
			return nil, err
		}
		n = int(count)
		prefix = 1
	}
	d.n = n

	headerBytes := (n + 1) / 2
	total := roundUp8(prefix + headerBytes)
	padded := total - prefix
	raw, err := cur.ReadBytes(padded)
	if err != nil {
		return nil, err
	}

	types := make([]Type, n)
	for i := 0; i < n; i++ {
		b := raw[i/2]
		var t Type
		if i%2 == 0 {
			t = Type(b & 0x0F)
		} else {
			t = Type((b >> 4) & 0x0F)
		}
		if !t.valid() {
			return nil, dqerr.New(dqerr.Parse, "invalid type tag %d at field %d", t, i)
		}
		types[i] = t
	}
	d.types = types
	return d, nil
}

// Len returns the tuple's arity.
func (d *TupleDecoder) Len() int { return d.n }

// Done reports whether every value has been decoded.
func (d *TupleDecoder) Done() bool { return d.cursor >= d.n }

// Next decodes and returns the next value, advancing the cursor. Returns a
// Parse error (code dqerr.Parse) if the tag at this position is invalid or
// the payload is short.
func (d *TupleDecoder) Next() (Value, error) {
	if d.Done() {
		return Value{}, dqerr.New(dqerr.Parse, "tuple decoder exhausted")
	}
	v, err := decodeValue(d.cur, d.types[d.cursor])
	if err != nil {
		return Value{}, err
	}
	d.cursor++
	return v, nil
}

// DecodeAll drains the decoder into a slice, for callers that don't need to
// stream value-by-value.
func (d *TupleDecoder) DecodeAll() ([]Value, error) {
	out := make([]Value, 0, d.n)
	for !d.Done() {
		v, err := d.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
