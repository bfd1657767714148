// Package serialize implements the fixed-width little-endian wire codecs
// shared by every command and row format in the replication pipeline: single
// values, tuples of values in row or params layout, and the 8-byte alignment
// rules that both share.
//
// The package provides field-level primitives; record codecs such as the
// command package's encode and decode each field by hand in order.
package serialize

import (
	"encoding/binary"
	"math"

	"github.com/canonical/dqlite-core/dqerr"
)

// Type is the 4-bit tag identifying a Value's SQL column type.
type Type uint8

const (
	TypeInteger Type = iota
	TypeFloat
	TypeText
	TypeBlob
	TypeNull
	TypeUnixtime
	TypeISO8601
	TypeBoolean
)

func (t Type) valid() bool { return t <= TypeBoolean }

// Value is a tagged union over the SQL column types that cross the wire.
type Value struct {
	Type    Type
	Integer int64
	Float   float64
	Text    string
	Blob    []byte
}

// roundUp8 rounds n up to the next multiple of 8; text and blob payloads
// are stored 8-byte aligned.
func roundUp8(n int) int {
	return (n + 7) &^ 7
}

// SizeOf returns the encoded payload size (not including the type tag,
// which is packed separately by the tuple header) of v.
func SizeOf(v Value) int {
	switch v.Type {
	case TypeInteger, TypeUnixtime, TypeBoolean:
		return 8
	case TypeFloat:
		return 8
	case TypeText, TypeISO8601:
		return roundUp8(len(v.Text) + 1)
	case TypeBlob:
		return 8 + roundUp8(len(v.Blob))
	case TypeNull:
		return 0
	default:
		return 0
	}
}

// encodeValue appends the payload (not the type tag) for v to buf.
func encodeValue(buf []byte, v Value) []byte {
	switch v.Type {
	case TypeInteger, TypeUnixtime, TypeBoolean:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Integer))
		return append(buf, tmp[:]...)
	case TypeFloat:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Float))
		return append(buf, tmp[:]...)
	case TypeText, TypeISO8601:
		n := roundUp8(len(v.Text) + 1)
		padded := make([]byte, n)
		copy(padded, v.Text)
		// padded[len(v.Text)] is already zero: the null terminator.
		return append(buf, padded...)
	case TypeBlob:
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(v.Blob)))
		buf = append(buf, lenBuf[:]...)
		padded := make([]byte, roundUp8(len(v.Blob)))
		copy(padded, v.Blob)
		return append(buf, padded...)
	case TypeNull:
		return buf
	default:
		return buf
	}
}

// decodeValue reads one value of the given type starting at cur's cursor,
// advancing it only on success.
func decodeValue(cur *Cursor, typ Type) (Value, error) {
	if !typ.valid() {
		return Value{}, dqerr.New(dqerr.Parse, "invalid value type tag %d", typ)
	}
	switch typ {
	case TypeInteger, TypeUnixtime, TypeBoolean:
		n, err := cur.readUint64()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: typ, Integer: int64(n)}, nil
	case TypeFloat:
		n, err := cur.readUint64()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: typ, Float: math.Float64frombits(n)}, nil
	case TypeText, TypeISO8601:
		s, err := cur.readPaddedCString()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: typ, Text: s}, nil
	case TypeBlob:
		b, err := cur.readBlob()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: typ, Blob: b}, nil
	case TypeNull:
		return Value{Type: TypeNull}, nil
	default:
		return Value{}, dqerr.New(dqerr.Parse, "unhandled value type %d", typ)
	}
}
