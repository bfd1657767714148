// Package command implements the Raft log-entry binary format: a tagged
// union of OPEN/FRAMES/UNDO/CHECKPOINT commands, built on the serialize
// package's codecs. Every entry starts with a fixed header carrying the
// format version and command type, padded to 8 bytes with reserved zeros.
package command

import (
	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/serialize"
)

// Type tags the command variant, carried in byte 1 of the header.
type Type uint8

const (
	TypeOpen Type = iota + 1
	TypeFrames
	TypeUndo
	TypeCheckpoint
)

// FormatVersion is the only format byte this codec understands.
const FormatVersion uint8 = 1

// Open registers a database on a follower for the first time.
type Open struct {
	Filename string
}

// FrameData is one write transaction's dirty pages, as carried by a Frames
// command. PageSize is the raw wire field: 1 encodes 65536, which doesn't
// fit in 16 bits otherwise.
type FrameData struct {
	PageSize    uint16
	PageNumbers []uint64
	Pages       [][]byte
}

// PageSizeBytes returns the page size in bytes encoded by the wire field.
func (d FrameData) PageSizeBytes() int {
	if d.PageSize == 1 {
		return 65536
	}
	return int(d.PageSize)
}

// Frames is a write transaction's dirty pages, ready for replication.
type Frames struct {
	Filename string
	TxID     uint64
	Truncate uint32
	IsCommit bool
	Data     FrameData
}

// Undo is a rollback notice for a transaction previously proposed but
// never committed.
type Undo struct {
	TxID uint64
}

// Checkpoint forces a passive-to-truncate checkpoint.
type Checkpoint struct {
	Filename string
}

// Encode serializes a command value (one of Open, Frames, Undo,
// Checkpoint) into its Raft log-entry binary form: the 4-byte (padded to
// 8) header, then the type-specific body.
func Encode(v interface{}) ([]byte, error) {
	e := serialize.NewEncoder()
	switch c := v.(type) {
	case Open:
		writeHeader(e, TypeOpen)
		e.WriteText(c.Filename)
	case Frames:
		writeHeader(e, TypeFrames)
		e.WriteText(c.Filename)
		e.WriteUint64(c.TxID)
		e.WriteUint32(c.Truncate)
		if c.IsCommit {
			e.WriteUint8(1)
		} else {
			e.WriteUint8(0)
		}
		e.WriteUint8(0) // reserved
		e.WriteUint16(0) // reserved
		e.WriteUint32(uint32(len(c.Data.PageNumbers)))
		e.WriteUint16(c.Data.PageSize)
		e.WriteUint16(0) // reserved
		e.WriteUint32(0) // reserved
		for _, pgno := range c.Data.PageNumbers {
			e.WriteUint64(pgno)
		}
		for _, page := range c.Data.Pages {
			e.WriteRaw(page)
		}
	case Undo:
		writeHeader(e, TypeUndo)
		e.WriteUint64(c.TxID)
	case Checkpoint:
		writeHeader(e, TypeCheckpoint)
		e.WriteText(c.Filename)
	default:
		return nil, dqerr.New(dqerr.Protocol, "unknown command value type %T", v)
	}
	return e.Bytes(), nil
}

func writeHeader(e *serialize.Encoder, t Type) {
	e.WriteUint8(FormatVersion)
	e.WriteUint8(uint8(t))
	e.WriteUint8(0)
	e.WriteUint8(0)
	e.WriteUint8(0)
	e.WriteUint8(0)
	e.WriteUint8(0)
	e.WriteUint8(0)
}

// Decode parses a Raft log entry produced by Encode, verifying the format
// byte and selecting a decoder by type. Unknown format or type both fail
// with a Protocol error.
func Decode(buf []byte) (interface{}, error) {
	cur := serialize.NewCursor(buf)
	format, err := cur.ReadUint8()
	if err != nil {
		return nil, err
	}
	if format != FormatVersion {
		return nil, dqerr.New(dqerr.Protocol, "unsupported command format %d", format)
	}
	typByte, err := cur.ReadUint8()
	if err != nil {
		return nil, err
	}
	if _, err := cur.ReadBytes(6); err != nil { // reserved
		return nil, err
	}

	switch Type(typByte) {
	case TypeOpen:
		filename, err := cur.ReadText()
		if err != nil {
			return nil, err
		}
		return Open{Filename: filename}, nil
	case TypeFrames:
		return decodeFrames(cur)
	case TypeUndo:
		txID, err := cur.ReadUint64()
		if err != nil {
			return nil, err
		}
		return Undo{TxID: txID}, nil
	case TypeCheckpoint:
		filename, err := cur.ReadText()
		if err != nil {
			return nil, err
		}
		return Checkpoint{Filename: filename}, nil
	default:
		return nil, dqerr.New(dqerr.Protocol, "unknown command type %d", typByte)
	}
}

func decodeFrames(cur *serialize.Cursor) (Frames, error) {
	filename, err := cur.ReadText()
	if err != nil {
		return Frames{}, err
	}
	txID, err := cur.ReadUint64()
	if err != nil {
		return Frames{}, err
	}
	truncate, err := cur.ReadUint32()
	if err != nil {
		return Frames{}, err
	}
	isCommit, err := cur.ReadUint8()
	if err != nil {
		return Frames{}, err
	}
	if _, err := cur.ReadUint8(); err != nil { // reserved
		return Frames{}, err
	}
	if _, err := cur.ReadUint16(); err != nil { // reserved
		return Frames{}, err
	}
	nPages, err := cur.ReadUint32()
	if err != nil {
		return Frames{}, err
	}
	pageSize, err := cur.ReadUint16()
	if err != nil {
		return Frames{}, err
	}
	if _, err := cur.ReadUint16(); err != nil { // reserved
		return Frames{}, err
	}
	if _, err := cur.ReadUint32(); err != nil { // reserved
		return Frames{}, err
	}

	pageNumbers := make([]uint64, nPages)
	for i := range pageNumbers {
		pageNumbers[i], err = cur.ReadUint64()
		if err != nil {
			return Frames{}, err
		}
	}
	pageBytes := int(pageSize)
	if pageSize == 1 {
		pageBytes = 65536
	}
	pages := make([][]byte, nPages)
	for i := range pages {
		pages[i], err = cur.ReadBytes(pageBytes)
		if err != nil {
			return Frames{}, err
		}
	}

	return Frames{
		Filename: filename,
		TxID:     txID,
		Truncate: truncate,
		IsCommit: isCommit != 0,
		Data: FrameData{
			PageSize:    pageSize,
			PageNumbers: pageNumbers,
			Pages:       pages,
		},
	}, nil
}
