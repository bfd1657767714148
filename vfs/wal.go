package vfs

import (
	"math/rand"

	"github.com/canonical/dqlite-core/dqerr"
)

// walFrame is one in-memory WAL record: header plus the page payload it
// carries.
type walFrame struct {
	Header FrameHeader
	Page   []byte
}

// WAL is the write-ahead log region of a main database file: a header plus
// an ordered array of frames. mxFrame (len(Frames)) is the highest frame
// index visible to readers; Frames beyond a rolled-back transaction are
// truncated away, never merely marked dead.
type WAL struct {
	Header   WALHeader
	PageSize int
	Frames   []walFrame

	// rng draws fresh salts on every Reset; the checkpoint sequence number
	// itself lives in Header.CheckpointSeq.
	rng *rand.Rand
}

// NewWAL creates an empty WAL for a database with the given page size.
func NewWAL(pageSize int, seed int64) *WAL {
	rng := rand.New(rand.NewSource(seed))
	h := WALHeader{
		Magic:    walMagicBig,
		Version:  walFormatVersion,
		PageSize: uint32(pageSize),
		Salt1:    rng.Uint32(),
		Salt2:    rng.Uint32(),
	}
	return &WAL{Header: h, PageSize: pageSize, rng: rng}
}

// MxFrame returns the highest visible frame index (1-based count of
// frames currently in the WAL).
func (w *WAL) MxFrame() int { return len(w.Frames) }

// Size returns the WAL's on-disk byte length: header plus one
// (frame-header + page) span per frame.
func (w *WAL) Size() int64 {
	return int64(walHeaderSize) + int64(len(w.Frames))*int64(frameHeaderSize+w.PageSize)
}

// AppendFrame adds one frame for the given page, chaining the running
// checksum from the WAL header or the previous frame. commitMark is the
// database size in pages after commit for the final frame of a
// transaction, 0 otherwise.
func (w *WAL) AppendFrame(pageNumber uint32, page []byte, commitMark uint32) {
	var s0, s1 uint32
	if len(w.Frames) == 0 {
		s0, s1 = w.Header.Checksum1, w.Header.Checksum2
	} else {
		prev := w.Frames[len(w.Frames)-1].Header
		s0, s1 = prev.Checksum1, prev.Checksum2
	}

	bigEndian := w.Header.bigEndian()
	headerPrefix := make([]byte, 8)
	// The checksum chain covers the first 8 bytes of the frame header
	// (page number + commit mark) followed by the full page payload.
	putU32 := putBE
	if !bigEndian {
		putU32 = putLE
	}
	putU32(headerPrefix[0:4], pageNumber)
	putU32(headerPrefix[4:8], commitMark)

	s0, s1 = checksum(s0, s1, headerPrefix, bigEndian)
	s0, s1 = checksum(s0, s1, page, bigEndian)

	fh := FrameHeader{
		PageNumber: pageNumber,
		CommitMark: commitMark,
		Salt1:      w.Header.Salt1,
		Salt2:      w.Header.Salt2,
		Checksum1:  s0,
		Checksum2:  s1,
	}
	data := make([]byte, len(page))
	copy(data, page)
	w.Frames = append(w.Frames, walFrame{Header: fh, Page: data})
}

// TruncateTo drops every frame at index n and beyond (0-based count of
// frames to keep).
func (w *WAL) TruncateTo(n int) error {
	if n < 0 || n > len(w.Frames) {
		return dqerr.New(dqerr.Protocol, "truncate index %d out of range [0,%d]", n, len(w.Frames))
	}
	w.Frames = w.Frames[:n]
	return nil
}

// Reset truncates the WAL to zero frames and rolls fresh salts, as happens
// after a full TRUNCATE checkpoint or when a FRAMES command
// reports a restart.
func (w *WAL) Reset() {
	w.Frames = w.Frames[:0]
	w.Header.Salt1 = w.rng.Uint32()
	w.Header.Salt2 = w.rng.Uint32()
	w.Header.CheckpointSeq++
}

func putBE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putLE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
