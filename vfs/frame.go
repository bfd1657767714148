package vfs

import (
	"encoding/binary"

	"github.com/canonical/dqlite-core/dqerr"
)

// On-disk WAL layout constants.
const (
	walHeaderSize = 32
	frameHeaderSize = 24
	walMagicLittle  uint32 = 0x377f0682
	walMagicBig     uint32 = 0x377f0683
	walFormatVersion uint32 = 3007000
)

// WALHeader is the 32-byte header preceding the first frame of a WAL file.
type WALHeader struct {
	Magic       uint32
	Version     uint32
	PageSize    uint32
	CheckpointSeq uint32
	Salt1       uint32
	Salt2       uint32
	Checksum1   uint32
	Checksum2   uint32
}

func (h WALHeader) bigEndian() bool {
	// Native byte order if the magic's LSB is clear, else big-endian.
	// This store always writes big-endian frames, so the LSB of the
	// magic we emit is always set.
	return h.Magic&1 != 0
}

// EncodeWALHeader serializes h to its 32-byte on-disk form.
func EncodeWALHeader(h WALHeader) []byte {
	buf := make([]byte, walHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint32(buf[12:16], h.CheckpointSeq)
	binary.BigEndian.PutUint32(buf[16:20], h.Salt1)
	binary.BigEndian.PutUint32(buf[20:24], h.Salt2)
	binary.BigEndian.PutUint32(buf[24:28], h.Checksum1)
	binary.BigEndian.PutUint32(buf[28:32], h.Checksum2)
	return buf
}

// DecodeWALHeader parses a 32-byte WAL header.
func DecodeWALHeader(buf []byte) (WALHeader, error) {
	if len(buf) < walHeaderSize {
		return WALHeader{}, dqerr.New(dqerr.Parse, "short WAL header: %d bytes", len(buf))
	}
	h := WALHeader{
		Magic:         binary.BigEndian.Uint32(buf[0:4]),
		Version:       binary.BigEndian.Uint32(buf[4:8]),
		PageSize:      binary.BigEndian.Uint32(buf[8:12]),
		CheckpointSeq: binary.BigEndian.Uint32(buf[12:16]),
		Salt1:         binary.BigEndian.Uint32(buf[16:20]),
		Salt2:         binary.BigEndian.Uint32(buf[20:24]),
		Checksum1:     binary.BigEndian.Uint32(buf[24:28]),
		Checksum2:     binary.BigEndian.Uint32(buf[28:32]),
	}
	if h.Magic != walMagicBig && h.Magic != walMagicLittle {
		return WALHeader{}, dqerr.New(dqerr.Corrupt, "bad WAL magic 0x%x", h.Magic)
	}
	return h, nil
}

// FrameHeader is the 24-byte header preceding each frame's page payload.
type FrameHeader struct {
	PageNumber uint32
	// CommitMark is the database size in pages after commit, for the
	// last frame of a transaction; 0 for every earlier frame.
	CommitMark uint32
	Salt1      uint32
	Salt2      uint32
	Checksum1  uint32
	Checksum2  uint32
}

func encodeFrameHeader(h FrameHeader) []byte {
	buf := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.PageNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.CommitMark)
	binary.BigEndian.PutUint32(buf[8:12], h.Salt1)
	binary.BigEndian.PutUint32(buf[12:16], h.Salt2)
	binary.BigEndian.PutUint32(buf[16:20], h.Checksum1)
	binary.BigEndian.PutUint32(buf[20:24], h.Checksum2)
	return buf
}

func decodeFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < frameHeaderSize {
		return FrameHeader{}, dqerr.New(dqerr.Parse, "short frame header: %d bytes", len(buf))
	}
	return FrameHeader{
		PageNumber: binary.BigEndian.Uint32(buf[0:4]),
		CommitMark: binary.BigEndian.Uint32(buf[4:8]),
		Salt1:      binary.BigEndian.Uint32(buf[8:12]),
		Salt2:      binary.BigEndian.Uint32(buf[12:16]),
		Checksum1:  binary.BigEndian.Uint32(buf[16:20]),
		Checksum2:  binary.BigEndian.Uint32(buf[20:24]),
	}, nil
}

// checksum implements the pairwise Fletcher-like running checksum chained
// across the WAL header and every frame header+page data
// must have a length that is a multiple of 8.
func checksum(s0, s1 uint32, data []byte, bigEndian bool) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		var x0, x1 uint32
		if bigEndian {
			x0 = binary.BigEndian.Uint32(data[i:])
			x1 = binary.BigEndian.Uint32(data[i+4:])
		} else {
			x0 = binary.LittleEndian.Uint32(data[i:])
			x1 = binary.LittleEndian.Uint32(data[i+4:])
		}
		s0 += x0 + s1
		s1 += x1 + s0
	}
	return s0, s1
}

// FramesInWAL returns (size - 32) / (24 + page_size): the number of
// complete frames a WAL file of the given byte length holds.
func FramesInWAL(size int64, pageSize int) int64 {
	if size <= walHeaderSize {
		return 0
	}
	return (size - walHeaderSize) / int64(frameHeaderSize+pageSize)
}
