// Package changelog implements the append-only log of committed mutations.
//
// File layout:
//
//	+--------+---------+----------+---------+-------------------------+
//	| Magic  | Version | Reserved | BaseSeq | Frames ...              |
//	| 4 B    | 2 B     | 2 B      | 8 B     | len u32 | crc u32 | body |
//	+--------+---------+----------+---------+-------------------------+
//
// BaseSeq is the sequence number of the last record dropped by compaction,
// so sequence numbers keep growing after the file is rewritten.
package changelog

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Op is the kind of mutation a record describes.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown op %q", s)
}

// Origin tells whether a mutation was made locally or applied from the
// sync server. Remote records are never pushed back.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
)

// ChangeRecord is one committed mutation.
type ChangeRecord struct {
	Seq         uint64
	Key         string
	Op          Op
	PayloadHash [sha256.Size]byte
	// Timestamp is the wall clock time of the write in Unix nanoseconds.
	Timestamp int64
	PageID    uint64
	Origin    Origin
	// Image is the sealed page written by this mutation, used for redo.
	Image []byte
}

const (
	frameHeaderSize = 8
	// body: seq 8 | op 1 | origin 1 | ts 8 | page 8 | hash 32 | keyLen 2 | key | imageLen 4 | image
	bodyFixedSize = 8 + 1 + 1 + 8 + 8 + sha256.Size + 2 + 4

	// MaxKeySize bounds the key length that fits the record encoding.
	MaxKeySize = 1<<16 - 1
)

var errShortBody = errors.New("record body too short")

func (r *ChangeRecord) encodedSize() int {
	return bodyFixedSize + len(r.Key) + len(r.Image)
}

func (r *ChangeRecord) marshal() ([]byte, error) {
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("key of %d bytes exceeds %d", len(r.Key), MaxKeySize)
	}
	buf := make([]byte, r.encodedSize())
	binary.LittleEndian.PutUint64(buf[0:8], r.Seq)
	buf[8] = byte(r.Op)
	buf[9] = byte(r.Origin)
	binary.LittleEndian.PutUint64(buf[10:18], uint64(r.Timestamp))
	binary.LittleEndian.PutUint64(buf[18:26], r.PageID)
	copy(buf[26:58], r.PayloadHash[:])
	binary.LittleEndian.PutUint16(buf[58:60], uint16(len(r.Key)))
	off := 60
	off += copy(buf[off:], r.Key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.Image)))
	off += 4
	copy(buf[off:], r.Image)
	return buf, nil
}

func (r *ChangeRecord) unmarshal(buf []byte) error {
	if len(buf) < bodyFixedSize {
		return errShortBody
	}
	r.Seq = binary.LittleEndian.Uint64(buf[0:8])
	r.Op = Op(buf[8])
	r.Origin = Origin(buf[9])
	r.Timestamp = int64(binary.LittleEndian.Uint64(buf[10:18]))
	r.PageID = binary.LittleEndian.Uint64(buf[18:26])
	copy(r.PayloadHash[:], buf[26:58])
	keyLen := int(binary.LittleEndian.Uint16(buf[58:60]))
	off := 60
	if len(buf) < off+keyLen+4 {
		return errShortBody
	}
	r.Key = string(buf[off : off+keyLen])
	off += keyLen
	imageLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) != off+imageLen {
		return fmt.Errorf("record body length %d, want %d", len(buf), off+imageLen)
	}
	if imageLen > 0 {
		r.Image = make([]byte, imageLen)
		copy(r.Image, buf[off:])
	} else {
		r.Image = nil
	}
	return nil
}
