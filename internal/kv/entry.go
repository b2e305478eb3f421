// Package kv maps string keys onto pages of the encrypted page store. It is
// the Store capability the session facade and the sync coordinator work
// against.
package kv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/atinyakov/CipherSync/internal/changelog"
	"github.com/atinyakov/CipherSync/internal/pagestore"
)

// MaxKeySize is the longest accepted key in bytes.
const MaxKeySize = 1024

// entryHeaderSize: flags 1 | timestamp 8 | seq 8 | keyLen 2 | valueLen 4
const entryHeaderSize = 1 + 8 + 8 + 2 + 4

// MaxValueSize is the largest value that fits a page next to a key of
// MaxKeySize bytes. Shorter keys leave a little more room.
const MaxValueSize = pagestore.PayloadSize - entryHeaderSize - MaxKeySize

const flagTombstone = 1 << 0

var (
	// ErrNotFound means the key is absent or deleted.
	ErrNotFound = errors.New("key not found")
	// ErrInvalidKey rejects empty keys and keys over MaxKeySize.
	ErrInvalidKey = errors.New("invalid key")
	// ErrTooLarge rejects an entry that does not fit one page.
	ErrTooLarge = errors.New("entry does not fit a page")
	// ErrBadEntry means a page decrypted but does not hold a valid entry.
	ErrBadEntry = errors.New("malformed entry page")
)

// Version orders writes to the same key: wall clock timestamp first, then
// sequence number.
type Version struct {
	Timestamp int64
	Seq       uint64
}

// Less reports whether v loses to other under last-writer-wins.
func (v Version) Less(other Version) bool {
	if v.Timestamp != other.Timestamp {
		return v.Timestamp < other.Timestamp
	}
	return v.Seq < other.Seq
}

// Entry is the current state of one key.
type Entry struct {
	Key     string
	Value   []byte
	Version Version
	Deleted bool
	PageID  pagestore.PageID
}

// RemoteChange is a change received from the sync server, already
// decrypted.
type RemoteChange struct {
	Key     string
	Op      changelog.Op
	Value   []byte
	Version Version
}

func encodeEntry(e Entry) ([]byte, error) {
	if len(e.Key) == 0 || len(e.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(e.Key))
	}
	size := entryHeaderSize + len(e.Key) + len(e.Value)
	if size > pagestore.PayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	buf := make([]byte, size)
	if e.Deleted {
		buf[0] |= flagTombstone
	}
	binary.LittleEndian.PutUint64(buf[1:9], uint64(e.Version.Timestamp))
	binary.LittleEndian.PutUint64(buf[9:17], e.Version.Seq)
	binary.LittleEndian.PutUint16(buf[17:19], uint16(len(e.Key)))
	off := 19
	off += copy(buf[off:], e.Key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(e.Value)))
	off += 4
	copy(buf[off:], e.Value)
	return buf, nil
}

func decodeEntry(id pagestore.PageID, buf []byte) (Entry, error) {
	if len(buf) < entryHeaderSize {
		return Entry{}, ErrBadEntry
	}
	e := Entry{
		PageID:  id,
		Deleted: buf[0]&flagTombstone != 0,
		Version: Version{
			Timestamp: int64(binary.LittleEndian.Uint64(buf[1:9])),
			Seq:       binary.LittleEndian.Uint64(buf[9:17]),
		},
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[17:19]))
	off := 19
	if keyLen == 0 || len(buf) < off+keyLen+4 {
		return Entry{}, ErrBadEntry
	}
	e.Key = string(buf[off : off+keyLen])
	off += keyLen
	valueLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+valueLen {
		return Entry{}, ErrBadEntry
	}
	if !e.Deleted {
		e.Value = make([]byte, valueLen)
		copy(e.Value, buf[off:off+valueLen])
	}
	return e, nil
}
