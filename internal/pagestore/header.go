package pagestore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/atinyakov/CipherSync/internal/crypto"
	"github.com/google/uuid"
)

// Header layout (page 0, stored in clear and protected by CRC32):
//   - Bytes 0-7:     Magic "CSPAGES1"
//   - Bytes 8-9:     Format version (uint16)
//   - Bytes 10-13:   Page size (uint32)
//   - Bytes 14-29:   Argon2 salt
//   - Bytes 30-33:   Argon2 memory KiB (uint32)
//   - Bytes 34-37:   Argon2 iterations (uint32)
//   - Byte 38:       Argon2 parallelism
//   - Bytes 39-54:   Replica ID (UUID)
//   - Bytes 55-86:   Key check (HMAC-SHA256)
//   - Bytes 87-94:   Applied sequence (uint64)
//   - Bytes 95-102:  Page count (uint64)
//   - Bytes 103-106: CRC32 of bytes 0-102
const (
	headerMagic   = "CSPAGES1"
	formatVersion = 1
	headerSize    = 107
)

// ErrHeaderCorrupted means the store header is unreadable or invalid.
var ErrHeaderCorrupted = errors.New("store header corrupted")

type header struct {
	PageSize   uint32
	Salt       [crypto.SaltSize]byte
	Argon2     crypto.Argon2Params
	ReplicaID  uuid.UUID
	KeyCheck   [32]byte
	AppliedSeq uint64
	PageCount  uint64
}

func (h *header) serialize(buf []byte) {
	copy(buf[0:8], headerMagic)
	binary.LittleEndian.PutUint16(buf[8:10], formatVersion)
	binary.LittleEndian.PutUint32(buf[10:14], h.PageSize)
	copy(buf[14:30], h.Salt[:])
	binary.LittleEndian.PutUint32(buf[30:34], h.Argon2.Memory)
	binary.LittleEndian.PutUint32(buf[34:38], h.Argon2.Iterations)
	buf[38] = h.Argon2.Parallelism
	copy(buf[39:55], h.ReplicaID[:])
	copy(buf[55:87], h.KeyCheck[:])
	binary.LittleEndian.PutUint64(buf[87:95], h.AppliedSeq)
	binary.LittleEndian.PutUint64(buf[95:103], h.PageCount)
	binary.LittleEndian.PutUint32(buf[103:107], crc32.ChecksumIEEE(buf[0:103]))
}

func (h *header) deserialize(buf []byte) error {
	if len(buf) < headerSize || string(buf[0:8]) != headerMagic {
		return ErrHeaderCorrupted
	}
	if crc32.ChecksumIEEE(buf[0:103]) != binary.LittleEndian.Uint32(buf[103:107]) {
		return ErrHeaderCorrupted
	}
	if binary.LittleEndian.Uint16(buf[8:10]) != formatVersion {
		return ErrHeaderCorrupted
	}
	h.PageSize = binary.LittleEndian.Uint32(buf[10:14])
	copy(h.Salt[:], buf[14:30])
	h.Argon2.Memory = binary.LittleEndian.Uint32(buf[30:34])
	h.Argon2.Iterations = binary.LittleEndian.Uint32(buf[34:38])
	h.Argon2.Parallelism = buf[38]
	copy(h.ReplicaID[:], buf[39:55])
	copy(h.KeyCheck[:], buf[55:87])
	h.AppliedSeq = binary.LittleEndian.Uint64(buf[87:95])
	h.PageCount = binary.LittleEndian.Uint64(buf[95:103])
	return nil
}
