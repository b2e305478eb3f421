package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// Checkpoint is the durable marker of the last successful sync round.
type Checkpoint struct {
	RemoteCursor int64
	LocalSeq     uint64
}

// Checkpoint record layout:
//   - Bytes 0-7:   RemoteCursor (int64)
//   - Bytes 8-15:  LocalSeq (uint64)
//   - Bytes 16-19: CRC32 of bytes 0-15
//   - Bytes 20-23: Magic
const (
	checkpointSize  = 24
	checkpointMagic = 0x4353434b // "CSCK"
)

var (
	// ErrCheckpointCorrupted means the checkpoint file fails its checksum.
	ErrCheckpointCorrupted = errors.New("checkpoint corrupted")
	// ErrCheckpointAhead rejects a checkpoint past the last logged record.
	ErrCheckpointAhead = errors.New("checkpoint ahead of change log")
)

func (c Checkpoint) marshal() []byte {
	buf := make([]byte, checkpointSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.RemoteCursor))
	binary.LittleEndian.PutUint64(buf[8:16], c.LocalSeq)
	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[0:16]))
	binary.LittleEndian.PutUint32(buf[20:24], checkpointMagic)
	return buf
}

func unmarshalCheckpoint(buf []byte) (Checkpoint, error) {
	if len(buf) != checkpointSize || binary.LittleEndian.Uint32(buf[20:24]) != checkpointMagic {
		return Checkpoint{}, ErrCheckpointCorrupted
	}
	if crc32.ChecksumIEEE(buf[0:16]) != binary.LittleEndian.Uint32(buf[16:20]) {
		return Checkpoint{}, ErrCheckpointCorrupted
	}
	return Checkpoint{
		RemoteCursor: int64(binary.LittleEndian.Uint64(buf[0:8])),
		LocalSeq:     binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

func (s *Store) checkpointPath() string { return s.path + ".ckpt" }

// Checkpoint loads the stored checkpoint; a store that never synced has
// the zero checkpoint.
func (s *Store) Checkpoint() (Checkpoint, error) {
	buf, err := os.ReadFile(s.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return unmarshalCheckpoint(buf)
}

// SaveCheckpoint atomically replaces the stored checkpoint.
func (s *Store) SaveCheckpoint(c Checkpoint) error {
	if last := s.log.LastSeq(); c.LocalSeq > last {
		return fmt.Errorf("%w: local seq %d > %d", ErrCheckpointAhead, c.LocalSeq, last)
	}
	tmp := s.checkpointPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if _, err := f.Write(c.marshal()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.checkpointPath()); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	if err := syncDir(filepath.Dir(s.checkpointPath())); err != nil {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}
	return nil
}

// syncDir flushes dir so a rename inside it survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
