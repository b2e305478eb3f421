package changelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	fileMagic      uint32 = 0x43534c47 // "CSLG"
	fileVersion    uint16 = 1
	fileHeaderSize        = 16

	// maxFrameSize guards against reading a garbage length from a torn tail.
	maxFrameSize = 16 << 20
)

var (
	// ErrSequenceGap rejects a record that does not follow the last one.
	ErrSequenceGap = errors.New("change record sequence gap")
	// ErrCorruptLog means the log file is damaged or out of order.
	ErrCorruptLog = errors.New("change log corrupted")
	// ErrCompacted is returned when reading from before the compaction point.
	ErrCompacted = errors.New("change records already compacted")
	// ErrClosed is returned by operations on a closed Log.
	ErrClosed = errors.New("change log closed")
)

// Log is an append-only, CRC-framed file of ChangeRecords. Appends are
// serialized and fsync'd; readers work on their own file handle.
type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	baseSeq uint64
	lastSeq uint64
	size    int64
	logger  *zap.Logger
}

// Open opens or creates the log at path. A torn or CRC-bad tail left by a
// crash is truncated; a CRC-valid frame that breaks sequence continuity
// fails with ErrCorruptLog.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open change log: %w", err)
	}
	l := &Log{path: path, f: f, logger: logger}
	if err := l.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("stat change log: %w", err)
	}
	if info.Size() == 0 {
		if err := l.writeHeader(l.f, 0); err != nil {
			return err
		}
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync change log: %w", err)
		}
		l.size = fileHeaderSize
		return nil
	}

	base, err := readHeader(l.f)
	if err != nil {
		return err
	}
	l.baseSeq, l.lastSeq = base, base

	r := bufio.NewReader(io.NewSectionReader(l.f, fileHeaderSize, info.Size()-fileHeaderSize))
	valid := int64(fileHeaderSize)
	for {
		rec, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			l.logger.Warn("truncating torn change log tail",
				zap.String("path", l.path),
				zap.Int64("offset", valid),
				zap.Int64("dropped_bytes", info.Size()-valid),
				zap.Error(err))
			if err := l.f.Truncate(valid); err != nil {
				return fmt.Errorf("truncate change log: %w", err)
			}
			if err := l.f.Sync(); err != nil {
				return fmt.Errorf("sync change log: %w", err)
			}
			break
		}
		if rec.Seq != l.lastSeq+1 {
			return fmt.Errorf("%w: record %d follows %d", ErrCorruptLog, rec.Seq, l.lastSeq)
		}
		l.lastSeq = rec.Seq
		valid += int64(n)
	}
	l.size = valid
	return nil
}

func (l *Log) writeHeader(w io.WriterAt, base uint64) error {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], fileVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], base)
	if _, err := w.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write change log header: %w", err)
	}
	return nil
}

func readHeader(r io.ReaderAt) (uint64, error) {
	var hdr [fileHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("%w: read header: %v", ErrCorruptLog, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrCorruptLog)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != fileVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptLog, v)
	}
	return binary.LittleEndian.Uint64(hdr[8:16]), nil
}

// readFrame returns io.EOF only on a clean frame boundary.
func readFrame(r io.Reader) (ChangeRecord, int, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return ChangeRecord{}, 0, io.EOF
		}
		return ChangeRecord{}, 0, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if size < bodyFixedSize || size > maxFrameSize {
		return ChangeRecord{}, 0, fmt.Errorf("invalid frame size %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return ChangeRecord{}, 0, fmt.Errorf("read frame body: %w", err)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return ChangeRecord{}, 0, errors.New("frame checksum mismatch")
	}
	var rec ChangeRecord
	if err := rec.unmarshal(body); err != nil {
		return ChangeRecord{}, 0, err
	}
	return rec, frameHeaderSize + int(size), nil
}

func encodeFrame(rec *ChangeRecord) ([]byte, error) {
	body, err := rec.marshal()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// Append durably writes rec. rec.Seq must be exactly LastSeq()+1.
func (l *Log) Append(rec ChangeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return ErrClosed
	}
	if rec.Seq != l.lastSeq+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, rec.Seq, l.lastSeq+1)
	}
	frame, err := encodeFrame(&rec)
	if err != nil {
		return fmt.Errorf("encode change record: %w", err)
	}
	if _, err := l.f.WriteAt(frame, l.size); err != nil {
		_ = l.f.Truncate(l.size)
		return fmt.Errorf("append change record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		_ = l.f.Truncate(l.size)
		return fmt.Errorf("sync change log: %w", err)
	}
	l.size += int64(len(frame))
	l.lastSeq = rec.Seq
	return nil
}

// LastSeq returns the sequence number of the newest record, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// FirstSeq returns the sequence number the oldest retained record has or
// the next appended record will have.
func (l *Log) FirstSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseSeq + 1
}

// ReadSince yields every record with Seq > seq in order. The sequence is
// lazy and restartable: each range opens its own reader over the records
// present when iteration starts.
func (l *Log) ReadSince(seq uint64) iter.Seq2[ChangeRecord, error] {
	return func(yield func(ChangeRecord, error) bool) {
		l.mu.Lock()
		if l.f == nil {
			l.mu.Unlock()
			yield(ChangeRecord{}, ErrClosed)
			return
		}
		path, size, base, last := l.path, l.size, l.baseSeq, l.lastSeq
		l.mu.Unlock()

		if seq >= last {
			return
		}
		if seq < base {
			yield(ChangeRecord{}, fmt.Errorf("%w: want records after %d, oldest is %d", ErrCompacted, seq, base+1))
			return
		}

		f, err := os.Open(path)
		if err != nil {
			yield(ChangeRecord{}, fmt.Errorf("open change log: %w", err))
			return
		}
		defer f.Close()

		r := bufio.NewReader(io.NewSectionReader(f, fileHeaderSize, size-fileHeaderSize))
		prev := base
		for prev < last {
			rec, _, err := readFrame(r)
			if err != nil {
				yield(ChangeRecord{}, fmt.Errorf("%w: %v", ErrCorruptLog, err))
				return
			}
			if rec.Seq != prev+1 {
				yield(ChangeRecord{}, fmt.Errorf("%w: record %d follows %d", ErrCorruptLog, rec.Seq, prev))
				return
			}
			prev = rec.Seq
			if rec.Seq <= seq {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Compact drops every record with Seq <= upTo by rewriting the file.
func (l *Log) Compact(upTo uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return 0, ErrClosed
	}
	if upTo > l.lastSeq {
		return 0, fmt.Errorf("compact up to %d beyond last record %d", upTo, l.lastSeq)
	}
	if upTo <= l.baseSeq {
		return 0, nil
	}

	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create compacted log: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if err := l.writeHeader(tmp, upTo); err != nil {
		cleanup()
		return 0, err
	}

	r := bufio.NewReader(io.NewSectionReader(l.f, fileHeaderSize, l.size-fileHeaderSize))
	w := bufio.NewWriter(io.NewOffsetWriter(tmp, fileHeaderSize))
	written := int64(fileHeaderSize)
	dropped := 0
	for {
		rec, _, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			return 0, fmt.Errorf("%w: %v", ErrCorruptLog, err)
		}
		if rec.Seq <= upTo {
			dropped++
			continue
		}
		frame, err := encodeFrame(&rec)
		if err != nil {
			cleanup()
			return 0, err
		}
		if _, err := w.Write(frame); err != nil {
			cleanup()
			return 0, fmt.Errorf("write compacted log: %w", err)
		}
		written += int64(len(frame))
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return 0, fmt.Errorf("flush compacted log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("sync compacted log: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		cleanup()
		return 0, fmt.Errorf("replace change log: %w", err)
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		l.logger.Warn("sync change log dir", zap.Error(err))
	}

	_ = l.f.Close()
	l.f = tmp
	l.baseSeq = upTo
	l.size = written
	l.logger.Info("compacted change log",
		zap.Uint64("up_to", upTo),
		zap.Int("dropped", dropped))
	return dropped, nil
}

// Close releases the file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
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
