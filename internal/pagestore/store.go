package pagestore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/atinyakov/CipherSync/internal/changelog"
	"github.com/atinyakov/CipherSync/internal/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrWrongKey is returned by Open when the passphrase does not match.
	ErrWrongKey = crypto.ErrWrongKey
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("page store closed")
	// ErrLogBehind means the change log lost records the page file has
	// already applied.
	ErrLogBehind = errors.New("change log is behind the page store")
	// ErrNeedsRecovery is returned by writes after a page write failed
	// past its logged change record.
	ErrNeedsRecovery = errors.New("page store must be reopened to recover")
)

// Options configure Open.
type Options struct {
	// LogPath is the change log file; defaults to "<path>.log".
	LogPath string
	// Argon2 parameters used when the store is created. Existing stores
	// use the parameters recorded in their header.
	Argon2 crypto.Argon2Params
	// SyncArgon2 parameters derive the sync key. They must match on every
	// replica; defaults to crypto.SyncArgon2Params.
	SyncArgon2 crypto.Argon2Params
	Logger     *zap.Logger
}

// Change describes the mutation a page write commits.
type Change struct {
	Key       string
	Op        changelog.Op
	Timestamp int64
	Origin    changelog.Origin
}

// Store is a single-writer page file guarded by an RWMutex: writes are
// exclusive, reads run concurrently when no write is in flight.
type Store struct {
	mu     sync.RWMutex
	path   string
	f      *os.File
	log    *changelog.Log
	hdr    header
	pages  *crypto.Sealer
	syncs  *crypto.Sealer
	nextID PageID
	failed error
	logger *zap.Logger
}

// Open opens the store at path, creating it when the file does not exist,
// and redoes every logged write the page file has not seen yet.
func Open(path string, passphrase []byte, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("open page store: empty path")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LogPath == "" {
		opts.LogPath = path + ".log"
	}
	if opts.Argon2 == (crypto.Argon2Params{}) {
		opts.Argon2 = crypto.DefaultArgon2Params()
	}
	if opts.SyncArgon2 == (crypto.Argon2Params{}) {
		opts.SyncArgon2 = crypto.SyncArgon2Params()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open page store: create parent dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open page store: %w", err)
	}
	s := &Store{path: path, f: f, logger: opts.Logger.With(zap.String("store", path))}

	keys, err := s.loadOrCreateHeader(passphrase, opts.Argon2)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if s.pages, err = crypto.NewSealer(keys.Page); err != nil {
		_ = f.Close()
		return nil, err
	}
	syncKey, err := crypto.DeriveSyncKey(passphrase, opts.SyncArgon2)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if s.syncs, err = crypto.NewSealer(syncKey); err != nil {
		_ = f.Close()
		return nil, err
	}

	s.log, err = changelog.Open(opts.LogPath, opts.Logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := s.recover(); err != nil {
		_ = s.log.Close()
		_ = f.Close()
		return nil, err
	}
	s.nextID = PageID(s.hdr.PageCount + 1)
	return s, nil
}

func (s *Store) loadOrCreateHeader(passphrase []byte, params crypto.Argon2Params) (crypto.Keys, error) {
	info, err := s.f.Stat()
	if err != nil {
		return crypto.Keys{}, fmt.Errorf("stat page store: %w", err)
	}

	if info.Size() == 0 {
		salt, err := crypto.NewSalt()
		if err != nil {
			return crypto.Keys{}, err
		}
		keys, err := crypto.DeriveKeys(passphrase, salt, params)
		if err != nil {
			return crypto.Keys{}, err
		}
		s.hdr = header{PageSize: PageSize, Argon2: params, ReplicaID: uuid.New()}
		copy(s.hdr.Salt[:], salt)
		copy(s.hdr.KeyCheck[:], crypto.KeyCheck(keys.Verify))
		if err := s.writeHeader(); err != nil {
			return crypto.Keys{}, err
		}
		if err := s.f.Sync(); err != nil {
			return crypto.Keys{}, fmt.Errorf("sync page store: %w", err)
		}
		s.logger.Info("created page store", zap.String("replica_id", s.hdr.ReplicaID.String()))
		return keys, nil
	}

	buf := make([]byte, headerSize)
	if _, err := s.f.ReadAt(buf, 0); err != nil {
		return crypto.Keys{}, fmt.Errorf("%w: %v", ErrHeaderCorrupted, err)
	}
	if err := s.hdr.deserialize(buf); err != nil {
		return crypto.Keys{}, err
	}
	if s.hdr.PageSize != PageSize {
		return crypto.Keys{}, fmt.Errorf("%w: page size %d", ErrHeaderCorrupted, s.hdr.PageSize)
	}
	keys, err := crypto.DeriveKeys(passphrase, s.hdr.Salt[:], s.hdr.Argon2)
	if err != nil {
		return crypto.Keys{}, err
	}
	if err := crypto.VerifyKeyCheck(keys.Verify, s.hdr.KeyCheck[:]); err != nil {
		return crypto.Keys{}, err
	}
	return keys, nil
}

func (s *Store) writeHeader() error {
	buf := make([]byte, PageSize)
	s.hdr.serialize(buf)
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write store header: %w", err)
	}
	return nil
}

// recover redoes logged writes newer than the header's applied sequence.
// A record is only ever logged before its page is written, so after redo
// either both the record and the page landed or neither did.
func (s *Store) recover() error {
	last := s.log.LastSeq()
	if last < s.hdr.AppliedSeq {
		return fmt.Errorf("%w: log ends at %d, store applied %d", ErrLogBehind, last, s.hdr.AppliedSeq)
	}
	if last == s.hdr.AppliedSeq {
		return nil
	}

	redone := 0
	for rec, err := range s.log.ReadSince(s.hdr.AppliedSeq) {
		if err != nil {
			return fmt.Errorf("recover page store: %w", err)
		}
		if err := s.writeSlot(PageID(rec.PageID), rec.Image); err != nil {
			return fmt.Errorf("recover page %d: %w", rec.PageID, err)
		}
		s.hdr.AppliedSeq = rec.Seq
		s.hdr.PageCount = max(s.hdr.PageCount, rec.PageID)
		redone++
	}
	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync page store: %w", err)
	}
	s.logger.Info("recovered page store from change log",
		zap.Int("redone", redone),
		zap.Uint64("applied_seq", s.hdr.AppliedSeq))
	return nil
}

func (s *Store) writeSlot(id PageID, sealed []byte) error {
	if id == 0 || len(sealed) != PageSize {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	_, err := s.f.WriteAt(sealed, int64(id)*PageSize)
	return err
}

// Read returns the verified page id. An unwritten page fails with
// ErrNotFound, a page whose tag does not verify with *CorruptionError.
func (s *Store) Read(id PageID) (Page, error) {
	if id == 0 {
		return Page{}, fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.f == nil {
		return Page{}, ErrClosed
	}
	if uint64(id) > s.hdr.PageCount {
		return Page{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	buf := make([]byte, PageSize)
	n, err := s.f.ReadAt(buf, int64(id)*PageSize)
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		return Page{}, fmt.Errorf("read page %d: %w", id, err)
	case n == 0 || isZero(buf):
		return Page{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	case n < PageSize:
		return Page{}, &CorruptionError{PageID: id, Err: io.ErrUnexpectedEOF}
	}
	plain, err := s.pages.Open(buf, pageAAD(id))
	if err != nil {
		return Page{}, &CorruptionError{PageID: id, Err: err}
	}
	return newPage(id, buf, plain), nil
}

// Write seals data into page id and commits it with one ChangeRecord. The
// record (carrying the sealed page) is made durable first, then the page.
func (s *Store) Write(id PageID, data []byte, c Change) (Page, changelog.ChangeRecord, error) {
	if id == 0 {
		return Page{}, changelog.ChangeRecord{}, fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	if len(data) > PayloadSize {
		return Page{}, changelog.ChangeRecord{}, fmt.Errorf("%w: %d > %d bytes", ErrPageTooLarge, len(data), PayloadSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return Page{}, changelog.ChangeRecord{}, ErrClosed
	}
	if s.failed != nil {
		return Page{}, changelog.ChangeRecord{}, fmt.Errorf("%w: %v", ErrNeedsRecovery, s.failed)
	}

	plain := make([]byte, PayloadSize)
	copy(plain, data)
	sealed, err := s.pages.Seal(plain, pageAAD(id))
	if err != nil {
		return Page{}, changelog.ChangeRecord{}, fmt.Errorf("seal page %d: %w", id, err)
	}

	rec := changelog.ChangeRecord{
		Seq:         s.log.LastSeq() + 1,
		Key:         c.Key,
		Op:          c.Op,
		PayloadHash: sha256.Sum256(plain),
		Timestamp:   c.Timestamp,
		PageID:      uint64(id),
		Origin:      c.Origin,
		Image:       sealed,
	}
	if err := s.log.Append(rec); err != nil {
		return Page{}, changelog.ChangeRecord{}, fmt.Errorf("append change record: %w", err)
	}

	if err := s.apply(id, sealed, rec.Seq); err != nil {
		s.failed = err
		s.logger.Error("page write failed after change record was logged",
			zap.Uint64("page_id", uint64(id)),
			zap.Uint64("seq", rec.Seq),
			zap.Error(err))
		return Page{}, changelog.ChangeRecord{}, fmt.Errorf("write page %d: %w", id, err)
	}
	return newPage(id, sealed, plain), rec, nil
}

func (s *Store) apply(id PageID, sealed []byte, seq uint64) error {
	if err := s.writeSlot(id, sealed); err != nil {
		return err
	}
	s.hdr.AppliedSeq = seq
	if uint64(id) > s.hdr.PageCount {
		s.hdr.PageCount = uint64(id)
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	if err := s.writeHeader(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Allocate reserves a fresh page id.
func (s *Store) Allocate() PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// PageIDs yields every page id that has been written at least once.
func (s *Store) PageIDs() iter.Seq[PageID] {
	return func(yield func(PageID) bool) {
		s.mu.RLock()
		count := s.hdr.PageCount
		s.mu.RUnlock()
		for id := PageID(1); uint64(id) <= count; id++ {
			if !yield(id) {
				return
			}
		}
	}
}

// Verify reads every written page and returns the ids whose tag does not
// verify.
func (s *Store) Verify() ([]PageID, error) {
	var bad []PageID
	for id := range s.PageIDs() {
		_, err := s.Read(id)
		switch {
		case err == nil, errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrCorruption):
			bad = append(bad, id)
		default:
			return nil, fmt.Errorf("verify page %d: %w", id, err)
		}
	}
	return bad, nil
}

// AppliedSeq is the sequence number of the last write reflected in pages.
func (s *Store) AppliedSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hdr.AppliedSeq
}

// Log returns the change log the store appends to.
func (s *Store) Log() *changelog.Log { return s.log }

// ReplicaID identifies this store to the sync server.
func (s *Store) ReplicaID() uuid.UUID { return s.hdr.ReplicaID }

// SyncSealer seals values sent to the sync server with the store's sync key.
func (s *Store) SyncSealer() *crypto.Sealer { return s.syncs }

// Path returns the page file path.
func (s *Store) Path() string { return s.path }

// Close flushes and closes the page file and the change log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := errors.Join(s.f.Sync(), s.f.Close(), s.log.Close())
	s.f = nil
	return err
}

// Remove deletes the store at path with its change log, checkpoint and any
// leftover temporary files. logPath defaults to "<path>.log" like in
// Options. Missing files are not an error. The store must be closed.
func Remove(path, logPath string) error {
	if path == "" {
		return errors.New("remove page store: empty path")
	}
	if logPath == "" {
		logPath = path + ".log"
	}
	var errs []error
	for _, p := range []string{
		path,
		logPath,
		logPath + ".compact",
		path + ".ckpt",
		path + ".ckpt.tmp",
	} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove page store: %w", err)
	}
	return nil
}
