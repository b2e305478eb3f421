package kv

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/atinyakov/CipherSync/internal/changelog"
	"github.com/atinyakov/CipherSync/internal/pagestore"
	"go.uber.org/zap"
)

// Store is the storage capability the session facade depends on. Alternate
// backends only need to satisfy this interface.
type Store interface {
	Put(key string, value []byte) (Entry, error)
	Get(key string) ([]byte, error)
	Delete(key string) (Entry, error)
	Entry(key string) (Entry, error)
	Apply(rc RemoteChange) (bool, error)
	Changes(since uint64) iter.Seq2[changelog.ChangeRecord, error]
	LastSeq() uint64
	Checkpoint() (pagestore.Checkpoint, error)
	SaveCheckpoint(cp pagestore.Checkpoint) error
	Compact(upTo uint64) (int, error)
	ReplicaID() string
	SealValue(key string, value []byte) ([]byte, error)
	OpenValue(key string, sealed []byte) ([]byte, error)
	Close() error
}

type slot struct {
	page    pagestore.PageID
	version Version
	deleted bool
	corrupt bool
}

// PagedStore keeps one page per key. Writes are serialized by mu; reads
// only take the read lock to look the page up.
type PagedStore struct {
	mu     sync.RWMutex
	pages  *pagestore.Store
	index  map[string]slot
	now    func() time.Time
	logger *zap.Logger
}

// Options configure Open.
type Options struct {
	Pages  pagestore.Options
	Logger *zap.Logger
	// Now overrides the wall clock used to timestamp writes.
	Now func() time.Time
}

var _ Store = (*PagedStore)(nil)

// Open opens the page store at path and rebuilds the key index.
func Open(path string, passphrase []byte, opts Options) (*PagedStore, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pages.Logger == nil {
		opts.Pages.Logger = opts.Logger
	}
	pages, err := pagestore.Open(path, passphrase, opts.Pages)
	if err != nil {
		return nil, err
	}
	s := &PagedStore{
		pages:  pages,
		index:  make(map[string]slot),
		now:    opts.Now,
		logger: opts.Logger,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = pages.Close()
		return nil, err
	}
	return s, nil
}

// rebuildIndex decrypts every page. Keys of corrupt pages are recovered
// from the retained change log so lookups report the corruption instead
// of a missing key.
func (s *PagedStore) rebuildIndex() error {
	corrupt := make(map[pagestore.PageID]struct{})
	for id := range s.pages.PageIDs() {
		page, err := s.pages.Read(id)
		switch {
		case errors.Is(err, pagestore.ErrNotFound):
			continue
		case errors.Is(err, pagestore.ErrCorruption):
			s.logger.Warn("skipping corrupt page", zap.Uint64("page_id", uint64(id)), zap.Error(err))
			corrupt[id] = struct{}{}
			continue
		case err != nil:
			return err
		}
		e, err := decodeEntry(id, page.Data)
		if err != nil {
			s.logger.Warn("skipping malformed page", zap.Uint64("page_id", uint64(id)), zap.Error(err))
			corrupt[id] = struct{}{}
			continue
		}
		if cur, ok := s.index[e.Key]; ok && !cur.version.Less(e.Version) {
			continue
		}
		s.index[e.Key] = slot{page: id, version: e.Version, deleted: e.Deleted}
	}

	if len(corrupt) == 0 {
		return nil
	}
	log := s.pages.Log()
	for rec, err := range log.ReadSince(log.FirstSeq() - 1) {
		if err != nil {
			return err
		}
		if _, ok := corrupt[pagestore.PageID(rec.PageID)]; !ok {
			continue
		}
		if _, ok := s.index[rec.Key]; !ok {
			s.index[rec.Key] = slot{page: pagestore.PageID(rec.PageID), corrupt: true}
		}
	}
	return nil
}

func validKey(key string) error {
	if key == "" || len(key) > MaxKeySize {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	return nil
}

// Get returns the current value of key.
func (s *PagedStore) Get(key string) ([]byte, error) {
	e, err := s.Entry(key)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return e.Value, nil
}

// Entry returns the current state of key, tombstones included.
func (s *PagedStore) Entry(key string) (Entry, error) {
	if err := validKey(key); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	sl, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	page, err := s.pages.Read(sl.page)
	if err != nil {
		return Entry{}, err
	}
	e, err := decodeEntry(sl.page, page.Data)
	if err != nil {
		return Entry{}, &pagestore.CorruptionError{PageID: sl.page, Err: err}
	}
	if e.Key != key {
		return Entry{}, &pagestore.CorruptionError{PageID: sl.page, Err: fmt.Errorf("page holds key %q", e.Key)}
	}
	return e, nil
}

// Put stores value under key and returns the written entry.
func (s *PagedStore) Put(key string, value []byte) (Entry, error) {
	if err := validKey(key); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	op := changelog.OpInsert
	if sl, ok := s.index[key]; ok && !sl.deleted {
		op = changelog.OpUpdate
	}
	return s.writeLocked(key, value, op, false, changelog.OriginLocal, s.nextTimestamp(key))
}

// Delete writes a tombstone for key so the deletion is logged and synced.
func (s *PagedStore) Delete(key string) (Entry, error) {
	if err := validKey(key); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.index[key]
	if !ok || sl.deleted {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return s.writeLocked(key, nil, changelog.OpDelete, true, changelog.OriginLocal, s.nextTimestamp(key))
}

// nextTimestamp keeps local writes to one key strictly increasing even if
// the wall clock steps back.
func (s *PagedStore) nextTimestamp(key string) int64 {
	ts := s.now().UnixNano()
	if sl, ok := s.index[key]; ok && ts <= sl.version.Timestamp {
		ts = sl.version.Timestamp + 1
	}
	return ts
}

// Apply writes a change received from the sync server unless the local
// entry already carries an equal or newer version. It reports whether the
// change was written.
func (s *PagedStore) Apply(rc RemoteChange) (bool, error) {
	if err := validKey(rc.Key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl, ok := s.index[rc.Key]; ok && !sl.corrupt && !sl.version.Less(rc.Version) {
		return false, nil
	}
	deleted := rc.Op == changelog.OpDelete
	var value []byte
	if !deleted {
		value = rc.Value
	}
	e := Entry{Key: rc.Key, Value: value, Version: rc.Version, Deleted: deleted}
	if _, err := s.write(e, rc.Op, changelog.OriginRemote); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PagedStore) writeLocked(key string, value []byte, op changelog.Op, deleted bool, origin changelog.Origin, ts int64) (Entry, error) {
	e := Entry{
		Key:     key,
		Value:   value,
		Deleted: deleted,
		// The page store assigns the next sequence number; mu keeps this
		// store the only writer.
		Version: Version{Timestamp: ts, Seq: s.pages.Log().LastSeq() + 1},
	}
	return s.write(e, op, origin)
}

func (s *PagedStore) write(e Entry, op changelog.Op, origin changelog.Origin) (Entry, error) {
	data, err := encodeEntry(e)
	if err != nil {
		return Entry{}, err
	}
	if sl, ok := s.index[e.Key]; ok {
		e.PageID = sl.page
	} else {
		e.PageID = s.pages.Allocate()
	}

	_, rec, err := s.pages.Write(e.PageID, data, pagestore.Change{
		Key:       e.Key,
		Op:        op,
		Timestamp: e.Version.Timestamp,
		Origin:    origin,
	})
	if err != nil {
		return Entry{}, err
	}
	if origin == changelog.OriginLocal && rec.Seq != e.Version.Seq {
		return Entry{}, fmt.Errorf("change record seq %d, entry expected %d", rec.Seq, e.Version.Seq)
	}
	s.index[e.Key] = slot{page: e.PageID, version: e.Version, deleted: e.Deleted}
	return e, nil
}

// Changes yields change records with Seq > since.
func (s *PagedStore) Changes(since uint64) iter.Seq2[changelog.ChangeRecord, error] {
	return s.pages.Log().ReadSince(since)
}

// LastSeq is the newest committed sequence number.
func (s *PagedStore) LastSeq() uint64 { return s.pages.Log().LastSeq() }

func (s *PagedStore) Checkpoint() (pagestore.Checkpoint, error) { return s.pages.Checkpoint() }

func (s *PagedStore) SaveCheckpoint(cp pagestore.Checkpoint) error {
	return s.pages.SaveCheckpoint(cp)
}

// Compact drops change records up to upTo.
func (s *PagedStore) Compact(upTo uint64) (int, error) { return s.pages.Log().Compact(upTo) }

// ReplicaID identifies this store to the sync server.
func (s *PagedStore) ReplicaID() string { return s.pages.ReplicaID().String() }

// SealValue encrypts a value for the sync server, bound to its key.
func (s *PagedStore) SealValue(key string, value []byte) ([]byte, error) {
	return s.pages.SyncSealer().Seal(value, []byte(key))
}

// Verify decrypts every page and returns the ids that fail authentication
// or do not hold a well-formed entry.
func (s *PagedStore) Verify() ([]pagestore.PageID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bad []pagestore.PageID
	for id := range s.pages.PageIDs() {
		page, err := s.pages.Read(id)
		switch {
		case errors.Is(err, pagestore.ErrNotFound):
			continue
		case errors.Is(err, pagestore.ErrCorruption):
			bad = append(bad, id)
			continue
		case err != nil:
			return nil, fmt.Errorf("verify page %d: %w", id, err)
		}
		if _, err := decodeEntry(id, page.Data); err != nil {
			bad = append(bad, id)
		}
	}
	return bad, nil
}

// OpenValue decrypts a value received from the sync server.
func (s *PagedStore) OpenValue(key string, sealed []byte) ([]byte, error) {
	return s.pages.SyncSealer().Open(sealed, []byte(key))
}

// Keys returns the live keys in no particular order.
func (s *PagedStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.index))
	for k, sl := range s.index {
		if !sl.deleted {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *PagedStore) Close() error { return s.pages.Close() }
