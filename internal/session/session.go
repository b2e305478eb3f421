// Package session is the facade a host application works with. It validates
// arguments and delegates to an explicitly wired Store and sync
// Coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/atinyakov/CipherSync/internal/kv"
	"github.com/atinyakov/CipherSync/internal/pagestore"
	"github.com/atinyakov/CipherSync/internal/syncer"
	"go.uber.org/zap"
)

// DefaultSyncInterval is the background sync period used by Start.
const DefaultSyncInterval = 30 * time.Second

var (
	// ErrClosed is returned by every call on a closed Session.
	ErrClosed = errors.New("session closed")
	// ErrNoRemote is returned by Sync, Start and Compact without a remote.
	ErrNoRemote = errors.New("session has no sync remote")
	// ErrNotFound is returned by Get and Delete for missing keys.
	ErrNotFound = kv.ErrNotFound
)

// Options configure a Session.
type Options struct {
	// Store configures the page-backed store Open creates.
	Store kv.Options
	// Remote is the sync server. Without one the session is local only.
	Remote       syncer.Remote
	Sync         syncer.Config
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Session is a handle on one open store.
type Session struct {
	store    kv.Store
	coord    *syncer.Coordinator
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	stopBg context.CancelFunc
	bgDone chan struct{}
}

// Open opens or creates the encrypted store at path with key and wires a
// session around it.
func Open(path string, key []byte, opts Options) (*Session, error) {
	if path == "" {
		return nil, errors.New("open session: empty path")
	}
	if len(key) == 0 {
		return nil, errors.New("open session: empty key")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store.Logger == nil {
		opts.Store.Logger = opts.Logger
	}
	store, err := kv.Open(path, key, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return New(store, opts), nil
}

// New wraps an already open store. The session owns store from now on.
func New(store kv.Store, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	s := &Session{
		store:    store,
		interval: opts.SyncInterval,
		logger:   opts.Logger,
	}
	if opts.Remote != nil {
		cfg := opts.Sync
		if cfg.Logger == nil {
			cfg.Logger = opts.Logger
		}
		s.coord = syncer.New(store, opts.Remote, cfg)
	}
	return s
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", kv.ErrInvalidKey)
	}
	if len(key) > kv.MaxKeySize {
		return fmt.Errorf("%w: key longer than %d bytes", kv.ErrInvalidKey, kv.MaxKeySize)
	}
	return nil
}

// Put stores value under key.
func (s *Session) Put(key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if len(value) > kv.MaxValueSize+kv.MaxKeySize-len(key) {
		return fmt.Errorf("%w: value of %d bytes", kv.ErrTooLarge, len(value))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.store.Put(key, value)
	return err
}

// Get returns the value stored under key.
func (s *Session) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.store.Get(key)
}

// Delete removes key.
func (s *Session) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.store.Delete(key)
	return err
}

// Sync runs one sync round now.
func (s *Session) Sync(ctx context.Context) (syncer.SyncResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncer.SyncResult{}, ErrClosed
	}
	if s.coord == nil {
		return syncer.SyncResult{}, ErrNoRemote
	}
	return s.coord.Sync(ctx)
}

// SyncState reports the phase of the running sync round.
func (s *Session) SyncState() syncer.State {
	if s.coord == nil {
		return syncer.StateIdle
	}
	return s.coord.State()
}

// Start begins background sync every SyncInterval until ctx is cancelled
// or the session is closed. Calling Start again while it runs is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.coord == nil {
		return ErrNoRemote
	}
	if s.bgDone != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopBg, s.bgDone = cancel, done
	go func() {
		defer close(done)
		s.coord.Run(ctx, s.interval)
	}()
	s.logger.Info("background sync started", zap.Duration("interval", s.interval))
	return nil
}

// Keys returns the live keys in sorted order. It is only supported by
// stores that can enumerate their keys.
func (s *Session) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	lister, ok := s.store.(interface{ Keys() []string })
	if !ok {
		return nil, errors.New("store cannot list keys")
	}
	keys := lister.Keys()
	slices.Sort(keys)
	return keys, nil
}

// Verify checks every stored page and returns the ids of the damaged ones.
// Keys on those pages fail reads with a corruption error.
func (s *Session) Verify() ([]pagestore.PageID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.store.(interface {
		Verify() ([]pagestore.PageID, error)
	})
	if !ok {
		return nil, errors.New("store cannot be verified")
	}
	return v.Verify()
}

// Destroy deletes the store at path and everything kept next to it. No
// session may have it open.
func Destroy(path string, opts Options) error {
	return pagestore.Remove(path, opts.Store.Pages.LogPath)
}

// Compact drops change records that are already synced.
func (s *Session) Compact() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.coord == nil {
		return 0, ErrNoRemote
	}
	return s.coord.Compact()
}

// Close stops background sync and closes the store. A sync round in its
// commit phase finishes first.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stopBg != nil {
		s.stopBg()
		<-s.bgDone
	}
	return s.store.Close()
}
