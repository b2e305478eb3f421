package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atinyakov/CipherSync/internal/crypto"
	"github.com/atinyakov/CipherSync/internal/kv"
	"github.com/atinyakov/CipherSync/internal/models"
	"github.com/atinyakov/CipherSync/internal/pagestore"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// memServer is an in-memory sync server with failure injection.
type memServer struct {
	mu         sync.Mutex
	changes    []models.Change
	fetchErr   []error
	pushErr    []error
	beforePush func()
	fetches    int
	pushes     int
}

func (m *memServer) Fetch(_ context.Context, since int64) (models.FetchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if len(m.fetchErr) > 0 {
		err := m.fetchErr[0]
		m.fetchErr = m.fetchErr[1:]
		if err != nil {
			return models.FetchResponse{}, err
		}
	}
	var out []models.Change
	for _, ch := range m.changes {
		if ch.Cursor > since {
			out = append(out, ch)
		}
	}
	return models.FetchResponse{Changes: out, Head: int64(len(m.changes))}, nil
}

func (m *memServer) Push(_ context.Context, req models.PushRequest) (models.PushResponse, error) {
	if hook := m.beforePush; hook != nil {
		m.beforePush = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pushErr) > 0 {
		err := m.pushErr[0]
		m.pushErr = m.pushErr[1:]
		if err != nil {
			return models.PushResponse{}, err
		}
	}
	if req.BaseCursor != int64(len(m.changes)) {
		return models.PushResponse{}, ErrConflict
	}
	m.pushes++
	for _, ch := range req.Changes {
		ch.Cursor = int64(len(m.changes) + 1)
		m.changes = append(m.changes, ch)
	}
	return models.PushResponse{Cursor: int64(len(m.changes))}, nil
}

// countingStore counts checkpoint writes.
type countingStore struct {
	*kv.PagedStore
	saves int
}

func (s *countingStore) SaveCheckpoint(cp pagestore.Checkpoint) error {
	s.saves++
	return s.PagedStore.SaveCheckpoint(cp)
}

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

var base = time.Unix(1700000000, 0)

func openReplica(t *testing.T, clock *fakeClock) *kv.PagedStore {
	t.Helper()
	fast := crypto.Argon2Params{Memory: 8, Iterations: 1, Parallelism: 1}
	s, err := kv.Open(filepath.Join(t.TempDir(), "replica.db"), []byte("shared secret"), kv.Options{
		Pages: pagestore.Options{Argon2: fast, SyncArgon2: fast},
		Now:   clock.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// recordingTimer fires immediately and remembers every requested wait.
// With onStart set it calls onStart instead of firing.
type recordingTimer struct {
	waits   []time.Duration
	ch      chan time.Time
	onStart func()
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{ch: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.waits = append(r.waits, d)
	if r.onStart != nil {
		r.onStart()
		return
	}
	r.ch <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.ch }

var _ backoff.Timer = (*recordingTimer)(nil)

func newTestCoordinator(store Store, remote Remote) *Coordinator {
	c := New(store, remote, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	c.timer = newRecordingTimer()
	return c
}

func TestTwoReplicasConverge(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	b := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	ca := newTestCoordinator(a, srv)
	cb := newTestCoordinator(b, srv)
	ctx := context.Background()

	_, err := a.Put("a", []byte("1"))
	require.NoError(t, err)
	_, err = a.Put("b", []byte("2"))
	require.NoError(t, err)
	res, err := ca.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.Pushed)

	_, err = b.Put("c", []byte("3"))
	require.NoError(t, err)
	res, err = cb.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Pulled)
	require.Equal(t, 1, res.Pushed)

	res, err = ca.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pulled)
	require.Equal(t, 0, res.Pushed)

	for _, s := range []*kv.PagedStore{a, b} {
		for k, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
			v, err := s.Get(k)
			require.NoError(t, err)
			require.Equal(t, want, string(v))
		}
	}
}

func TestDeletePropagates(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	b := openReplica(t, &fakeClock{t: base.Add(time.Second), step: time.Millisecond})
	ca := newTestCoordinator(a, srv)
	cb := newTestCoordinator(b, srv)
	ctx := context.Background()

	_, err := a.Put("k", []byte("v"))
	require.NoError(t, err)
	_, err = ca.Sync(ctx)
	require.NoError(t, err)
	_, err = cb.Sync(ctx)
	require.NoError(t, err)

	_, err = b.Delete("k")
	require.NoError(t, err)
	_, err = cb.Sync(ctx)
	require.NoError(t, err)
	_, err = ca.Sync(ctx)
	require.NoError(t, err)

	_, err = a.Get("k")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSyncWithoutLocalWritesKeepsCheckpoint(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	b := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	_, err := b.Put("remote", []byte("x"))
	require.NoError(t, err)
	_, err = newTestCoordinator(b, srv).Sync(context.Background())
	require.NoError(t, err)

	c := newTestCoordinator(a, srv)
	_, err = a.Put("local", []byte("y"))
	require.NoError(t, err)
	_, err = c.Sync(context.Background())
	require.NoError(t, err)
	first, err := a.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, a.LastSeq(), first.LocalSeq)

	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Pushed)
	require.Zero(t, res.Pulled)
	second, err := a.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestTransportFailsTwiceThenSucceeds(t *testing.T) {
	srv := &memServer{fetchErr: []error{ErrTransport, ErrTransport}}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	store := &countingStore{PagedStore: a}
	c := newTestCoordinator(store, srv)

	timer := newRecordingTimer()
	c.timer = timer

	_, err := a.Put("k", []byte("v"))
	require.NoError(t, err)
	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempts)
	require.Len(t, timer.waits, 2)
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, 1, store.saves)
	require.Equal(t, 1, srv.pushes)

	cp, err := a.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, pagestore.Checkpoint{RemoteCursor: 1, LocalSeq: 1}, cp)
}

func TestFailedSyncLeavesStateUntouched(t *testing.T) {
	srv := &memServer{}
	b := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	_, err := b.Put("remote", []byte("x"))
	require.NoError(t, err)
	_, err = newTestCoordinator(b, srv).Sync(context.Background())
	require.NoError(t, err)
	srv.pushErr = []error{ErrTransport, ErrTransport, ErrTransport}

	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	_, err = a.Put("local", []byte("y"))
	require.NoError(t, err)
	before, err := a.Checkpoint()
	require.NoError(t, err)

	c := newTestCoordinator(a, srv)
	res, err := c.Sync(context.Background())
	require.ErrorIs(t, err, ErrSyncFailed)
	require.ErrorIs(t, err, ErrTransport)
	require.False(t, res.Success)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, StateIdle, c.State())

	after, err := a.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, uint64(1), a.LastSeq())
	_, err = a.Get("remote")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestConflictRefetchesAndRetries(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	b := openReplica(t, &fakeClock{t: base.Add(time.Hour), step: time.Millisecond})
	cb := newTestCoordinator(b, srv)
	ca := newTestCoordinator(a, srv)

	_, err := a.Put("k", []byte("from-a"))
	require.NoError(t, err)
	_, err = b.Put("k", []byte("from-b"))
	require.NoError(t, err)

	// b pushes first, while a is between fetch and push.
	srv.beforePush = func() {
		_, err := cb.Sync(context.Background())
		require.NoError(t, err)
	}
	res, err := ca.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, 1, res.ConflictsResolved)
	require.Equal(t, 1, res.Pulled)
	require.Zero(t, res.Pushed)

	v, err := a.Get("k")
	require.NoError(t, err)
	require.Equal(t, "from-b", string(v))
}

func TestEqualTimestampHigherSeqWinsAcrossReplicas(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base})
	b := openReplica(t, &fakeClock{t: base})

	_, err := a.Put("pad", []byte("p"))
	require.NoError(t, err)
	ea, err := a.Put("k", []byte("from-a"))
	require.NoError(t, err)
	eb, err := b.Put("k", []byte("from-b"))
	require.NoError(t, err)
	require.Equal(t, ea.Version.Timestamp, eb.Version.Timestamp)
	require.Greater(t, ea.Version.Seq, eb.Version.Seq)

	_, err = newTestCoordinator(a, srv).Sync(context.Background())
	require.NoError(t, err)
	res, err := newTestCoordinator(b, srv).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.ConflictsResolved)

	v, err := b.Get("k")
	require.NoError(t, err)
	require.Equal(t, "from-a", string(v))
}

func TestOwnChangesAreNotReapplied(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := newTestCoordinator(a, srv)

	_, err := a.Put("k", []byte("v"))
	require.NoError(t, err)
	_, err = c.Sync(context.Background())
	require.NoError(t, err)

	// Forget the remote cursor so the next fetch returns our own push.
	cp, err := a.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, a.SaveCheckpoint(pagestore.Checkpoint{LocalSeq: cp.LocalSeq}))

	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Pulled)
	require.Equal(t, uint64(1), a.LastSeq())
}

func TestUndecryptableRemoteValueIsNotRetried(t *testing.T) {
	srv := &memServer{changes: []models.Change{{
		Cursor: 1, Key: "k", Op: "insert", Timestamp: 1, Seq: 1,
		ReplicaID: "someone-else", Value: []byte("not sealed by us at all"),
	}}}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := newTestCoordinator(a, srv)

	_, err := c.Sync(context.Background())
	require.ErrorIs(t, err, ErrSyncFailed)
	require.ErrorIs(t, err, crypto.ErrAuthenticationFailed)
	require.Equal(t, 1, srv.fetches)
}

func TestSyncStopsWhenCancelledBetweenAttempts(t *testing.T) {
	srv := &memServer{fetchErr: []error{ErrTransport, ErrTransport}}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := newTestCoordinator(a, srv)

	ctx, cancel := context.WithCancel(context.Background())
	timer := newRecordingTimer()
	timer.onStart = cancel
	c.timer = timer
	res, err := c.Sync(ctx)
	require.ErrorIs(t, err, ErrSyncFailed)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Attempts)
}

func TestStateTransitionsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv := &memServer{fetchErr: []error{ErrTransport}}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := New(a, srv, Config{MaxAttempts: 2, Logger: zap.New(core)})
	c.timer = newRecordingTimer()

	_, err := c.Sync(context.Background())
	require.NoError(t, err)

	var path []string
	for _, e := range logs.FilterMessage("sync state").All() {
		path = append(path, e.ContextMap()["to"].(string))
	}
	require.Equal(t, []string{
		"fetching", "failed", "idle",
		"fetching", "reconciling", "committing", "idle",
	}, path)
}

func TestCompactTrimsSyncedRecords(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := newTestCoordinator(a, srv)

	n, err := c.Compact()
	require.NoError(t, err)
	require.Zero(t, n)

	for _, k := range []string{"a", "b", "c"} {
		_, err := a.Put(k, []byte(k))
		require.NoError(t, err)
	}
	_, err = c.Sync(context.Background())
	require.NoError(t, err)
	_, err = a.Put("d", []byte("d"))
	require.NoError(t, err)

	n, err = c.Compact()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Pushed)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := newTestCoordinator(a, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.fetches >= 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBackoffBounds(t *testing.T) {
	c := New(nil, nil, Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, MaxAttempts: 6})
	b := c.newBackOff(context.Background())
	for _, want := range []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, time.Second,
	} {
		d := b.NextBackOff()
		require.GreaterOrEqual(t, d, want/2)
		require.LessOrEqual(t, d, want*3/2)
	}
	require.Equal(t, backoff.Stop, b.NextBackOff(), "attempts exhausted")
}

func TestRejectedPushIsNotRetried(t *testing.T) {
	srv := &memServer{pushErr: []error{fmt.Errorf("%w: server error 400: bad change", ErrRejected)}}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := newTestCoordinator(a, srv)

	_, err := a.Put("k", []byte("v"))
	require.NoError(t, err)
	res, err := c.Sync(context.Background())
	require.ErrorIs(t, err, ErrSyncFailed)
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, srv.fetches)
}

func TestPushIsSplitIntoBatches(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	store := &countingStore{PagedStore: a}
	c := New(store, srv, Config{MaxBatchChanges: 2})

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		_, err := a.Put(k, []byte(k))
		require.NoError(t, err)
	}
	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, res.Pushed)
	require.Equal(t, 3, srv.pushes)
	require.Equal(t, 1, store.saves)

	cp, err := a.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, int64(5), cp.RemoteCursor)

	b := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	res, err = newTestCoordinator(b, srv).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, res.Pulled)
	for _, k := range keys {
		v, err := b.Get(k)
		require.NoError(t, err)
		require.Equal(t, k, string(v))
	}
}

func TestPushBatchesRespectByteLimit(t *testing.T) {
	srv := &memServer{}
	a := openReplica(t, &fakeClock{t: base, step: time.Millisecond})
	c := New(a, srv, Config{MaxBatchBytes: 4096})

	big := make([]byte, 2000)
	for _, k := range []string{"a", "b", "c"} {
		_, err := a.Put(k, big)
		require.NoError(t, err)
	}
	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Pushed)
	require.Equal(t, 3, srv.pushes)
}

func TestSplitBatches(t *testing.T) {
	mk := func(n int) []models.Change {
		out := make([]models.Change, n)
		for i := range out {
			out[i] = models.Change{Key: "k", Op: "update", Value: make([]byte, 30)}
		}
		return out
	}
	one := encodedSize(mk(1)[0])

	require.Empty(t, splitBatches(nil, 10, 1<<20))

	sizes := func(bs [][]models.Change) []int {
		var out []int
		for _, b := range bs {
			out = append(out, len(b))
		}
		return out
	}
	require.Equal(t, []int{3, 3, 1}, sizes(splitBatches(mk(7), 3, 1<<20)))
	require.Equal(t, []int{2, 2, 1}, sizes(splitBatches(mk(5), 10, 2*one)))
	require.Equal(t, []int{1, 1}, sizes(splitBatches(mk(2), 10, 1)), "oversized change goes alone")
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(ErrTransport))
	require.True(t, retryable(errors.Join(errors.New("x"), ErrConflict)))
	require.False(t, retryable(errors.New("other")))
}
