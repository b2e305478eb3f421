// Package syncer reconciles a local kv store with the sync server. A round
// fetches remote changes, decides winners per key and commits: local
// winners are pushed, remote winners applied, then the checkpoint moves.
package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/atinyakov/CipherSync/internal/changelog"
	"github.com/atinyakov/CipherSync/internal/kv"
	"github.com/atinyakov/CipherSync/internal/models"
	"github.com/atinyakov/CipherSync/internal/pagestore"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	// ErrTransport reports a network failure or a malformed server reply.
	ErrTransport = errors.New("sync transport error")
	// ErrConflict reports that the server head moved during the round.
	ErrConflict = errors.New("sync conflict")
	// ErrRejected reports a request the server refused outright. It is not
	// retried.
	ErrRejected = errors.New("sync rejected by server")
	// ErrSyncFailed is returned once retries are exhausted.
	ErrSyncFailed = errors.New("sync failed")
)

// Remote is the sync server as seen by the coordinator.
type Remote interface {
	Fetch(ctx context.Context, since int64) (models.FetchResponse, error)
	Push(ctx context.Context, req models.PushRequest) (models.PushResponse, error)
}

// Store is the part of kv.Store the coordinator needs.
type Store interface {
	Entry(key string) (kv.Entry, error)
	Apply(rc kv.RemoteChange) (bool, error)
	Changes(since uint64) iter.Seq2[changelog.ChangeRecord, error]
	Checkpoint() (pagestore.Checkpoint, error)
	SaveCheckpoint(cp pagestore.Checkpoint) error
	Compact(upTo uint64) (int, error)
	ReplicaID() string
	SealValue(key string, value []byte) ([]byte, error)
	OpenValue(key string, sealed []byte) ([]byte, error)
}

// Config tunes retries and push batching.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int

	// MaxBatchChanges and MaxBatchBytes bound a single push request. They
	// must stay at or under the server's limits.
	MaxBatchChanges int
	MaxBatchBytes   int

	Logger *zap.Logger
}

// DefaultConfig returns the settings used when a field is zero.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		MaxAttempts:     5,
		MaxBatchChanges: 1000,
		MaxBatchBytes:   8 << 20,
	}
}

// SyncResult describes a finished Sync call.
type SyncResult struct {
	Success           bool
	ConflictsResolved int
	Pushed            int
	Pulled            int
	Attempts          int
}

// Coordinator runs sync rounds for one store. Rounds never overlap.
type Coordinator struct {
	store  Store
	remote Remote
	cfg    Config
	logger *zap.Logger
	state  stateBox

	round sync.Mutex
	// timer drives retry waits; nil means a real timer.
	timer backoff.Timer
}

// New creates a Coordinator. Zero Config fields take DefaultConfig values.
func New(store Store, remote Remote, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxBatchChanges <= 0 {
		cfg.MaxBatchChanges = def.MaxBatchChanges
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:  store,
		remote: remote,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// State returns the phase of the running round, or StateIdle.
func (c *Coordinator) State() State { return c.state.load() }

func (c *Coordinator) setState(s State) {
	if prev := c.state.swap(s); prev != s {
		c.logger.Debug("sync state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Sync runs one round, retrying transport errors and conflicts with
// jittered exponential backoff. Context cancellation is honoured between
// attempts; a round that reached Committing runs to completion.
func (c *Coordinator) Sync(ctx context.Context) (SyncResult, error) {
	c.round.Lock()
	defer c.round.Unlock()

	var res SyncResult
	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		r, err := c.runRound(ctx)
		if err != nil {
			c.setState(StateFailed)
			c.logger.Warn("sync round failed", zap.Int("attempt", attempts), zap.Error(err))
			c.setState(StateIdle)
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying sync", zap.Duration("backoff", wait), zap.Error(err))
	}

	if err := backoff.RetryNotifyWithTimer(op, c.newBackOff(ctx), notify, c.timer); err != nil {
		return SyncResult{Attempts: attempts}, fmt.Errorf("%w after %d attempts: %w", ErrSyncFailed, attempts, err)
	}
	res.Attempts = attempts
	c.setState(StateIdle)
	c.logger.Info("sync completed",
		zap.Int("pushed", res.Pushed),
		zap.Int("pulled", res.Pulled),
		zap.Int("conflicts", res.ConflictsResolved),
		zap.Int("attempts", attempts),
	)
	return res, nil
}

// newBackOff doubles InitialBackoff per retry up to MaxBackoff, jitters
// each wait by half and allows MaxAttempts attempts in total.
func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrConflict)
}

func (c *Coordinator) runRound(ctx context.Context) (SyncResult, error) {
	cp, err := c.store.Checkpoint()
	if err != nil {
		return SyncResult{}, fmt.Errorf("load checkpoint: %w", err)
	}

	c.setState(StateFetching)
	fetched, err := c.remote.Fetch(ctx, cp.RemoteCursor)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch since %d: %w", cp.RemoteCursor, err)
	}

	c.setState(StateReconciling)
	remote, err := c.remoteChanges(fetched.Changes)
	if err != nil {
		return SyncResult{}, err
	}
	local, scanned, err := c.localChanges(cp.LocalSeq)
	if err != nil {
		return SyncResult{}, err
	}
	plan := Reconcile(local, remote)

	c.setState(StateCommitting)
	commitCtx := context.WithoutCancel(ctx)
	cursor := max(fetched.Head, cp.RemoteCursor)
	if len(plan.Push) > 0 {
		req, err := c.pushRequest(fetched.Head, plan.Push)
		if err != nil {
			return SyncResult{}, err
		}
		if cursor, err = c.push(commitCtx, req); err != nil {
			return SyncResult{}, err
		}
	}

	pulled := 0
	for _, rc := range plan.Apply {
		ok, err := c.store.Apply(rc)
		if err != nil {
			return SyncResult{}, fmt.Errorf("apply remote change for %q: %w", rc.Key, err)
		}
		if ok {
			pulled++
		}
	}

	localSeq, err := c.skipRemoteRecords(scanned)
	if err != nil {
		return SyncResult{}, err
	}
	next := pagestore.Checkpoint{RemoteCursor: cursor, LocalSeq: localSeq}
	if err := c.store.SaveCheckpoint(next); err != nil {
		return SyncResult{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return SyncResult{
		Success:           true,
		ConflictsResolved: plan.Conflicts,
		Pushed:            len(plan.Push),
		Pulled:            pulled,
	}, nil
}

// remoteChanges decodes fetched changes, dropping this replica's echoes.
func (c *Coordinator) remoteChanges(changes []models.Change) ([]kv.RemoteChange, error) {
	self := c.store.ReplicaID()
	out := make([]kv.RemoteChange, 0, len(changes))
	for _, ch := range changes {
		if ch.ReplicaID == self {
			continue
		}
		op, err := changelog.ParseOp(ch.Op)
		if err != nil {
			return nil, fmt.Errorf("%w: change at cursor %d: %w", ErrTransport, ch.Cursor, err)
		}
		rc := kv.RemoteChange{
			Key:     ch.Key,
			Op:      op,
			Version: kv.Version{Timestamp: ch.Timestamp, Seq: ch.Seq},
		}
		if op != changelog.OpDelete {
			rc.Value, err = c.store.OpenValue(ch.Key, ch.Value)
			if err != nil {
				return nil, fmt.Errorf("open remote value for %q: %w", ch.Key, err)
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

// localChanges collects the current state of every key with a local change
// record after since. It also returns the last sequence number scanned.
func (c *Coordinator) localChanges(since uint64) ([]LocalChange, uint64, error) {
	scanned := since
	latest := make(map[string]changelog.Op)
	var order []string
	for rec, err := range c.store.Changes(since) {
		if err != nil {
			return nil, 0, fmt.Errorf("read change log since %d: %w", since, err)
		}
		scanned = rec.Seq
		if rec.Origin == changelog.OriginRemote {
			continue
		}
		if _, ok := latest[rec.Key]; !ok {
			order = append(order, rec.Key)
		}
		latest[rec.Key] = rec.Op
	}

	out := make([]LocalChange, 0, len(order))
	for _, key := range order {
		e, err := c.store.Entry(key)
		if errors.Is(err, pagestore.ErrCorruption) {
			c.logger.Warn("not pushing corrupt key", zap.String("key", key), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("load %q: %w", key, err)
		}
		op := latest[key]
		switch {
		case e.Deleted:
			op = changelog.OpDelete
		case op == changelog.OpDelete:
			op = changelog.OpUpdate
		}
		out = append(out, LocalChange{Key: key, Op: op, Value: e.Value, Version: e.Version})
	}
	return out, scanned, nil
}

func (c *Coordinator) pushRequest(base int64, push []LocalChange) (models.PushRequest, error) {
	req := models.PushRequest{
		BaseCursor: base,
		ReplicaID:  c.store.ReplicaID(),
		Changes:    make([]models.Change, 0, len(push)),
	}
	for _, lc := range push {
		ch := models.Change{
			Key:       lc.Key,
			Op:        lc.Op.String(),
			Timestamp: lc.Version.Timestamp,
			Seq:       lc.Version.Seq,
			ReplicaID: req.ReplicaID,
		}
		if lc.Op != changelog.OpDelete {
			sealed, err := c.store.SealValue(lc.Key, lc.Value)
			if err != nil {
				return models.PushRequest{}, fmt.Errorf("seal %q: %w", lc.Key, err)
			}
			ch.Value = sealed
		}
		req.Changes = append(req.Changes, ch)
	}
	return req, nil
}

// push sends req in batches within the configured limits. Each batch is
// based on the cursor the previous one returned. It returns the final
// server cursor.
func (c *Coordinator) push(ctx context.Context, req models.PushRequest) (int64, error) {
	batches := splitBatches(req.Changes, c.cfg.MaxBatchChanges, c.cfg.MaxBatchBytes)
	cursor := req.BaseCursor
	for i, batch := range batches {
		resp, err := c.remote.Push(ctx, models.PushRequest{
			BaseCursor: cursor,
			ReplicaID:  req.ReplicaID,
			Changes:    batch,
		})
		if err != nil {
			return 0, fmt.Errorf("push batch %d/%d (%d changes): %w", i+1, len(batches), len(batch), err)
		}
		cursor = resp.Cursor
	}
	if len(batches) > 1 {
		c.logger.Debug("pushed in batches", zap.Int("batches", len(batches)), zap.Int("changes", len(req.Changes)))
	}
	return cursor, nil
}

// changeOverhead approximates the JSON framing of one change: field names,
// quotes, numbers and separators.
const changeOverhead = 128

// encodedSize estimates the wire size of ch. Values travel base64 encoded.
func encodedSize(ch models.Change) int {
	return len(ch.Key) + base64.StdEncoding.EncodedLen(len(ch.Value)) +
		len(ch.ReplicaID) + len(ch.Op) + changeOverhead
}

// splitBatches cuts changes into runs of at most maxN changes and about
// maxBytes encoded bytes. A change larger than maxBytes travels alone.
func splitBatches(changes []models.Change, maxN, maxBytes int) [][]models.Change {
	var (
		out  [][]models.Change
		cur  []models.Change
		size int
	)
	for _, ch := range changes {
		n := encodedSize(ch)
		if len(cur) > 0 && (len(cur) >= maxN || size+n > maxBytes) {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, ch)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// skipRemoteRecords moves past the remote-origin records this round just
// applied, stopping at the first local write made meanwhile.
func (c *Coordinator) skipRemoteRecords(from uint64) (uint64, error) {
	seq := from
	for rec, err := range c.store.Changes(from) {
		if err != nil {
			return 0, fmt.Errorf("read change log since %d: %w", from, err)
		}
		if rec.Origin != changelog.OriginRemote {
			break
		}
		seq = rec.Seq
	}
	return seq, nil
}

// Run syncs every interval until ctx is cancelled. Failed rounds are
// logged and retried at the next tick.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Sync(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("background sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Compact drops change records already covered by the checkpoint.
func (c *Coordinator) Compact() (int, error) {
	c.round.Lock()
	defer c.round.Unlock()

	cp, err := c.store.Checkpoint()
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.LocalSeq == 0 {
		return 0, nil
	}
	n, err := c.store.Compact(cp.LocalSeq)
	if err != nil {
		return 0, fmt.Errorf("compact change log: %w", err)
	}
	return n, nil
}
