package changelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changes.log")
	l, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func rec(seq uint64, key string) ChangeRecord {
	return ChangeRecord{
		Seq:       seq,
		Key:       key,
		Op:        OpUpdate,
		Timestamp: int64(seq) * 1000,
		PageID:    seq,
		Image:     []byte("image-" + key),
	}
}

func collect(t *testing.T, l *Log, since uint64) []ChangeRecord {
	t.Helper()
	var out []ChangeRecord
	for r, err := range l.ReadSince(since) {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func seqs(records []ChangeRecord) []uint64 {
	out := make([]uint64, 0, len(records))
	for _, r := range records {
		out = append(out, r.Seq)
	}
	return out
}

func TestAppendReadSinceIsGapFree(t *testing.T) {
	l, _ := openTestLog(t)
	for i := uint64(1); i <= 25; i++ {
		require.NoError(t, l.Append(rec(i, "k")))
	}

	got := collect(t, l, 0)
	require.Len(t, got, 25)
	for i, r := range got {
		require.Equal(t, uint64(i+1), r.Seq)
	}
	require.Equal(t, []uint64{24, 25}, seqs(collect(t, l, 23)))
	require.Empty(t, collect(t, l, 25))
}

func TestAppendRejectsGapAndReuse(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Append(rec(1, "a")))

	require.ErrorIs(t, l.Append(rec(3, "a")), ErrSequenceGap)
	require.ErrorIs(t, l.Append(rec(1, "a")), ErrSequenceGap)
	require.Equal(t, uint64(1), l.LastSeq())
}

func TestReadSinceRestartable(t *testing.T) {
	l, _ := openTestLog(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append(rec(i, "k")))
	}
	it := l.ReadSince(0)

	var first []uint64
	for r, err := range it {
		require.NoError(t, err)
		first = append(first, r.Seq)
		if r.Seq == 2 {
			break
		}
	}
	require.Equal(t, []uint64{1, 2}, first)

	var second []uint64
	for r, err := range it {
		require.NoError(t, err)
		second = append(second, r.Seq)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, second)
}

func TestRecordFieldsRoundTrip(t *testing.T) {
	l, path := openTestLog(t)
	want := ChangeRecord{
		Seq:       1,
		Key:       "user:42",
		Op:        OpDelete,
		Timestamp: 1700000000000000000,
		PageID:    9,
		Origin:    OriginRemote,
		Image:     []byte{1, 2, 3},
	}
	want.PayloadHash[0] = 0xab
	require.NoError(t, l.Append(want))
	require.NoError(t, l.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got := collect(t, reopened, 0)
	require.Equal(t, []ChangeRecord{want}, got)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	l, path := openTestLog(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, l.Append(rec(i, "k")))
	}
	require.NoError(t, l.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	// Simulate a crash mid-append: half a frame at the end.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(3), reopened.LastSeq())
	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, info.Size(), after.Size())
	require.NoError(t, reopened.Append(rec(4, "k")))
	require.Equal(t, []uint64{1, 2, 3, 4}, seqs(collect(t, reopened, 0)))
}

func TestOpenDropsCorruptedLastFrame(t *testing.T) {
	l, path := openTestLog(t)
	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, l.Append(rec(i, "k")))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint64(1), reopened.LastSeq())
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.log")
	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0o600))

	_, err := Open(path, nil)
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestCompactKeepsSequenceMonotonic(t *testing.T) {
	l, path := openTestLog(t)
	for i := uint64(1); i <= 6; i++ {
		require.NoError(t, l.Append(rec(i, "k")))
	}

	dropped, err := l.Compact(4)
	require.NoError(t, err)
	require.Equal(t, 4, dropped)
	require.Equal(t, uint64(5), l.FirstSeq())
	require.Equal(t, []uint64{5, 6}, seqs(collect(t, l, 4)))

	var readErr error
	for _, err := range l.ReadSince(2) {
		readErr = err
	}
	require.ErrorIs(t, readErr, ErrCompacted)

	_, err = l.Compact(6)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint64(6), reopened.LastSeq())
	require.Equal(t, uint64(7), reopened.FirstSeq())
	require.NoError(t, reopened.Append(rec(7, "k")))
	require.Equal(t, []uint64{7}, seqs(collect(t, reopened, 6)))
}

func TestCompactBeyondLastFails(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Append(rec(1, "k")))
	_, err := l.Compact(2)
	require.Error(t, err)
}

func TestClosedLog(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Append(rec(1, "k")), ErrClosed)
	for _, err := range l.ReadSince(0) {
		require.ErrorIs(t, err, ErrClosed)
	}
}

func TestParseOp(t *testing.T) {
	for _, op := range []Op{OpInsert, OpUpdate, OpDelete} {
		got, err := ParseOp(op.String())
		require.NoError(t, err)
		require.Equal(t, op, got)
	}
	_, err := ParseOp("upsert")
	require.Error(t, err)
}

func TestCompactLeavesNoTempFile(t *testing.T) {
	l, path := openTestLog(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, l.Append(rec(i, "k")))
	}
	_, err := l.Compact(2)
	require.NoError(t, err)
	_, err = os.Stat(path + ".compact")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, []uint64{3}, seqs(collect(t, l, 2)))
}

func TestSyncDir(t *testing.T) {
	require.NoError(t, syncDir(t.TempDir()))
	require.Error(t, syncDir(filepath.Join(t.TempDir(), "missing")))
}
