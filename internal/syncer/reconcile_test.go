package syncer

import (
	"testing"

	"github.com/atinyakov/CipherSync/internal/changelog"
	"github.com/atinyakov/CipherSync/internal/kv"
	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name      string
		local     []LocalChange
		remote    []kv.RemoteChange
		wantPush  []string
		wantApply []string
		conflicts int
	}{
		{
			name:     "local only",
			local:    []LocalChange{{Key: "b", Version: kv.Version{Timestamp: 1, Seq: 1}}, {Key: "a", Version: kv.Version{Timestamp: 1, Seq: 2}}},
			wantPush: []string{"a", "b"},
		},
		{
			name:      "remote only",
			remote:    []kv.RemoteChange{{Key: "x", Version: kv.Version{Timestamp: 5, Seq: 1}}},
			wantApply: []string{"x"},
		},
		{
			name:      "newer remote wins",
			local:     []LocalChange{{Key: "k", Version: kv.Version{Timestamp: 1, Seq: 9}}},
			remote:    []kv.RemoteChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 1}}},
			wantApply: []string{"k"},
			conflicts: 1,
		},
		{
			name:      "newer local wins",
			local:     []LocalChange{{Key: "k", Version: kv.Version{Timestamp: 3, Seq: 1}}},
			remote:    []kv.RemoteChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 7}}},
			wantPush:  []string{"k"},
			conflicts: 1,
		},
		{
			name:      "equal timestamp higher remote seq",
			local:     []LocalChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 3}}},
			remote:    []kv.RemoteChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 4}}},
			wantApply: []string{"k"},
			conflicts: 1,
		},
		{
			name:      "equal timestamp higher local seq",
			local:     []LocalChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 5}}},
			remote:    []kv.RemoteChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 4}}},
			wantPush:  []string{"k"},
			conflicts: 1,
		},
		{
			name:      "exact tie keeps local",
			local:     []LocalChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 4}}},
			remote:    []kv.RemoteChange{{Key: "k", Version: kv.Version{Timestamp: 2, Seq: 4}}},
			wantPush:  []string{"k"},
			conflicts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Reconcile(tt.local, tt.remote)
			require.Equal(t, tt.wantPush, pushKeys(plan))
			require.Equal(t, tt.wantApply, applyKeys(plan))
			require.Equal(t, tt.conflicts, plan.Conflicts)
		})
	}
}

func TestReconcileKeepsNewestRemotePerKey(t *testing.T) {
	remote := []kv.RemoteChange{
		{Key: "k", Op: changelog.OpInsert, Value: []byte("1"), Version: kv.Version{Timestamp: 1, Seq: 1}},
		{Key: "k", Op: changelog.OpDelete, Version: kv.Version{Timestamp: 3, Seq: 2}},
		{Key: "k", Op: changelog.OpUpdate, Value: []byte("2"), Version: kv.Version{Timestamp: 2, Seq: 3}},
	}
	plan := Reconcile(nil, remote)
	require.Len(t, plan.Apply, 1)
	require.Equal(t, changelog.OpDelete, plan.Apply[0].Op)
}

func TestReconcileIsOrderIndependent(t *testing.T) {
	local := []LocalChange{
		{Key: "a", Version: kv.Version{Timestamp: 4, Seq: 1}},
		{Key: "b", Version: kv.Version{Timestamp: 1, Seq: 2}},
	}
	remote := []kv.RemoteChange{
		{Key: "b", Version: kv.Version{Timestamp: 1, Seq: 3}},
		{Key: "a", Version: kv.Version{Timestamp: 4, Seq: 0}},
		{Key: "c", Version: kv.Version{Timestamp: 9, Seq: 1}},
	}
	first := Reconcile(local, remote)
	second := Reconcile(
		[]LocalChange{local[1], local[0]},
		[]kv.RemoteChange{remote[2], remote[0], remote[1]},
	)
	require.Equal(t, first, second)
	require.Equal(t, []string{"a"}, pushKeys(first))
	require.Equal(t, []string{"b", "c"}, applyKeys(first))
	require.Equal(t, 2, first.Conflicts)
}

func pushKeys(p Plan) []string {
	var out []string
	for _, lc := range p.Push {
		out = append(out, lc.Key)
	}
	return out
}

func applyKeys(p Plan) []string {
	var out []string
	for _, rc := range p.Apply {
		out = append(out, rc.Key)
	}
	return out
}
