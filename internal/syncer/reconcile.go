package syncer

import (
	"cmp"
	"slices"

	"github.com/atinyakov/CipherSync/internal/changelog"
	"github.com/atinyakov/CipherSync/internal/kv"
)

// LocalChange is the newest unsynced local state of a key.
type LocalChange struct {
	Key     string
	Op      changelog.Op
	Value   []byte
	Version kv.Version
}

// Plan is the outcome of reconciling one round.
type Plan struct {
	// Push holds local changes the server does not have a newer version of.
	Push []LocalChange
	// Apply holds remote changes that win over local state.
	Apply []kv.RemoteChange
	// Conflicts counts keys changed on both sides.
	Conflicts int
}

// Reconcile decides, per key, which side wins. A key changed on both sides
// goes to the newer version: later timestamp, then higher sequence number.
// An exact version tie keeps the local change. Both outputs are sorted by
// key.
func Reconcile(local []LocalChange, remote []kv.RemoteChange) Plan {
	localByKey := make(map[string]LocalChange, len(local))
	for _, lc := range local {
		if cur, ok := localByKey[lc.Key]; !ok || cur.Version.Less(lc.Version) {
			localByKey[lc.Key] = lc
		}
	}
	remoteByKey := make(map[string]kv.RemoteChange, len(remote))
	for _, rc := range remote {
		if cur, ok := remoteByKey[rc.Key]; !ok || cur.Version.Less(rc.Version) {
			remoteByKey[rc.Key] = rc
		}
	}

	var plan Plan
	for key, lc := range localByKey {
		rc, ok := remoteByKey[key]
		if !ok {
			plan.Push = append(plan.Push, lc)
			continue
		}
		plan.Conflicts++
		if lc.Version.Less(rc.Version) {
			plan.Apply = append(plan.Apply, rc)
		} else {
			plan.Push = append(plan.Push, lc)
		}
		delete(remoteByKey, key)
	}
	for _, rc := range remoteByKey {
		plan.Apply = append(plan.Apply, rc)
	}

	slices.SortFunc(plan.Push, func(a, b LocalChange) int { return cmp.Compare(a.Key, b.Key) })
	slices.SortFunc(plan.Apply, func(a, b kv.RemoteChange) int { return cmp.Compare(a.Key, b.Key) })
	return plan
}
