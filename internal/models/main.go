// Package models defines the data structures shared by the sync server and
// its clients.
package models

// User represents a replica owner enrolled with the sync server.
type User struct {
	// ID is the unique identifier for the user.
	ID string
	// Login is the certificate common name the user authenticates with.
	Login string
}

// Change is one key change as stored by the sync server. Value is sealed
// by the replica; the server never sees plaintext.
type Change struct {
	// Cursor is the server-assigned position of the change. It is zero in
	// push requests.
	Cursor int64 `json:"cursor,omitempty"`
	// Key is the changed key.
	Key string `json:"key"`
	// Op is "insert", "update" or "delete".
	Op string `json:"op"`
	// Timestamp is the writer's wall clock in nanoseconds.
	Timestamp int64 `json:"timestamp"`
	// Seq is the writer's change record sequence number.
	Seq uint64 `json:"seq"`
	// ReplicaID identifies the replica that produced the change.
	ReplicaID string `json:"replica_id"`
	// Value is the sealed value, empty for deletes.
	Value []byte `json:"value,omitempty"`
}

// FetchResponse answers GET /api/changes.
type FetchResponse struct {
	Changes []Change `json:"changes"`
	// Head is the newest cursor of the user at fetch time.
	Head int64 `json:"head"`
}

// PushRequest is the body of POST /api/changes.
type PushRequest struct {
	// BaseCursor is the head the client reconciled against. The push is
	// rejected if the server moved past it.
	BaseCursor int64    `json:"base_cursor"`
	ReplicaID  string   `json:"replica_id"`
	Changes    []Change `json:"changes"`
}

// PushResponse acknowledges a push.
type PushResponse struct {
	// Cursor is the new head after the push.
	Cursor int64 `json:"cursor"`
}
