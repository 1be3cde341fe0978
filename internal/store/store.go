// Package store defines the contract over the shared real-time key/value
// database that synchronizes game state across clients, plus the two
// implementations: an in-process store for tests and solo play, and a
// remote client speaking to the reference store service.
//
// The store is durable, order-preserving per path, and eventually
// consistent across clients. Every write is a last-write-wins patch; there
// are no transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClosed indicates an operation on a closed store session.
	ErrClosed = errors.New("store: session closed")
	// ErrRejected indicates the store refused a write during validation.
	ErrRejected = errors.New("store: write rejected")
)

// Snapshot maps child keys to their raw documents under a watched path.
type Snapshot map[string]json.RawMessage

// ChildHandler receives the full child set under a watched path on every
// change beneath it. Handlers for one path run in write order.
type ChildHandler func(snapshot Snapshot)

// DocHandler receives the document at a watched path on every change to it.
// The document is nil after a delete.
type DocHandler func(doc json.RawMessage)

// DisconnectAction enumerates the cleanup operations a client may register
// to run when its session drops.
type DisconnectAction string

const (
	DisconnectUpdate DisconnectAction = "update"
	DisconnectDelete DisconnectAction = "delete"
)

// DisconnectOp is a cleanup operation applied by the store when the owning
// session disconnects, whether gracefully or not.
type DisconnectOp struct {
	Action DisconnectAction       `json:"action"`
	Path   string                 `json:"path"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Store is one client's session against the shared database. Closing the
// session triggers its registered disconnect operations server-side.
type Store interface {
	// GetDoc reads the document at a path; nil when absent.
	GetDoc(ctx context.Context, path string) (json.RawMessage, error)
	// GetChildren reads every immediate child document under a path.
	GetChildren(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the document at a path.
	Set(ctx context.Context, path string, doc interface{}) error
	// Update merges fields into the document at a path, creating it if absent.
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	// Delete removes the document at a path.
	Delete(ctx context.Context, path string) error
	// WatchChildren subscribes to the child set under a path. The current
	// child set is delivered as the first notification. The returned
	// function cancels the subscription.
	WatchChildren(ctx context.Context, path string, handler ChildHandler) (func(), error)
	// WatchDoc subscribes to the single document at a path. The current
	// document is delivered as the first notification.
	WatchDoc(ctx context.Context, path string, handler DocHandler) (func(), error)
	// OnDisconnect registers a cleanup operation for this session.
	OnDisconnect(ctx context.Context, op DisconnectOp) error
	// Close tears the session down and fires its disconnect operations.
	Close() error
}

// Watch stream wire frames shared by the remote client and the store
// service.

// WatchCommand is a client-to-server frame on the watch stream.
type WatchCommand struct {
	Action   string        `json:"action"` // "subscribe", "unsubscribe" or "hook"
	Sub      int64         `json:"sub,omitempty"`
	Path     string        `json:"path,omitempty"`
	Children bool          `json:"children,omitempty"`
	Op       *DisconnectOp `json:"op,omitempty"`
}

// WatchEvent is a server-to-client frame on the watch stream.
type WatchEvent struct {
	Sub      int64           `json:"sub"`
	Path     string          `json:"path"`
	Snapshot Snapshot        `json:"snapshot,omitempty"`
	Doc      json.RawMessage `json:"doc,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
}

// MarshalDoc renders a document for storage, normalizing through JSON.
func MarshalDoc(doc interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// MergeFields overlays patch fields onto an existing raw document. A nil
// existing document yields a fresh one holding only the patch fields.
func MergeFields(existing json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	merged := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			return nil, err
		}
	}
	for key, value := range fields {
		merged[key] = value
	}
	return json.Marshal(merged)
}
