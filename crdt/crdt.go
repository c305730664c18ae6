// Package crdt defines the contract between the synchronization core and a
// conflict-free replicated data structure, plus the per-document state handle
// that serializes access to it.
//
// The core never inspects the bytes an engine produces. It only moves them
// between peers and hands them back to Import, relying on the engine's
// convergence guarantees: Import is idempotent (the same bytes applied twice
// equal once) and commutative (imports from different peers may arrive in any
// order), and it must validate its input and fail without partial mutation.
package crdt

import (
	"errors"
	"sync"
)

// ErrMalformed is returned by Import implementations when the payload cannot
// be decoded or fails validation. The engine state must be left untouched.
var ErrMalformed = errors.New("crdt: malformed payload")

// StateVector is an opaque, engine-defined summary of the updates a replica
// has already seen. An empty vector means "seen nothing"; peers exchange
// vectors so each side can export a minimal delta.
type StateVector []byte

// Engine is the replicated data structure consumed by the sync core.
//
// Implementations must guarantee convergence: two replicas that have imported
// each other's exports, in any order and with any repetition, render the same
// state. Export calls are expected to be fast in-memory operations.
type Engine interface {
	// StateVector summarizes the updates this replica has applied.
	StateVector() StateVector
	// ExportSnapshot serializes the full state. The result is
	// self-describing and deterministic for a given internal state.
	ExportSnapshot() ([]byte, error)
	// ExportUpdate serializes the changes not covered by since. A nil or
	// empty vector yields the same information as a snapshot.
	ExportUpdate(since StateVector) ([]byte, error)
	// Import applies a snapshot or update previously produced by an
	// ExportSnapshot or ExportUpdate call on some replica. It validates
	// the payload first and rejects it, with ErrMalformed or an error
	// wrapping it, before mutating any state.
	Import(data []byte) error
}

// Handle owns the engine for one registered document. Concurrent sync
// sessions for the same document share a single Handle, and all imports are
// serialized through it. Exports take the same lock so they observe a
// consistent state even while another session is importing.
type Handle struct {
	mu  sync.Mutex
	eng Engine
}

// NewHandle wraps an engine. One handle per document id per process.
func NewHandle(eng Engine) *Handle {
	return &Handle{eng: eng}
}

// Import applies peer bytes to the engine under the handle lock.
func (h *Handle) Import(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eng.Import(data)
}

// Snapshot exports the full current state. Exposed to the storage
// collaborator for persistence; this core decides no persistence policy.
func (h *Handle) Snapshot() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eng.ExportSnapshot()
}

// ApplyExternalUpdate replays bytes a collaborator persisted earlier, for
// example when resuming a document on startup. Same semantics as Import.
func (h *Handle) ApplyExternalUpdate(data []byte) error {
	return h.Import(data)
}

// StateVector returns the engine's current state vector.
func (h *Handle) StateVector() StateVector {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eng.StateVector()
}

// ExportUpdate exports the delta not covered by since, or the full state
// when since is empty.
func (h *Handle) ExportUpdate(since StateVector) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eng.ExportUpdate(since)
}

// WithEngine runs f with exclusive access to the underlying engine. Callers
// use it for local edits that must not interleave with session imports.
func (h *Handle) WithEngine(f func(Engine) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return f(h.eng)
}
