// Package sync routes authenticated peer connections to registered documents
// and runs the symmetric session state machine that exchanges and applies
// replicated state.
//
// One Endpoint owns the registry of active documents on a shared transport
// host. Inbound streams all arrive on ProtocolID; the router reads the
// routing tag from the first frame and delivers the stream to the matching
// document's accept queue, or rejects it. Sessions for different peers run
// concurrently; imports into one document serialize through its crdt.Handle.
package sync

import (
	"bufio"
	"fmt"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docmesh/docmesh/crdt"
)

// Opt is a type to configure an endpoint.
type Opt func(e *Endpoint)

// WithLog configures the logger for the endpoint.
func WithLog(logger *zap.Logger) Opt {
	return func(e *Endpoint) {
		e.logger = logger
	}
}

// WithQueueSize bounds how many inbound streams may wait per document for an
// Accept call. Streams past the bound are reset immediately.
//
// Defaults to 16.
func WithQueueSize(size int) Opt {
	return func(e *Endpoint) {
		e.queueSize = size
	}
}

// WithMaxSessions bounds the number of concurrently running sessions across
// all documents of the endpoint. Connect and Accept fail fast with
// ErrTooManySessions once the bound is reached.
//
// Defaults to 64.
func WithMaxSessions(n int) Opt {
	return func(e *Endpoint) {
		e.maxSessions = n
	}
}

// WithSessionTimeout bounds stream I/O within one session. It is applied as a
// stream deadline, tightened further by any caller context deadline.
func WithSessionTimeout(timeout time.Duration) Opt {
	return func(e *Endpoint) {
		e.sessionTimeout = timeout
	}
}

// WithAcceptTimeout bounds Accept calls whose context carries no deadline, so
// no wait in the core is unbounded.
func WithAcceptTimeout(timeout time.Duration) Opt {
	return func(e *Endpoint) {
		e.acceptTimeout = timeout
	}
}

// WithPayloadLimit caps the payload envelope size in both directions.
func WithPayloadLimit(limit int) Opt {
	return func(e *Endpoint) {
		e.payloadLimit = limit
	}
}

// WithRequestsPerInterval limits how fast inbound streams are admitted.
//
// Defaults to 100 per second.
func WithRequestsPerInterval(n int, interval time.Duration) Opt {
	return func(e *Endpoint) {
		e.limiter = rate.NewLimiter(rate.Every(interval/time.Duration(n)), n)
	}
}

// Endpoint owns the document registry and the inbound stream router for one
// transport host. Multiple endpoints can coexist in a process, each with its
// own registry.
type Endpoint struct {
	logger         *zap.Logger
	h              host.Host
	queueSize      int
	maxSessions    int
	sessionTimeout time.Duration
	acceptTimeout  time.Duration
	payloadLimit   int
	limiter        *rate.Limiter
	sem            chan struct{}

	mu     gosync.Mutex
	docs   map[string]*Doc
	tags   map[string]*Doc
	closed bool
}

// NewEndpoint installs the docmesh stream handler on h and returns the
// registry for it. The host may be shared with other subsystems; only
// ProtocolID streams are claimed.
func NewEndpoint(h host.Host, opts ...Opt) *Endpoint {
	e := &Endpoint{
		logger:         zap.NewNop(),
		h:              h,
		queueSize:      16,
		maxSessions:    64,
		sessionTimeout: 30 * time.Second,
		acceptTimeout:  5 * time.Minute,
		payloadLimit:   32 << 20,
		limiter:        rate.NewLimiter(rate.Every(10*time.Millisecond), 100),
		docs:           map[string]*Doc{},
		tags:           map[string]*Doc{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = make(chan struct{}, e.maxSessions)
	h.SetStreamHandler(protocol.ID(ProtocolID), e.handleStream)
	return e
}

// DocOpt configures one registration.
type DocOpt func(*docOpts)

type docOpts struct {
	seed []byte
}

// WithSeedSnapshot seeds the document from a previously exported snapshot
// before any network activity, resuming an earlier state.
func WithSeedSnapshot(snapshot []byte) DocOpt {
	return func(o *docOpts) {
		o.seed = snapshot
	}
}

// Register creates the state handle and routing tag for docID and activates
// it on the endpoint. Registering an id that is already active is a conflict,
// surfaced synchronously with no network activity.
func (e *Endpoint) Register(docID string, eng crdt.Engine, opts ...DocOpt) (*Doc, error) {
	if docID == "" {
		return nil, fmt.Errorf("register: empty document id")
	}
	var o docOpts
	for _, opt := range opts {
		opt(&o)
	}
	d := &Doc{
		id:       docID,
		tag:      RoutingTag(docID),
		endpoint: e,
		handle:   crdt.NewHandle(eng),
		logger:   e.logger.With(zap.String("document", docID)),
		incoming: make(chan inbound, e.queueSize),
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("register %q: endpoint closed", docID)
	}
	if _, ok := e.docs[docID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("register %q: %w", docID, ErrDocRegistered)
	}
	e.docs[docID] = d
	e.tags[d.tag] = d
	e.mu.Unlock()

	if o.seed != nil {
		if err := d.handle.Import(o.seed); err != nil {
			d.Close()
			return nil, fmt.Errorf("register %q: seed snapshot: %w", docID, err)
		}
	}
	d.logger.Info("document registered", zap.String("tag", d.tag))
	return d, nil
}

func (e *Endpoint) unregister(d *Doc) {
	e.mu.Lock()
	if e.docs[d.id] == d {
		delete(e.docs, d.id)
		delete(e.tags, d.tag)
	}
	e.mu.Unlock()
}

// lookupTag resolves a hello tag. On a miss it also reports the sole
// registered tag, if there is exactly one, as a mismatch diagnostic.
func (e *Endpoint) lookupTag(tag string) (*Doc, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.tags[tag]; ok {
		return d, ""
	}
	if len(e.tags) == 1 {
		for t := range e.tags {
			return nil, t
		}
	}
	return nil, ""
}

// Close unregisters all documents and removes the stream handler. The
// underlying host is left to its owner.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	docs := make([]*Doc, 0, len(e.docs))
	for _, d := range e.docs {
		docs = append(docs, d)
	}
	e.mu.Unlock()
	e.h.RemoveStreamHandler(protocol.ID(ProtocolID))
	for _, d := range docs {
		d.Close()
	}
	return nil
}

type inbound struct {
	stream network.Stream
	rd     *bufio.Reader
	sv     []byte
}

// handleStream is the protocol router. It validates the routing tag of every
// inbound stream against the registry before anything reaches a session, so
// a stream aimed at one document can never be delivered to another.
func (e *Endpoint) handleStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer()
	if !e.limiter.Allow() {
		rejectedStreams.WithLabelValues("ratelimited").Inc()
		stream.Reset()
		return
	}
	stream.SetDeadline(time.Now().Add(e.sessionTimeout))
	rd := bufio.NewReader(stream)
	tag, sv, err := readHello(rd)
	if err != nil {
		e.logger.Debug("bad hello frame",
			zap.Stringer("remotePeer", remote),
			zap.Error(err),
		)
		rejectedStreams.WithLabelValues("badhello").Inc()
		stream.Reset()
		return
	}
	d, expected := e.lookupTag(tag)
	if d == nil {
		e.logger.Warn("routing tag mismatch",
			zap.String("received", tag),
			zap.String("expected", expected),
			zap.Stringer("remotePeer", remote),
		)
		rejectedStreams.WithLabelValues("mismatch").Inc()
		wr := bufio.NewWriter(stream)
		writeAck(wr, ackMismatch, expected, nil)
		stream.Close()
		return
	}
	select {
	case d.incoming <- inbound{stream: stream, rd: rd, sv: sv}:
		acceptQueue.WithLabelValues(d.id).Set(float64(len(d.incoming)))
	default:
		e.logger.Debug("accept queue full",
			zap.String("document", d.id),
			zap.Stringer("remotePeer", remote),
		)
		rejectedStreams.WithLabelValues("queue_full").Inc()
		stream.Reset()
	}
}

// Doc is the per-document session handle returned by Register. Connect and
// Accept may be called concurrently from any number of goroutines; all
// resulting sessions share the document's single state handle.
type Doc struct {
	id       string
	tag      string
	endpoint *Endpoint
	handle   *crdt.Handle
	logger   *zap.Logger
	incoming chan inbound

	closeOnce gosync.Once
	done      chan struct{}
}

// ID returns the registered document identifier.
func (d *Doc) ID() string { return d.id }

// RoutingTag returns the tag peers must advertise to reach this document.
func (d *Doc) RoutingTag() string { return d.tag }

// Handle exposes the document's state handle.
func (d *Doc) Handle() *crdt.Handle { return d.handle }

// Snapshot exports the current full state, for the persistence collaborator.
func (d *Doc) Snapshot() ([]byte, error) { return d.handle.Snapshot() }

// ApplyExternalUpdate replays persisted history, for startup resume.
func (d *Doc) ApplyExternalUpdate(data []byte) error { return d.handle.ApplyExternalUpdate(data) }

// Close unregisters the document and resets any queued inbound streams. The
// id may be registered again afterwards.
func (d *Doc) Close() error {
	d.closeOnce.Do(func() {
		d.endpoint.unregister(d)
		close(d.done)
		for {
			select {
			case in := <-d.incoming:
				in.stream.Reset()
			default:
				return
			}
		}
	})
	return nil
}

func (d *Doc) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
