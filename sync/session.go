package sync

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State of a sync session. A session is created per connection attempt and
// discarded after it terminates in Converged or Failed.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateNegotiated
	StateExchanging
	StateConverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateNegotiated:
		return "negotiated"
	case StateExchanging:
		return "exchanging"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session executes one connect-or-accept exchange. Dialer and listener run
// the same machine; the roles differ only in how the stream is obtained and
// which side of the hello/ack pair they produce. All durable effects go
// through the document's state handle.
type session struct {
	doc       *Doc
	direction string
	state     State
	logger    *zap.Logger
}

func newSession(d *Doc, direction string) *session {
	return &session{
		doc:       d,
		direction: direction,
		state:     StateIdle,
		logger:    d.logger.With(zap.String("direction", direction)),
	}
}

func (s *session) to(next State) {
	s.logger.Debug("session transition",
		zap.Stringer("from", s.state),
		zap.Stringer("to", next),
	)
	s.state = next
}

func (s *session) fail(err error) error {
	s.to(StateFailed)
	sessions.WithLabelValues(s.direction, "failed").Inc()
	return err
}

// Connect dials the peer at p and synchronizes this document with it. It
// blocks until the session converges, fails, or ctx expires. The address is
// an opaque locator produced by a discovery collaborator.
func (d *Doc) Connect(ctx context.Context, p peer.AddrInfo) error {
	if d.closed() {
		return fmt.Errorf("document %q: connect: %w", d.id, ErrDocClosed)
	}
	e := d.endpoint
	select {
	case e.sem <- struct{}{}:
	default:
		return fmt.Errorf("document %q: connect: %w", d.id, ErrTooManySessions)
	}
	defer func() { <-e.sem }()
	return newSession(d, "connect").connect(ctx, p)
}

// Accept waits for an inbound connection routed to this document and
// synchronizes with it. It blocks until a session completes, ctx expires, or
// the endpoint's accept timeout elapses when ctx has no deadline.
func (d *Doc) Accept(ctx context.Context) error {
	if d.closed() {
		return fmt.Errorf("document %q: accept: %w", d.id, ErrDocClosed)
	}
	e := d.endpoint
	select {
	case e.sem <- struct{}{}:
	default:
		return fmt.Errorf("document %q: accept: %w", d.id, ErrTooManySessions)
	}
	defer func() { <-e.sem }()
	return newSession(d, "accept").accept(ctx)
}

func (s *session) connect(ctx context.Context, p peer.AddrInfo) error {
	d := s.doc
	e := d.endpoint
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.sessionTimeout)
		defer cancel()
	}
	s.to(StateHandshaking)
	if len(p.Addrs) > 0 {
		e.h.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.TempAddrTTL)
	}
	stream, err := e.h.NewStream(ctx, p.ID, protocol.ID(ProtocolID))
	if err != nil {
		return s.fail(fmt.Errorf("document %q: handshake with %s: %w", d.id, p.ID, err))
	}
	stream.SetDeadline(streamDeadline(ctx, e.sessionTimeout))
	wr := bufio.NewWriter(stream)
	rd := bufio.NewReader(stream)
	if err := writeHello(wr, d.tag, d.handle.StateVector()); err != nil {
		stream.Reset()
		return s.fail(fmt.Errorf("document %q: hello to %s: %w", d.id, p.ID, err))
	}
	status, ackTag, peerSV, err := readAck(rd)
	if err != nil {
		stream.Reset()
		return s.fail(fmt.Errorf("document %q: ack from %s: %w", d.id, p.ID, err))
	}
	if status != ackOK {
		stream.Close()
		return s.fail(&DocMismatchError{DocID: d.id, Expected: d.tag, Received: ackTag})
	}
	if ackTag != d.tag {
		stream.Reset()
		return s.fail(&DocMismatchError{DocID: d.id, Expected: d.tag, Received: ackTag})
	}
	s.to(StateNegotiated)
	return s.exchange(stream, rd, wr, peerSV)
}

func (s *session) accept(ctx context.Context) error {
	d := s.doc
	e := d.endpoint
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.acceptTimeout)
		defer cancel()
	}
	s.to(StateHandshaking)
	select {
	case <-ctx.Done():
		return s.fail(fmt.Errorf("document %q: accept: %w", d.id, ctx.Err()))
	case <-d.done:
		return s.fail(fmt.Errorf("document %q: accept: %w", d.id, ErrDocClosed))
	case in := <-d.incoming:
		acceptQueue.WithLabelValues(d.id).Set(float64(len(d.incoming)))
		stream := in.stream
		stream.SetDeadline(streamDeadline(ctx, e.sessionTimeout))
		// the router matched the routing tag before queueing the stream
		s.to(StateNegotiated)
		wr := bufio.NewWriter(stream)
		if err := writeAck(wr, ackOK, d.tag, d.handle.StateVector()); err != nil {
			stream.Reset()
			return s.fail(fmt.Errorf("document %q: ack to %s: %w", d.id, stream.Conn().RemotePeer(), err))
		}
		return s.exchange(stream, in.rd, wr, in.sv)
	}
}

// exchange is the symmetric half of the machine: both sides concurrently
// send their payload and receive the peer's, then apply it. The received
// envelope is fully read and validated before the engine sees a byte, so a
// malformed payload fails the session with the state handle untouched.
func (s *session) exchange(stream network.Stream, rd *bufio.Reader, wr *bufio.Writer, peerSV []byte) error {
	d := s.doc
	e := d.endpoint
	remote := stream.Conn().RemotePeer()
	s.to(StateExchanging)

	outKind := payloadSnapshot
	var out []byte
	var err error
	if len(peerSV) > 0 {
		outKind = payloadUpdate
		out, err = d.handle.ExportUpdate(peerSV)
	} else {
		out, err = d.handle.Snapshot()
	}
	if err != nil {
		stream.Reset()
		return s.fail(fmt.Errorf("document %q: export for %s: %w", d.id, remote, err))
	}

	// send concurrently, receive here. A failing side resets the stream
	// so the other one unblocks instead of waiting out the deadline. The
	// receive error wins: a send failure after our own reset is only
	// collateral.
	var eg errgroup.Group
	eg.Go(func() error {
		if err := writePayload(wr, outKind, out, e.payloadLimit); err != nil {
			stream.Reset()
			return fmt.Errorf("send %s: %w", kindString(outKind), err)
		}
		return stream.CloseWrite()
	})
	inKind, in, err := readPayload(rd, e.payloadLimit)
	if err != nil {
		stream.Reset()
		eg.Wait()
		return s.fail(fmt.Errorf("document %q: exchange with %s: receive: %w", d.id, remote, err))
	}
	if err := eg.Wait(); err != nil {
		stream.Reset()
		return s.fail(fmt.Errorf("document %q: exchange with %s: %w", d.id, remote, err))
	}
	payloadBytes.WithLabelValues(kindString(outKind), "sent").Add(float64(len(out)))
	payloadBytes.WithLabelValues(kindString(inKind), "received").Add(float64(len(in)))

	if err := s.doc.handle.Import(in); err != nil {
		stream.Reset()
		return s.fail(fmt.Errorf("document %q: apply %s from %s: %w", d.id, kindString(inKind), remote, err))
	}
	stream.Close()
	s.to(StateConverged)
	sessions.WithLabelValues(s.direction, "converged").Inc()
	s.logger.Info("session converged",
		zap.Stringer("remotePeer", remote),
		zap.String("sent", kindString(outKind)),
		zap.Int("sentBytes", len(out)),
		zap.String("received", kindString(inKind)),
		zap.Int("receivedBytes", len(in)),
	)
	return nil
}

func streamDeadline(ctx context.Context, timeout time.Duration) time.Time {
	dl := time.Now().Add(timeout)
	if cdl, ok := ctx.Deadline(); ok && cdl.Before(dl) {
		dl = cdl
	}
	return dl
}
