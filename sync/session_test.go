package sync

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/docmesh/docmesh/crdt"
	"github.com/docmesh/docmesh/crdt/textcrdt"
)

func testEndpoint(t *testing.T, h host.Host, opts ...Opt) *Endpoint {
	t.Helper()
	e := NewEndpoint(h, append([]Opt{WithLog(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(func() { e.Close() })
	return e
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func addrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

func TestSyncConverges(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx := testCtx(t)

	eng1 := textcrdt.New(1)
	require.NoError(t, eng1.InsertText(0, "Hello"))
	eng2 := textcrdt.New(2)
	require.NoError(t, eng2.InsertText(0, "World"))

	d1, err := testEndpoint(t, mesh.Hosts()[0]).Register("notes", eng1)
	require.NoError(t, err)
	d2, err := testEndpoint(t, mesh.Hosts()[1]).Register("notes", eng2)
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return d1.Accept(ctx) })
	require.NoError(t, d2.Connect(ctx, addrInfo(mesh.Hosts()[0])))
	require.NoError(t, eg.Wait())

	require.Equal(t, eng1.Text(), eng2.Text())
	// both inserted at position 0 with the same counter, so the higher
	// site's run renders first on both replicas
	require.Equal(t, "WorldHello", eng1.Text())

	s1, err := d1.Snapshot()
	require.NoError(t, err)
	s2, err := d2.Snapshot()
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestResyncSendsIncrementalUpdate(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx := testCtx(t)

	eng1 := textcrdt.New(1)
	eng2 := textcrdt.New(2)
	require.NoError(t, eng2.InsertText(0, "draft"))

	d1, err := testEndpoint(t, mesh.Hosts()[0]).Register("notes", eng1)
	require.NoError(t, err)
	d2, err := testEndpoint(t, mesh.Hosts()[1]).Register("notes", eng2)
	require.NoError(t, err)

	run := func() {
		var eg errgroup.Group
		eg.Go(func() error { return d1.Accept(ctx) })
		require.NoError(t, d2.Connect(ctx, addrInfo(mesh.Hosts()[0])))
		require.NoError(t, eg.Wait())
	}
	run()
	require.Equal(t, "draft", eng1.Text())

	require.NoError(t, d2.Handle().WithEngine(func(crdt.Engine) error {
		return eng2.InsertText(5, " v2")
	}))
	run()
	require.Equal(t, "draft v2", eng1.Text())
	require.Equal(t, eng1.Text(), eng2.Text())

	// duplicate delivery of the same history must be a no-op
	run()
	require.Equal(t, "draft v2", eng1.Text())
}

func TestRoutingMismatch(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx := testCtx(t)

	eng1 := textcrdt.New(1)
	require.NoError(t, eng1.InsertText(0, "private notes"))
	d1, err := testEndpoint(t, mesh.Hosts()[0]).Register("notes", eng1)
	require.NoError(t, err)
	before, err := d1.Snapshot()
	require.NoError(t, err)

	eng2 := textcrdt.New(2)
	d2, err := testEndpoint(t, mesh.Hosts()[1]).Register("wrong", eng2)
	require.NoError(t, err)

	err = d2.Connect(ctx, addrInfo(mesh.Hosts()[0]))
	var mismatch *DocMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, RoutingTag("wrong"), mismatch.Expected)
	require.Equal(t, RoutingTag("notes"), mismatch.Received)

	after, err := d1.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, "", eng2.Text())
}

func TestRoutingIsolationOnSharedEndpoint(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx := testCtx(t)

	e1 := testEndpoint(t, mesh.Hosts()[0])
	engAlpha := textcrdt.New(1)
	require.NoError(t, engAlpha.InsertText(0, "alpha state"))
	dAlpha, err := e1.Register("alpha", engAlpha)
	require.NoError(t, err)
	engBeta := textcrdt.New(2)
	require.NoError(t, engBeta.InsertText(0, "beta state"))
	_, err = e1.Register("beta", engBeta)
	require.NoError(t, err)

	eng2 := textcrdt.New(3)
	d2, err := testEndpoint(t, mesh.Hosts()[1]).Register("alpha", eng2)
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return dAlpha.Accept(ctx) })
	require.NoError(t, d2.Connect(ctx, addrInfo(mesh.Hosts()[0])))
	require.NoError(t, eg.Wait())

	require.Equal(t, "alpha state", eng2.Text())
	require.Equal(t, "beta state", engBeta.Text(), "beta must never see alpha's session")
}

func TestAcceptTimeout(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)

	d, err := testEndpoint(t, mesh.Hosts()[0]).Register("notes", textcrdt.New(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = d.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectNothingListening(t *testing.T) {
	mn := mocknet.New()
	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)
	// no link between the peers, dialing can't succeed

	d, err := testEndpoint(t, h1).Register("notes", textcrdt.New(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	err = d.Connect(ctx, peer.AddrInfo{ID: h2.ID()})
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRegisterConflict(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)
	e := testEndpoint(t, mesh.Hosts()[0])

	d, err := e.Register("notes", textcrdt.New(1))
	require.NoError(t, err)
	_, err = e.Register("notes", textcrdt.New(2))
	require.ErrorIs(t, err, ErrDocRegistered)

	// a different id on the same endpoint is independent
	_, err = e.Register("other", textcrdt.New(3))
	require.NoError(t, err)

	// closing frees the id for a new registration
	require.NoError(t, d.Close())
	_, err = e.Register("notes", textcrdt.New(4))
	require.NoError(t, err)
}

func TestSeedSnapshotResumes(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)

	old := textcrdt.New(1)
	require.NoError(t, old.InsertText(0, "persisted"))
	snap, err := old.ExportSnapshot()
	require.NoError(t, err)

	eng := textcrdt.New(2)
	d, err := testEndpoint(t, mesh.Hosts()[0]).Register("notes", eng, WithSeedSnapshot(snap))
	require.NoError(t, err)
	require.Equal(t, "persisted", eng.Text())

	_, err = testEndpoint(t, mesh.Hosts()[0]).Register("bad", textcrdt.New(3), WithSeedSnapshot([]byte("junk")))
	require.Error(t, err)

	require.NoError(t, d.ApplyExternalUpdate(snap))
	require.Equal(t, "persisted", eng.Text())
}

func TestSessionLimit(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx := testCtx(t)

	d, err := testEndpoint(t, mesh.Hosts()[0], WithMaxSessions(0)).Register("notes", textcrdt.New(1))
	require.NoError(t, err)

	require.ErrorIs(t, d.Accept(ctx), ErrTooManySessions)
	require.ErrorIs(t, d.Connect(ctx, addrInfo(mesh.Hosts()[1])), ErrTooManySessions)
}

func TestMalformedPayloadRejected(t *testing.T) {
	for _, tc := range []struct {
		desc string
		send func(t *testing.T, wr *bufio.Writer)
	}{
		{
			desc: "unknown kind",
			send: func(t *testing.T, wr *bufio.Writer) {
				require.NoError(t, wr.WriteByte(9))
				require.NoError(t, writeBlob(wr, []byte("junk")))
				require.NoError(t, wr.Flush())
			},
		},
		{
			desc: "truncated body",
			send: func(t *testing.T, wr *bufio.Writer) {
				require.NoError(t, wr.WriteByte(payloadSnapshot))
				require.NoError(t, writeUvarint(wr, 1000))
				_, err := wr.Write(make([]byte, 10))
				require.NoError(t, err)
				require.NoError(t, wr.Flush())
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			mesh, err := mocknet.FullMeshConnected(2)
			require.NoError(t, err)
			ctx := testCtx(t)

			eng := textcrdt.New(1)
			require.NoError(t, eng.InsertText(0, "precious"))
			d, err := testEndpoint(t, mesh.Hosts()[0]).Register("notes", eng)
			require.NoError(t, err)
			before, err := d.Snapshot()
			require.NoError(t, err)

			var eg errgroup.Group
			eg.Go(func() error { return d.Accept(ctx) })

			s, err := mesh.Hosts()[1].NewStream(ctx, mesh.Hosts()[0].ID(), protocol.ID(ProtocolID))
			require.NoError(t, err)
			defer s.Close()
			go io.Copy(io.Discard, s) // drain the acceptor's payload
			wr := bufio.NewWriter(s)
			require.NoError(t, writeHello(wr, RoutingTag("notes"), nil))
			tc.send(t, wr)
			require.NoError(t, s.CloseWrite())

			err = eg.Wait()
			require.ErrorIs(t, err, ErrMalformedPayload)

			after, err := d.Snapshot()
			require.NoError(t, err)
			require.Equal(t, before, after, "rejected payload mutated state")
		})
	}
}

func TestAcceptQueueBound(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx := testCtx(t)

	_, err = testEndpoint(t, mesh.Hosts()[0], WithQueueSize(1)).Register("bounded", textcrdt.New(1))
	require.NoError(t, err)

	dial := func() *bufio.Reader {
		s, err := mesh.Hosts()[1].NewStream(ctx, mesh.Hosts()[0].ID(), protocol.ID(ProtocolID))
		require.NoError(t, err)
		t.Cleanup(func() { s.Reset() })
		wr := bufio.NewWriter(s)
		require.NoError(t, writeHello(wr, RoutingTag("bounded"), nil))
		return bufio.NewReader(s)
	}

	dial()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(acceptQueue.WithLabelValues("bounded")) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// the queue is full, the second stream must be reset without an ack
	rd2 := dial()
	_, _, _, err = readAck(rd2)
	require.Error(t, err)
}

func TestLargeInsertionSyncs(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const size = 1 << 20
	content := strings.Repeat("a", size)
	eng1 := textcrdt.New(1)
	eng2 := textcrdt.New(2)
	require.NoError(t, eng2.InsertText(0, content))

	// protocol overhead stays within a small constant multiple of content
	snap, err := eng2.ExportSnapshot()
	require.NoError(t, err)
	require.Less(t, len(snap), size*2)

	d1, err := testEndpoint(t, mesh.Hosts()[0]).Register("big", eng1)
	require.NoError(t, err)
	d2, err := testEndpoint(t, mesh.Hosts()[1]).Register("big", eng2)
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return d1.Accept(ctx) })
	require.NoError(t, d2.Connect(ctx, addrInfo(mesh.Hosts()[0])))
	require.NoError(t, eg.Wait())

	require.Equal(t, size, eng1.Len())
	require.Equal(t, eng2.Text(), eng1.Text())
}

func TestConcurrentPeersConverge(t *testing.T) {
	const peers = 4
	mesh, err := mocknet.FullMeshConnected(peers)
	require.NoError(t, err)
	ctx := testCtx(t)

	words := []string{"alpha ", "beta ", "gamma ", "delta "}
	engs := make([]*textcrdt.Doc, peers)
	docs := make([]*Doc, peers)
	for i := 0; i < peers; i++ {
		engs[i] = textcrdt.New(uint64(i + 1))
		require.NoError(t, engs[i].InsertText(0, words[i]))
		docs[i], err = testEndpoint(t, mesh.Hosts()[i]).Register("shared", engs[i])
		require.NoError(t, err)
	}

	// peer 0 accepts from everyone else concurrently while the others dial
	var eg errgroup.Group
	for i := 1; i < peers; i++ {
		eg.Go(func() error { return docs[0].Accept(ctx) })
	}
	for i := 1; i < peers; i++ {
		i := i
		eg.Go(func() error { return docs[i].Connect(ctx, addrInfo(mesh.Hosts()[0])) })
	}
	require.NoError(t, eg.Wait())

	// one more round so everyone picks up what peer 0 accumulated
	for i := 1; i < peers; i++ {
		var round errgroup.Group
		round.Go(func() error { return docs[0].Accept(ctx) })
		require.NoError(t, docs[i].Connect(ctx, addrInfo(mesh.Hosts()[0])))
		require.NoError(t, round.Wait())
	}

	want := engs[0].Text()
	for i := 1; i < peers; i++ {
		require.Equal(t, want, engs[i].Text(), "peer %d diverged", i)
	}
	for _, w := range words {
		require.Contains(t, want, w)
	}
}
