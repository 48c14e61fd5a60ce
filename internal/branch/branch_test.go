package branch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/kvproto"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/registry"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
	"github.com/jisqyv/rethinkdb/internal/store/memstore"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRegion() region.Region {
	return region.Span([]byte("a"), []byte("z"))
}

func newBranchStore() *memstore.Store {
	r := testRegion()
	return memstore.New(r, region.Single[[]byte](r, nil))
}

type testBranch struct {
	node        *transport.Node
	coordinator *Coordinator
	first       *Replica
}

func startBranch(t *testing.T) *testBranch {
	t.Helper()
	nw := transport.NewNetwork()
	node := nw.NewNode("server", nil)
	c, first, err := NewCoordinator(node, nil, testRegion(), newBranchStore(), nil)
	require.NoError(t, err)
	return &testBranch{node: node, coordinator: c, first: first}
}

func (b *testBranch) stop() {
	b.coordinator.Close()
	b.first.Close()
	b.node.Close()
}

func TestWriteThenRead(t *testing.T) {
	b := startBranch(t)
	defer b.stop()

	resp, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte("k"), Value: []byte("v")}, nil)
	require.NoError(t, err)
	require.False(t, resp.(kvproto.PutResponse).Replaced)

	got, err := b.coordinator.Read(kvproto.GetRequest{Key: []byte("k")}, nil)
	require.NoError(t, err)
	require.True(t, got.(kvproto.GetResponse).Found)
	require.Equal(t, []byte("v"), got.(kvproto.GetResponse).Value)
}

func TestUncoveredRegionFailsAsString(t *testing.T) {
	b := startBranch(t)
	defer b.stop()

	// Direct calls surface the sentinel.
	_, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte("zz"), Value: []byte("v")}, nil)
	require.ErrorIs(t, err, ErrInsufficientReplicas)

	// Through the client mailboxes the failure is a plain string.
	card := b.coordinator.Card()
	reply := transport.NewReplyBox[Reply](b.node)
	transport.Send(b.node, card.Read, ClientRead{
		Req:   kvproto.GetRequest{Key: []byte("zz")},
		Reply: reply.Addr(),
	})
	got, err := reply.Await(nil)
	require.NoError(t, err)
	require.Contains(t, got.Err, "insufficient replicas")
	require.Nil(t, got.Response)
}

func TestClientMailboxRoundTrip(t *testing.T) {
	b := startBranch(t)
	defer b.stop()
	card := b.coordinator.Card()

	wReply := transport.NewReplyBox[Reply](b.node)
	transport.Send(b.node, card.Write, ClientWrite{
		Req:   kvproto.PutRequest{Key: []byte("k"), Value: []byte("v")},
		Reply: wReply.Addr(),
	})
	wr, err := wReply.Await(nil)
	require.NoError(t, err)
	require.Empty(t, wr.Err)

	rReply := transport.NewReplyBox[Reply](b.node)
	transport.Send(b.node, card.Read, ClientRead{
		Req:   kvproto.GetRequest{Key: []byte("k")},
		Reply: rReply.Addr(),
	})
	rr, err := rReply.Await(nil)
	require.NoError(t, err)
	require.Empty(t, rr.Err)
	require.Equal(t, []byte("v"), rr.Response.(kvproto.GetResponse).Value)
}

func TestSecondReplicaJoinsAndServes(t *testing.T) {
	b := startBranch(t)
	defer b.stop()

	for _, kv := range [][2]string{{"apple", "red"}, {"banana", "yellow"}} {
		_, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte(kv[0]), Value: []byte(kv[1])}, nil)
		require.NoError(t, err)
	}

	second := newBranchStore()
	replica, err := Join(b.coordinator, b.first, second, nil)
	require.NoError(t, err)
	defer replica.Close()
	require.True(t, replica.Ready().IsFired())
	require.Equal(t, 2, b.coordinator.Dispatcher().ReplicaCount())

	// Reads rotate over both replicas; all of them must agree.
	for i := 0; i < 6; i++ {
		got, err := b.coordinator.Read(kvproto.GetRequest{Key: []byte("apple")}, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("red"), got.(kvproto.GetResponse).Value)
	}

	// New writes fan out to the joined replica too.
	_, err = b.coordinator.Write(kvproto.PutRequest{Key: []byte("cherry"), Value: []byte("dark")}, nil)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		got, err := b.coordinator.Read(kvproto.GetRequest{Key: []byte("cherry")}, nil)
		require.NoError(t, err)
		require.True(t, got.(kvproto.GetResponse).Found)
	}
}

func TestCoordinatorCloseFailsReplicas(t *testing.T) {
	b := startBranch(t)
	defer b.first.Close()
	defer b.node.Close()

	b.coordinator.Close()
	require.True(t, b.first.Failed().IsFired())
	require.Contains(t, b.first.FailedReason(), "shut down")

	_, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte("k"), Value: []byte("v")}, nil)
	require.ErrorIs(t, err, ErrReplicaSetLost)
}

func TestNewCoordinatorInterrupted(t *testing.T) {
	nw := transport.NewNetwork()
	node := nw.NewNode("server", nil)
	defer node.Close()

	_, _, err := NewCoordinator(node, nil, testRegion(), newBranchStore(), signal.Fired())
	require.ErrorIs(t, err, signal.ErrInterrupted)
}

func TestBackfillCopiesStateAndStamps(t *testing.T) {
	b := startBranch(t)
	defer b.stop()

	_, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte("k"), Value: []byte("v1")}, nil)
	require.NoError(t, err)
	_, err = b.coordinator.Write(kvproto.DeleteRequest{Key: []byte("k")}, nil)
	require.NoError(t, err)
	_, err = b.coordinator.Write(kvproto.PutRequest{Key: []byte("other"), Value: []byte("x")}, nil)
	require.NoError(t, err)

	target := newBranchStore()
	require.NoError(t, Backfill(b.first.View(), target, nil))

	meta, err := target.Metainfo(target.NewReadTicket(), nil)
	require.NoError(t, err)
	for _, e := range meta.Entries() {
		require.Equal(t, b.coordinator.Branch(), decodeStamp(e.Value).Branch)
	}

	resp, err := target.Read(meta, kvproto.GetRequest{Key: []byte("other")}, target.NewReadTicket(), nil)
	require.NoError(t, err)
	require.True(t, resp.(kvproto.GetResponse).Found)
	resp, err = target.Read(meta, kvproto.GetRequest{Key: []byte("k")}, target.NewReadTicket(), nil)
	require.NoError(t, err)
	require.False(t, resp.(kvproto.GetResponse).Found)
}

func TestBackfillRestartAfterInterrupt(t *testing.T) {
	b := startBranch(t)
	defer b.stop()

	_, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte("k"), Value: []byte("v")}, nil)
	require.NoError(t, err)

	target := newBranchStore()
	require.ErrorIs(t, Backfill(b.first.View(), target, signal.Fired()), signal.ErrInterrupted)

	// The target never claimed the branch, so a restart just works.
	require.NoError(t, Backfill(b.first.View(), target, nil))
	meta, err := target.Metainfo(target.NewReadTicket(), nil)
	require.NoError(t, err)
	resp, err := target.Read(meta, kvproto.GetRequest{Key: []byte("k")}, target.NewReadTicket(), nil)
	require.NoError(t, err)
	require.True(t, resp.(kvproto.GetResponse).Found)
}

func TestWriteOrderAcrossReplicas(t *testing.T) {
	b := startBranch(t)
	defer b.stop()

	second := newBranchStore()
	replica, err := Join(b.coordinator, b.first, second, nil)
	require.NoError(t, err)
	defer replica.Close()

	for i := 0; i < 20; i++ {
		_, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte("k"), Value: []byte{byte('0' + i%10)}}, nil)
		require.NoError(t, err)
	}

	// Both replicas must have converged on the last write.
	want := []byte{byte('0' + 19%10)}
	for _, view := range []store.View{b.first.View(), second} {
		meta, err := view.Metainfo(view.NewReadTicket(), nil)
		require.NoError(t, err)
		resp, err := view.Read(meta, kvproto.GetRequest{Key: []byte("k")}, view.NewReadTicket(), nil)
		require.NoError(t, err)
		require.Equal(t, want, resp.(kvproto.GetResponse).Value)
	}
}

// A freshly created branch serves operations immediately; creation does not
// return until the first replica's registration has committed.
func TestBranchServesImmediately(t *testing.T) {
	for i := 0; i < 10; i++ {
		b := startBranch(t)
		got, err := b.coordinator.Read(kvproto.GetRequest{Key: []byte("k")}, nil)
		require.NoError(t, err)
		require.False(t, got.(kvproto.GetResponse).Found)
		_, err = b.coordinator.Write(kvproto.PutRequest{Key: []byte("k"), Value: []byte("v")}, nil)
		require.NoError(t, err)
		b.stop()
	}
}

// Two writes one origin submits in sequence must land in submission order
// even when their envelopes reach the coordinator the other way around.
func TestSameOriginMailboxWritesKeepOrder(t *testing.T) {
	b := startBranch(t)
	defer b.stop()
	card := b.coordinator.Card()

	for i := 0; i < 20; i++ {
		origin := fifo.NewTokenSource()
		tok1 := origin.WriteToken()
		tok2 := origin.WriteToken()
		tokRead := origin.ReadToken()

		firstBox := transport.NewReplyBox[Reply](b.node)
		secondBox := transport.NewReplyBox[Reply](b.node)
		readBox := transport.NewReplyBox[Reply](b.node)
		// The later token goes out first; the coordinator must hold it back
		// until the earlier one has been admitted.
		transport.Send(b.node, card.Write, ClientWrite{
			Req:   kvproto.PutRequest{Key: []byte("k"), Value: []byte("second")},
			Token: tok2,
			Reply: secondBox.Addr(),
		})
		transport.Send(b.node, card.Write, ClientWrite{
			Req:   kvproto.PutRequest{Key: []byte("k"), Value: []byte("first")},
			Token: tok1,
			Reply: firstBox.Addr(),
		})
		transport.Send(b.node, card.Read, ClientRead{
			Req:   kvproto.GetRequest{Key: []byte("k")},
			Token: tokRead,
			Reply: readBox.Addr(),
		})
		for _, box := range []*transport.ReplyBox[Reply]{firstBox, secondBox} {
			r, err := box.Await(nil)
			require.NoError(t, err)
			require.Empty(t, r.Err)
		}
		// The read was tokened after both writes, so it must see the later
		// one.
		r, err := readBox.Await(nil)
		require.NoError(t, err)
		require.Empty(t, r.Err)
		require.Equal(t, []byte("second"), r.Response.(kvproto.GetResponse).Value)
	}
}

// A replica joining while writes keep flowing must end up with both the
// backfilled history and every write from the join window onward.
func TestJoinUnderTraffic(t *testing.T) {
	b := startBranch(t)
	defer b.stop()

	_, err := b.coordinator.Write(kvproto.PutRequest{Key: []byte("apple"), Value: []byte("red")}, nil)
	require.NoError(t, err)

	const writes = 50
	var writeErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < writes; i++ {
			if _, err := b.coordinator.Write(kvproto.PutRequest{
				Key: []byte("k"), Value: []byte{byte('0' + i%10)},
			}, nil); err != nil {
				writeErr = err
				return
			}
		}
	}()

	second := newBranchStore()
	replica, err := Join(b.coordinator, b.first, second, nil)
	require.NoError(t, err)
	defer replica.Close()
	<-done
	require.NoError(t, writeErr)

	want := []byte{byte('0' + (writes-1)%10)}
	for _, view := range []store.View{b.first.View(), second} {
		meta, err := view.Metainfo(view.NewReadTicket(), nil)
		require.NoError(t, err)
		resp, err := view.Read(meta, kvproto.GetRequest{Key: []byte("apple")}, view.NewReadTicket(), nil)
		require.NoError(t, err)
		require.Equal(t, []byte("red"), resp.(kvproto.GetResponse).Value)
		resp, err = view.Read(meta, kvproto.GetRequest{Key: []byte("k")}, view.NewReadTicket(), nil)
		require.NoError(t, err)
		require.Equal(t, want, resp.(kvproto.GetResponse).Value)
	}
}

// Close must come back even when a registered replica never acknowledges the
// operations shipped to it.
func TestCloseUnblocksStuckClientWrite(t *testing.T) {
	b := startBranch(t)
	defer func() {
		b.first.Close()
		b.node.Close()
	}()

	// A member that swallows everything sent to it.
	wBox := transport.NewMailbox(b.node, func(WriteEnvelope) {})
	wrBox := transport.NewMailbox(b.node, func(WriteReadEnvelope) {})
	rBox := transport.NewMailbox(b.node, func(ReadEnvelope) {})
	defer wBox.Close()
	defer wrBox.Close()
	defer rBox.Close()
	mute, err := registry.NewRegistrant(b.node, b.coordinator.Card().Registrar, ReplicaChannels{
		Region:    testRegion(),
		Write:     wBox.Addr(),
		WriteRead: wrBox.Addr(),
		Read:      rBox.Addr(),
	})
	require.NoError(t, err)
	defer mute.Close()
	require.Eventually(t, func() bool {
		return b.coordinator.Dispatcher().ReplicaCount() == 2
	}, time.Second, time.Millisecond)

	before := b.coordinator.Dispatcher().LastTimestamp()
	reply := transport.NewReplyBox[Reply](b.node)
	transport.Send(b.node, b.coordinator.Card().Write, ClientWrite{
		Req:   kvproto.PutRequest{Key: []byte("k"), Value: []byte("v")},
		Reply: reply.Addr(),
	})
	// Once the write has been stamped it is blocked on the mute member.
	require.Eventually(t, func() bool {
		return b.coordinator.Dispatcher().LastTimestamp() > before
	}, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		b.coordinator.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return with an unresponsive replica")
	}
	_, err = reply.Await(nil)
	require.NoError(t, err)
}
