package impl

import (
	"errors"
	"testing"
	"time"

	"github.com/encodeous/strata/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1: a peer with an empty store completes full sync and the area
// reports initialization
func TestFullSyncEmptyPeer(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())
	node.addPeer("peer-b")
	node.waitPeerState("peer-b", state.PeerStateInitialized)

	// the digests of our (empty) store were sent
	calls := node.client("peer-b").getCalls
	require.NotEmpty(t, calls)
	assert.NotNil(t, calls[0].KeyValHashes)
	assert.Equal(t, "node-a", calls[0].SenderId)

	// per-peer sync completion is published
	select {
	case event := <-node.events:
		assert.Equal(t, "peer-b", event.PeerName)
		assert.Equal(t, "zone-1", event.Area)
	case <-time.After(time.Second):
		t.Fatal("no sync event observed")
	}

	// and the area reports initial sync completion
	select {
	case area := <-node.synced:
		assert.Equal(t, "zone-1", area)
	case <-time.After(time.Second):
		t.Fatal("initialization not reported")
	}
}

// the 3-way handshake: the peer's response both delivers its values and
// requests ours; the finalize step ships them back
func TestFullSyncThreeWay(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())

	// our store holds a key the peer will request
	node.run(func(s *state.State) error {
		return setKeyVals(s, state.KeySetParams{
			KeyVals: map[string]state.Value{"ours": testValue(3, "node-a", "local", 60000)},
		})
	})

	peer := node.client("peer-b")
	peer.getFn = func(area string, params state.KeyDumpParams) (*state.Publication, error) {
		return &state.Publication{
			Area: area,
			KeyVals: map[string]state.Value{
				"theirs": testValue(1, "peer-b", "remote", 60000),
			},
			TobeUpdatedKeys: []string{"ours"},
		}, nil
	}

	node.addPeer("peer-b")
	node.waitPeerState("peer-b", state.PeerStateInitialized)

	// their value merged into our map
	assert.True(t, node.query(func(s *state.State) any {
		_, ok := s.KvStore["theirs"]
		return ok
	}).(bool))

	// the finalize rpc carried our value back
	require.Eventually(t, func() bool {
		for _, call := range peer.recordedSetCalls() {
			if _, ok := call.KeyVals["ours"]; ok {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	counters := node.query(func(s *state.State) any {
		return s.Counters.Snapshot()
	}).(map[string]int64)
	assert.EqualValues(t, 1, counters[state.CounterNumFullSyncSuccess])
	assert.EqualValues(t, 1, counters[state.CounterNumMissingKeys])
	assert.EqualValues(t, 1, counters[state.CounterNumFinalizedSync])
}

// S6: rpc failure returns the peer to IDLE with backoff; the next scan
// honors the backoff before retrying
func TestFullSyncFailureAppliesBackoff(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())

	peer := node.client("peer-b")
	failures := 0
	peer.getFn = func(area string, params state.KeyDumpParams) (*state.Publication, error) {
		failures++
		if failures == 1 {
			return nil, errors.New("connection reset")
		}
		return &state.Publication{Area: area, KeyVals: map[string]state.Value{}}, nil
	}

	node.addPeer("peer-b")
	require.Eventually(t, func() bool {
		counters := node.query(func(s *state.State) any {
			return s.Counters.Snapshot()
		}).(map[string]int64)
		return counters[state.CounterNumFullSyncFailure] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, state.PeerStateIdle, node.peerState("peer-b"))

	// even with the retry timer firing, the backoff window holds
	node.clk.Add(time.Millisecond)
	node.flush()
	assert.Equal(t, state.PeerStateIdle, node.peerState("peer-b"))

	// after the backoff window the retry goes through
	node.clk.Add(state.MaxBackoff)
	node.waitPeerState("peer-b", state.PeerStateInitialized)

	// an rpc error still counts as a completion signal for the area
	select {
	case <-node.synced:
	case <-time.After(time.Second):
		t.Fatal("initialization not reported after rpc error")
	}
}

// a response racing a peer delete must not resurrect peer state
func TestSyncResponseAfterPeerDelete(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())

	release := make(chan struct{})
	peer := node.client("peer-b")
	peer.getFn = func(area string, params state.KeyDumpParams) (*state.Publication, error) {
		<-release
		return &state.Publication{Area: area, KeyVals: map[string]state.Value{}}, nil
	}

	node.addPeer("peer-b")
	node.waitPeerState("peer-b", state.PeerStateSyncing)

	node.run(func(s *state.State) error {
		return delPeers(s, []string{"peer-b"})
	})
	close(release)
	node.flush()

	// the dangling callback resolved against a missing entry
	assert.Nil(t, node.query(func(s *state.State) any {
		st := getCurrentPeerState(s, "peer-b")
		if st == nil {
			return nil
		}
		return *st
	}))
}

// the parallel sync window starts small and doubles per success
func TestParallelSyncLimitGrows(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())

	limit := node.query(func(s *state.State) any {
		return Get[*Syncer](s).ParallelSyncLimit
	}).(int)
	assert.Equal(t, state.ParallelSyncLimitInitial, limit)

	node.addPeer("peer-b")
	node.waitPeerState("peer-b", state.PeerStateInitialized)

	limit = node.query(func(s *state.State) any {
		return Get[*Syncer](s).ParallelSyncLimit
	}).(int)
	assert.Equal(t, 2*state.ParallelSyncLimitInitial, limit)
}
