package impl

import (
	"testing"

	"github.com/encodeous/strata/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerStateMatrix(t *testing.T) {
	cases := []struct {
		from  state.PeerState
		event state.PeerStateEvent
		to    state.PeerState
		valid bool
	}{
		{state.PeerStateIdle, state.EventPeerAdd, state.PeerStateSyncing, true},
		{state.PeerStateIdle, state.EventSyncRespOk, 0, false},
		{state.PeerStateIdle, state.EventRpcError, state.PeerStateIdle, true},
		{state.PeerStateSyncing, state.EventPeerAdd, 0, false},
		{state.PeerStateSyncing, state.EventSyncRespOk, state.PeerStateInitialized, true},
		{state.PeerStateSyncing, state.EventRpcError, state.PeerStateIdle, true},
		{state.PeerStateInitialized, state.EventPeerAdd, 0, false},
		{state.PeerStateInitialized, state.EventSyncRespOk, state.PeerStateInitialized, true},
		{state.PeerStateInitialized, state.EventRpcError, state.PeerStateIdle, true},
	}
	for _, tc := range cases {
		next, ok := getNextState(tc.from, tc.event)
		assert.Equal(t, tc.valid, ok, "%s on %s", tc.event, tc.from)
		if tc.valid {
			assert.Equal(t, tc.to, next, "%s on %s", tc.event, tc.from)
		}
	}
}

func TestInvalidTransitionPanics(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())
	node.run(func(s *state.State) error {
		peer := &Peer{
			Name: "p",
			Spec: state.PeerSpec{State: state.PeerStateSyncing},
		}
		require.Panics(t, func() {
			transition(s, peer, state.EventPeerAdd)
		})
		return nil
	})
}

func TestAddAndDelPeers(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())

	node.run(func(s *state.State) error {
		return addPeers(s, map[string]state.PeerSpec{
			"peer-b": {PeerAddr: "127.0.0.1", CtrlPort: 7001},
		})
	})
	assert.Equal(t, state.PeerStateIdle, node.peerState("peer-b"))

	peers := node.query(func(s *state.State) any {
		return dumpPeers(s)
	}).(map[string]state.PeerSpec)
	require.Contains(t, peers, "peer-b")
	assert.EqualValues(t, 7001, peers["peer-b"].CtrlPort)

	// deleting a non-existent peer is a logged no-op
	node.run(func(s *state.State) error {
		return delPeers(s, []string{"peer-b", "ghost"})
	})
	assert.Nil(t, node.query(func(s *state.State) any {
		st := getCurrentPeerState(s, "peer-b")
		if st == nil {
			return nil
		}
		return *st
	}))
}

// re-adding a peer resets it to IDLE and drops its client, forcing a
// fresh full sync
func TestReAddPeerResetsState(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())
	node.addPeer("peer-b")
	node.waitPeerState("peer-b", state.PeerStateInitialized)

	node.run(func(s *state.State) error {
		return addPeers(s, map[string]state.PeerSpec{
			"peer-b": {PeerAddr: "127.0.0.2", CtrlPort: 9090},
		})
	})
	// the peer flips to IDLE, and the armed sync timer promotes it
	// again once it fires
	assert.NotEqual(t, state.PeerStateInitialized, node.peerState("peer-b"))
	node.clk.Add(1)
	node.waitPeerState("peer-b", state.PeerStateInitialized)
}

func TestGetPeersByState(t *testing.T) {
	node := newTestNode(t, defaultTestKvConfig())
	node.run(func(s *state.State) error {
		return addPeers(s, map[string]state.PeerSpec{
			"peer-b": {PeerAddr: "127.0.0.1", CtrlPort: 1},
			"peer-c": {PeerAddr: "127.0.0.1", CtrlPort: 2},
		})
	})
	idle := node.query(func(s *state.State) any {
		return getPeersByState(s, state.PeerStateIdle)
	}).([]string)
	assert.ElementsMatch(t, []string{"peer-b", "peer-c"}, idle)
}
