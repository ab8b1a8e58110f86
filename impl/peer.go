package impl

import (
	"context"
	"fmt"

	"github.com/encodeous/strata/state"
)

// ClientFactory builds the outbound client for one peer. Tests inject
// doubles through this hook.
type ClientFactory func(e *state.Env, peerName string, spec state.PeerSpec) (state.KvClient, error)

// Peer is the in-memory record of one neighbour in this area.
type Peer struct {
	Name             string
	Spec             state.PeerSpec
	Backoff          *state.ExponentialBackoff
	Client           state.KvClient
	KeepAliveTimer   *state.DispatchTimer
	NumRpcErrors     int
	PendingFloodKeys map[string]struct{}
}

// Peers is the per-area peer table and its state machine.
type Peers struct {
	Table     map[string]*Peer
	NewClient ClientFactory
}

func (ps *Peers) Init(s *state.State) error {
	s.Log.Debug("init peer table")
	ps.Table = make(map[string]*Peer)
	if ps.NewClient == nil {
		ps.NewClient = NewPeerClient
	}
	return nil
}

func (ps *Peers) Cleanup(s *state.State) error {
	for _, peer := range ps.Table {
		peer.KeepAliveTimer.Cancel()
		closePeerClient(peer)
	}
	clear(ps.Table)
	return nil
}

// getNextState is the 3x3 peer transition matrix. Invalid jumps are
// fatal programming errors.
func getNextState(cur state.PeerState, event state.PeerStateEvent) (state.PeerState, bool) {
	switch cur {
	case state.PeerStateIdle:
		switch event {
		case state.EventPeerAdd:
			return state.PeerStateSyncing, true
		case state.EventRpcError:
			return state.PeerStateIdle, true
		}
	case state.PeerStateSyncing:
		switch event {
		case state.EventSyncRespOk:
			return state.PeerStateInitialized, true
		case state.EventRpcError:
			return state.PeerStateIdle, true
		}
	case state.PeerStateInitialized:
		switch event {
		case state.EventSyncRespOk:
			return state.PeerStateInitialized, true
		case state.EventRpcError:
			return state.PeerStateIdle, true
		}
	}
	return 0, false
}

func logStateTransition(s *state.State, peerName string, oldState, newState state.PeerState) {
	s.Log.Info("peer state change",
		"peer", peerName,
		"from", oldState.String(),
		"to", newState.String())
}

// transition applies event to the peer and logs the state change.
func transition(s *state.State, peer *Peer, event state.PeerStateEvent) {
	next, ok := getNextState(peer.Spec.State, event)
	if !ok {
		panic(fmt.Sprintf("invalid peer state jump: %s on %s for %s",
			event, peer.Spec.State, peer.Name))
	}
	logStateTransition(s, peer.Name, peer.Spec.State, next)
	peer.Spec.State = next
}

func closePeerClient(peer *Peer) {
	if peer.Client != nil {
		peer.Client.Close()
		peer.Client = nil
	}
}

// addPeers inserts or refreshes peers. Re-adding an existing peer
// resets it to IDLE and forces a fresh full sync, covering both address
// changes and non-graceful restarts of the remote node.
func addPeers(s *state.State, peers map[string]state.PeerSpec) error {
	ps := Get[*Peers](s)
	for name, newSpec := range peers {
		if peer, ok := ps.Table[name]; ok {
			if peer.Spec.PeerAddr != newSpec.PeerAddr || peer.Spec.CtrlPort != newSpec.CtrlPort {
				s.Log.Info("[Peer Update] peer address updated",
					"peer", name,
					"from", peer.Spec.Address(),
					"to", newSpec.Address())
			} else {
				s.Log.Warn("[Peer Update] peer came up again, previously shut down non-gracefully",
					"peer", name)
			}
			logStateTransition(s, name, peer.Spec.State, state.PeerStateIdle)
			peer.Spec = newSpec
			peer.Spec.State = state.PeerStateIdle
			peer.KeepAliveTimer.Cancel()
			closePeerClient(peer)
		} else {
			s.Log.Info("[Peer Add] new peer",
				"peer", name,
				"addr", newSpec.Address(),
				"floodOptimization", newSpec.SupportsFloodOptimization)
			peer := &Peer{
				Name:             name,
				Spec:             newSpec,
				Backoff:          state.NewExponentialBackoff(s.Clock, state.InitialBackoff, state.MaxBackoff),
				PendingFloodKeys: make(map[string]struct{}),
			}
			peer.Spec.State = state.PeerStateIdle
			peerName := name
			peer.KeepAliveTimer = s.Env.NewTimer(func(st *state.State) error {
				return keepAlivePeer(st, peerName)
			})
			ps.Table[name] = peer
		}
		ensurePeerClient(s, ps.Table[name])
	}

	// kick off the sync timer to asynchronously process full sync
	sy := Get[*Syncer](s)
	if !sy.SyncTimer.IsScheduled() {
		sy.SyncTimer.Schedule(0)
	}
	return nil
}

// ensurePeerClient creates the peer's client if absent, applying
// backoff on construction failure.
func ensurePeerClient(s *state.State, peer *Peer) bool {
	if peer.Client != nil {
		return true
	}
	ps := Get[*Peers](s)
	client, err := ps.NewClient(s.Env, peer.Name, peer.Spec)
	if err != nil {
		s.Log.Error("failed creating client",
			"peer", peer.Name, "addr", peer.Spec.Address(), "err", err)
		s.Counters.Increment(state.CounterNumClientConnFailure)
		peer.KeepAliveTimer.Cancel()
		peer.Backoff.ReportError()
		return false
	}
	peer.Client = client
	peer.KeepAliveTimer.Schedule(addJitter(state.ClientKeepAliveInterval))
	return true
}

// keepAlivePeer probes the peer so the connection is not idled out. A
// failed probe is an rpc error like any other.
func keepAlivePeer(s *state.State, peerName string) error {
	ps := Get[*Peers](s)
	peer, ok := ps.Table[peerName]
	if !ok || peer.Client == nil {
		return nil
	}
	client := peer.Client
	env := s.Env
	start := s.Clock.Now()
	go func() {
		ctx, cancel := context.WithTimeout(env.Context, state.ServiceProcTimeout)
		defer cancel()
		if err := client.Status(ctx); err != nil {
			env.Dispatch(func(st *state.State) error {
				return processRpcFailure(st, peerName, "keepalive failure", err, env.Clock.Now().Sub(start))
			})
		}
	}()
	peer.KeepAliveTimer.Schedule(addJitter(state.ClientKeepAliveInterval))
	return nil
}

// delPeers removes peers, releasing their clients so any in-flight rpc
// reply resolves against a missing table entry and becomes a no-op.
func delPeers(s *state.State, peerNames []string) error {
	ps := Get[*Peers](s)
	for _, name := range peerNames {
		peer, ok := ps.Table[name]
		if !ok {
			s.Log.Error("[Peer Delete] trying to delete non-existing peer", "peer", name)
			continue
		}
		s.Log.Info("[Peer Delete] peer detached",
			"peer", name, "addr", peer.Spec.Address())
		peer.KeepAliveTimer.Cancel()
		closePeerClient(peer)
		delete(ps.Table, name)
	}
	return nil
}

func dumpPeers(s *state.State) map[string]state.PeerSpec {
	ps := Get[*Peers](s)
	peers := make(map[string]state.PeerSpec, len(ps.Table))
	for name, peer := range ps.Table {
		peers[name] = peer.Spec
	}
	return peers
}

func getPeersByState(s *state.State, st state.PeerState) []string {
	var res []string
	for name, peer := range Get[*Peers](s).Table {
		if peer.Spec.State == st {
			res = append(res, name)
		}
	}
	return res
}

func getCurrentPeerState(s *state.State, peerName string) *state.PeerState {
	if peer, ok := Get[*Peers](s).Table[peerName]; ok {
		st := peer.Spec.State
		return &st
	}
	return nil
}
