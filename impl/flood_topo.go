package impl

import (
	"fmt"
	"slices"

	"github.com/encodeous/strata/state"
)

// FloodTopo tracks the flood-optimization spanning-tree children peers
// have registered with us, per flood root. When flood optimization is
// off (or no children are known for a root) flooding falls back to all
// peers.
type FloodTopo struct {
	// root id -> children that asked to receive floods through us
	Children map[string]map[string]struct{}
}

func (ft *FloodTopo) Init(s *state.State) error {
	s.Log.Debug("init flood topology")
	ft.Children = make(map[string]map[string]struct{})
	s.Env.RepeatTask(floodTopoDump, state.FloodTopoDumpInterval)
	return nil
}

func (ft *FloodTopo) Cleanup(s *state.State) error {
	return nil
}

// sptRootId is the flood root this node announces on publications it
// initiates.
func sptRootId(s *state.State) *string {
	if s.KvConfig.EnableFloodOptimization && s.KvConfig.IsFloodRoot {
		id := s.Id
		return &id
	}
	return nil
}

// processFloodTopoSet handles a child set/unset request from a peer.
func processFloodTopoSet(s *state.State, params state.FloodTopoSetParams) error {
	ft := Get[*FloodTopo](s)

	if params.AllRoots && !params.SetChild {
		// unset-child for all roots
		for _, children := range ft.Children {
			delete(children, params.SrcId)
		}
		return nil
	}
	if params.SrcId == "" {
		return fmt.Errorf("%w: flood-topo set without src id", state.ErrInvalidArgument)
	}

	if params.SetChild {
		children := ft.Children[params.RootId]
		if children == nil {
			children = make(map[string]struct{})
			ft.Children[params.RootId] = children
		}
		children[params.SrcId] = struct{}{}
		s.Log.Info("[Topo] child set", "root", params.RootId, "child", params.SrcId)
	} else {
		if children, ok := ft.Children[params.RootId]; ok {
			delete(children, params.SrcId)
		}
		s.Log.Info("[Topo] child unset", "root", params.RootId, "child", params.SrcId)
	}
	return nil
}

// floodPeers selects the peers a publication with the given flood root
// is delivered to: the root's spanning-tree children plus peers that do
// not support flood optimization, or every peer when the optimization
// cannot apply.
func floodPeers(s *state.State, rootId *string) []string {
	ft := Get[*FloodTopo](s)
	ps := Get[*Peers](s)

	var sptPeers map[string]struct{}
	if s.KvConfig.EnableFloodOptimization && rootId != nil {
		sptPeers = ft.Children[*rootId]
	}

	names := make([]string, 0, len(ps.Table))
	for name, peer := range ps.Table {
		if len(sptPeers) == 0 || !peer.Spec.SupportsFloodOptimization {
			names = append(names, name)
			continue
		}
		if _, ok := sptPeers[name]; ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// floodTopoDump periodically logs the flood set and exposes its size.
func floodTopoDump(s *state.State) error {
	peers := floodPeers(s, sptRootId(s))
	s.Counters.Set(state.CounterNumFloodPeers, int64(len(peers)))
	s.Log.Info("[Topo] flood peers", "node", s.Id, "peers", peers)
	return nil
}

// processDualMessages validates and accounts spanning-tree protocol
// messages. The diffusing computation itself runs in the decision
// engine, not in the store.
func processDualMessages(s *state.State, msgs state.DualMessages) error {
	if len(msgs.Messages) == 0 {
		return fmt.Errorf("%w: empty dual message batch", state.ErrInvalidArgument)
	}
	s.Counters.Increment(state.CounterReceivedDualMessages)
	s.Log.Debug("dual messages received", "from", msgs.SrcId, "count", len(msgs.Messages))
	return nil
}
