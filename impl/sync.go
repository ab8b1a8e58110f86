package impl

import (
	"context"
	"errors"
	"time"

	"github.com/encodeous/strata/state"
)

// Syncer drives initial full syncs: it scans IDLE peers, promotes them
// to SYNCING under the parallel-sync window, and completes the 3-way
// handshake when responses arrive.
type Syncer struct {
	SyncTimer         *state.DispatchTimer
	ParallelSyncLimit int
}

func (sy *Syncer) Init(s *state.State) error {
	s.Log.Debug("init sync engine")
	sy.SyncTimer = s.Env.NewTimer(requestPeerSync)
	sy.ParallelSyncLimit = state.ParallelSyncLimitInitial
	return nil
}

func (sy *Syncer) Cleanup(s *state.State) error {
	sy.SyncTimer.Cancel()
	return nil
}

// requestPeerSync periodically scans peers in IDLE state and promotes
// them to SYNCING. The dump happens asynchronously so the executor is
// free to process other requests.
func requestPeerSync(s *state.State) error {
	ps := Get[*Peers](s)
	sy := Get[*Syncer](s)

	timeout := state.MaxBackoff
	numSyncing := len(getPeersByState(s, state.PeerStateSyncing))

	for name, peer := range ps.Table {
		if peer.Spec.State != state.PeerStateIdle {
			continue
		}
		if !peer.Backoff.CanTryNow() {
			timeout = min(timeout, peer.Backoff.TimeRemainingUntilRetry())
			continue
		}
		if !ensurePeerClient(s, peer) {
			timeout = min(timeout, peer.Backoff.TimeRemainingUntilRetry())
			continue
		}

		transition(s, peer, state.EventPeerAdd)
		numSyncing++

		params := state.KeyDumpParams{
			SenderId: s.Id,
			Operator: state.FilterOr,
		}
		if filters := s.StoreFilters(); filters != nil {
			params.KeyPrefixes = filters.KeyPrefixes()
			params.OriginatorIds = filters.OriginatorIds()
		}
		// send hash digests instead of full key-vals; the peer answers
		// with the difference
		params.KeyValHashes = dumpHashWithFilters(s, nil).KeyVals

		s.Counters.Increment(state.CounterNumFullSync)
		s.Log.Info("[Sync] Initiating full-sync request", "peer", name)

		peerName := name
		client := peer.Client
		env := s.Env
		start := s.Clock.Now()
		go func() {
			ctx, cancel := context.WithTimeout(env.Context, state.ServiceProcTimeout)
			defer cancel()
			pub, err := client.GetKvStoreKeyValsFiltered(ctx, env.Area, params)
			env.Dispatch(func(st *state.State) error {
				elapsed := st.Clock.Now().Sub(start)
				if err != nil {
					st.Counters.Increment(state.CounterNumFullSyncFailure)
					return processRpcFailure(st, peerName, "FULL_SYNC failure", err, elapsed)
				}
				return processSyncSuccess(st, peerName, pub, elapsed)
			})
		}()

		// over the parallel window: let in-flight syncs land before
		// promoting more peers
		if numSyncing > sy.ParallelSyncLimit {
			timeout = state.MaxBackoff
			s.Log.Info("[Sync] parallel sync limit reached",
				"inFlight", numSyncing, "limit", sy.ParallelSyncLimit)
			break
		}
	}

	numIdle := len(getPeersByState(s, state.PeerStateIdle))
	if numIdle > 0 || numSyncing > sy.ParallelSyncLimit {
		if numIdle > 0 {
			s.Log.Info("[Sync] idle peers require full-sync",
				"idle", numIdle, "retryIn", timeout)
		}
		sy.SyncTimer.Schedule(timeout)
	}
	return nil
}

// processSyncSuccess handles a full-sync response: merge it, ship the
// finalize delta back, widen the parallel window and promote the peer.
func processSyncSuccess(s *state.State, peerName string, pub *state.Publication, elapsed time.Duration) error {
	ps := Get[*Peers](s)
	sy := Get[*Syncer](s)

	peer, ok := ps.Table[peerName]
	if !ok {
		// peer was removed while syncing
		s.Log.Warn("[Sync] response from unknown peer, skipping", "peer", peerName)
		return nil
	}
	if peer.Spec.State == state.PeerStateIdle {
		// a parallel peer-update reset the state while this response
		// was in flight; rely on the next full sync instead
		s.Log.Warn("[Sync] ignoring response for peer in IDLE state", "peer", peerName)
		return nil
	}

	updateCnt, err := mergePublication(s, pub, peerName)
	if err != nil {
		return err
	}
	numMissingKeys := len(pub.TobeUpdatedKeys)

	s.Counters.Increment(state.CounterNumFullSyncSuccess)
	s.Counters.AddAvg(state.CounterFullSyncDurationMsAvg, elapsed.Milliseconds())
	s.Counters.Add(state.CounterNumMissingKeys, int64(numMissingKeys))

	s.Log.Info("KVSTORE_FULL_SYNC",
		"node_name", s.Id,
		"neighbor", peerName,
		"keyVals", len(pub.KeyVals),
		"missingKeys", numMissingKeys,
		"updates", updateCnt,
		"duration_ms", elapsed.Milliseconds())

	transition(s, peer, state.EventSyncRespOk)
	s.EventsQueue.Push(state.KvStoreSyncEvent{PeerName: peerName, Area: s.Area})

	// assume subsequent sync diffs are small: widen the window
	sy.ParallelSyncLimit = min(2*sy.ParallelSyncLimit, state.ParallelSyncLimitMax)

	if len(getPeersByState(s, state.PeerStateIdle)) > 0 {
		sy.SyncTimer.Schedule(0)
	} else {
		sy.SyncTimer.Cancel()
	}

	processInitializationEvent(s)
	return nil
}

// processRpcFailure returns the peer to IDLE with backoff and re-arms
// the sync timer. Errors here never propagate to callers; they drive
// state and counters only.
func processRpcFailure(s *state.State, peerName string, reason string, cause error, elapsed time.Duration) error {
	peer, ok := Get[*Peers](s).Table[peerName]
	if !ok {
		return nil
	}

	s.Log.Info("[Sync] rpc failure",
		"peer", peerName,
		"reason", reason,
		"err", cause,
		"duration_ms", elapsed.Milliseconds())
	if errors.Is(cause, state.ErrClientConnection) {
		s.Counters.Increment(state.CounterNumClientConnFailure)
	}

	peer.KeepAliveTimer.Cancel()
	peer.Backoff.ReportError()
	closePeerClient(peer)
	transition(s, peer, state.EventRpcError)
	peer.NumRpcErrors++

	// an rpc error counts as a completion signal for initial sync
	processInitializationEvent(s)

	sy := Get[*Syncer](s)
	if !sy.SyncTimer.IsScheduled() {
		sy.SyncTimer.Schedule(0)
	}
	return nil
}

// finalizeFullSync ships the full values of the keys a peer asked for
// during full sync, completing the handshake.
func finalizeFullSync(s *state.State, keys map[string]struct{}, senderId string) {
	updates := &state.Publication{Area: s.Area, KeyVals: make(map[string]state.Value)}
	for key := range keys {
		if v, ok := s.KvStore[key]; ok {
			updates.KeyVals[key] = v
		}
	}
	updatePublicationTtl(s, updates)
	if len(updates.KeyVals) == 0 {
		return
	}

	peer, ok := Get[*Peers](s).Table[senderId]
	if !ok {
		s.Log.Error("[Sync] invalid peer to finalize sync with", "peer", senderId)
		return
	}
	if peer.Spec.State == state.PeerStateIdle || peer.Client == nil {
		// peer went back to IDLE while we were merging; the next full
		// sync covers these keys
		return
	}

	params := state.KeySetParams{
		KeyVals:     updates.KeyVals,
		NodeIds:     []string{s.Id},
		FloodRootId: sptRootId(s),
		TimestampMs: unixMs(s.Clock),
		SenderId:    s.Id,
	}

	s.Counters.Increment(state.CounterNumFinalizedSync)
	s.Log.Info("[Sync] finalize full-sync", "peer", senderId, "keys", len(updates.KeyVals))

	client := peer.Client
	env := s.Env
	start := s.Clock.Now()
	go func() {
		ctx, cancel := context.WithTimeout(env.Context, state.ServiceProcTimeout)
		defer cancel()
		err := client.SetKvStoreKeyVals(ctx, env.Area, params)
		env.Dispatch(func(st *state.State) error {
			elapsed := st.Clock.Now().Sub(start)
			if err != nil {
				st.Counters.Increment(state.CounterNumFinalizedSyncFailure)
				return processRpcFailure(st, senderId, "finalized FULL_SYNC failure", err, elapsed)
			}
			st.Counters.Increment(state.CounterNumFinalizedSyncSuccess)
			st.Counters.AddAvg("finalized_sync_duration_ms_avg", elapsed.Milliseconds())
			return nil
		})
	}()
}
