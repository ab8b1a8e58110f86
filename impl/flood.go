package impl

import (
	"context"

	"github.com/encodeous/strata/state"
	"github.com/juju/ratelimit"
)

// Flooder disseminates merge deltas to INITIALIZED peers, guarded by a
// token bucket. Publications that exceed the bucket are buffered per
// flood root and coalesced by key before release.
type Flooder struct {
	limiter                 *ratelimit.Bucket
	pendingPublicationTimer *state.DispatchTimer
	// flood-root id ("" for none) -> pending key set
	publicationBuffer map[string]map[string]struct{}
}

func (fl *Flooder) Init(s *state.State) error {
	s.Log.Debug("init flood engine")
	if s.KvConfig.FloodRate != nil {
		fl.limiter = ratelimit.NewBucketWithRate(
			s.KvConfig.FloodRate.MsgPerSec,
			s.KvConfig.FloodRate.BurstSize)
	}
	fl.publicationBuffer = make(map[string]map[string]struct{})
	fl.pendingPublicationTimer = s.Env.NewTimer(func(st *state.State) error {
		f := Get[*Flooder](st)
		if f.limiter != nil && f.limiter.TakeAvailable(1) == 0 {
			f.pendingPublicationTimer.Schedule(state.FloodPendingPublication)
			return nil
		}
		return floodBufferedUpdates(st)
	})
	return nil
}

func (fl *Flooder) Cleanup(s *state.State) error {
	fl.pendingPublicationTimer.Cancel()
	return nil
}

// floodPublication fans a publication out to the in-process updates
// queue and to every eligible peer. The sender exclusion and the
// hop-by-hop ttl decrement happen here; looped publications were already
// dropped by mergePublication.
func floodPublication(s *state.State, pub *state.Publication, rateLimited bool, setFloodRoot bool) error {
	fl := Get[*Flooder](s)

	if fl.limiter != nil && rateLimited && fl.limiter.TakeAvailable(1) == 0 {
		bufferPublication(s, pub)
		fl.pendingPublicationTimer.Schedule(state.FloodPendingPublication)
		return nil
	}
	// merge with buffered publications so ordering by key is kept
	if len(fl.publicationBuffer) > 0 {
		bufferPublication(s, pub)
		return floodBufferedUpdates(s)
	}

	updatePublicationTtl(s, pub)
	if len(pub.KeyVals) == 0 && len(pub.ExpiredKeys) == 0 {
		return nil
	}

	// the last trail entry is the node we received this from
	senderId := pub.SenderId()
	pub.NodeIds = append(pub.NodeIds, s.Id)

	if setFloodRoot && senderId == "" {
		// we are the initiator
		pub.FloodRootId = sptRootId(s)
	}

	// internal fan-out happens for every flood, expiry-only included
	s.UpdatesQueue.Push(pub)

	// detect self-originated keys echoed back to us
	processPublicationForSelfOriginatedKey(s, pub)

	// expired keys are never flooded to peers
	if len(pub.KeyVals) == 0 {
		return nil
	}

	s.Counters.Increment(state.CounterSentPublications)
	s.Counters.Add(state.CounterSentKeyVals, int64(len(pub.KeyVals)))

	params := state.KeySetParams{
		KeyVals:     pub.KeyVals,
		NodeIds:     pub.NodeIds,
		FloodRootId: pub.FloodRootId,
		TimestampMs: unixMs(s.Clock),
		SenderId:    s.Id,
	}

	ps := Get[*Peers](s)
	for _, peerName := range floodPeers(s, pub.FloodRootId) {
		if peerName == senderId {
			// never return a publication to its sender
			continue
		}
		peer, ok := ps.Table[peerName]
		if !ok {
			continue
		}
		if peer.Spec.State != state.PeerStateInitialized || peer.Client == nil {
			// not synced yet; remember the keys and release them with
			// the finalize step of its full sync
			for key := range pub.KeyVals {
				peer.PendingFloodKeys[key] = struct{}{}
			}
			continue
		}

		s.Counters.Increment(state.CounterNumFloodPub)
		name := peerName
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
					st.Counters.Increment(state.CounterNumFloodPubFailure)
					return processRpcFailure(st, name, "FLOOD_PUB failure", err, elapsed)
				}
				st.Counters.Increment(state.CounterNumFloodPubSuccess)
				st.Counters.AddAvg("flood_pub_duration_ms_avg", elapsed.Milliseconds())
				return nil
			})
		}()
	}
	return nil
}

// bufferPublication records the publication's keys for a later,
// coalesced flood.
func bufferPublication(s *state.State, pub *state.Publication) {
	fl := Get[*Flooder](s)
	s.Counters.Increment(state.CounterRateLimitSuppress)

	rootId := ""
	if pub.FloodRootId != nil {
		rootId = *pub.FloodRootId
	}
	keys := fl.publicationBuffer[rootId]
	if keys == nil {
		keys = make(map[string]struct{})
		fl.publicationBuffer[rootId] = keys
	}
	for key := range pub.KeyVals {
		keys[key] = struct{}{}
	}
	for _, key := range pub.ExpiredKeys {
		keys[key] = struct{}{}
	}
}

// floodBufferedUpdates rebuilds one publication per flood root from the
// current map state and floods it without re-entering the rate limiter.
func floodBufferedUpdates(s *state.State) error {
	fl := Get[*Flooder](s)
	if len(fl.publicationBuffer) == 0 {
		return nil
	}

	var publications []*state.Publication
	for rootId, keys := range fl.publicationBuffer {
		pub := &state.Publication{Area: s.Area, KeyVals: make(map[string]state.Value)}
		if rootId != "" {
			r := rootId
			pub.FloodRootId = &r
		}
		for key := range keys {
			if v, ok := s.KvStore[key]; ok {
				pub.KeyVals[key] = v
			} else {
				pub.ExpiredKeys = append(pub.ExpiredKeys, key)
			}
		}
		publications = append(publications, pub)
	}
	clear(fl.publicationBuffer)

	for _, pub := range publications {
		// forwarding buffered state, not initiating: keep the original
		// flood root and skip the limiter
		if err := floodPublication(s, pub, false, false); err != nil {
			return err
		}
	}
	return nil
}
