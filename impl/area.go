package impl

import (
	"container/heap"
	"slices"
	"time"

	"github.com/encodeous/strata/state"
)

// Area owns the per-area key-value map machinery: merging, the ttl
// countdown queue and the dump helpers the rpc surface is built on.
type Area struct {
	ttlCountdownTimer *state.DispatchTimer
}

func (a *Area) Init(s *state.State) error {
	s.Log.Debug("init area db")
	a.ttlCountdownTimer = s.Env.NewTimer(cleanupTtlCountdownQueue)
	return nil
}

func (a *Area) Cleanup(s *state.State) error {
	a.ttlCountdownTimer.Cancel()
	return nil
}

// setKeyVals merges a key-set request into the local map and floods the
// resulting delta.
func setKeyVals(s *state.State, params state.KeySetParams) error {
	if params.TimestampMs > 0 {
		if floodMs := unixMs(s.Clock) - params.TimestampMs; floodMs > 0 {
			s.Counters.AddAvg("flood_duration_ms_avg", floodMs)
		}
	}

	// refresh fingerprints for everything carrying a payload
	for key, v := range params.KeyVals {
		if v.Payload != nil {
			v.Hash = state.GenerateHash(v.Version, v.OriginatorId, v.Payload)
			params.KeyVals[key] = v
		}
	}

	pub := &state.Publication{
		Area:        s.Area,
		KeyVals:     params.KeyVals,
		NodeIds:     params.NodeIds,
		FloodRootId: params.FloodRootId,
	}
	_, err := mergePublication(s, pub, "")
	return err
}

// mergePublication applies a received publication to the local map,
// floods any non-empty delta, and runs the finalize step of the 3-way
// handshake when the publication is a full-sync response from senderId.
// Returns the number of keys that updated the map.
func mergePublication(s *state.State, pub *state.Publication, senderId string) (int, error) {
	s.Counters.Increment(state.CounterReceivedPublications)
	s.Counters.Add(state.CounterReceivedKeyVals, int64(len(pub.KeyVals)))

	keysTobeUpdated := make(map[string]struct{}, len(pub.TobeUpdatedKeys))
	for _, key := range pub.TobeUpdatedKeys {
		keysTobeUpdated[key] = struct{}{}
	}
	if senderId != "" {
		// release keys buffered while the peer was still initializing
		if peer, ok := Get[*Peers](s).Table[senderId]; ok {
			for key := range peer.PendingFloodKeys {
				keysTobeUpdated[key] = struct{}{}
			}
			clear(peer.PendingFloodKeys)
		}
	}
	needFinalizeFullSync := senderId != "" && len(keysTobeUpdated) > 0

	// expired-key-only publications carry no key-vals
	if len(pub.KeyVals) == 0 && !needFinalizeFullSync {
		return 0, nil
	}

	if slices.Contains(pub.NodeIds, s.Id) {
		s.Counters.Increment(state.CounterLoopedPublications)
		return 0, nil
	}

	delta, stats := state.MergeKeyValues(s.KvStore, pub.KeyVals, s.StoreFilters())
	s.Counters.Add(state.CounterUpdatedKeyVals, int64(len(delta)))
	s.Log.Debug("merged publication",
		"from", senderId,
		"received", len(pub.KeyVals),
		"valUpdates", stats.ValUpdateCnt,
		"ttlUpdates", stats.TtlUpdateCnt)

	deltaPub := &state.Publication{
		Area:        s.Area,
		KeyVals:     delta,
		NodeIds:     slices.Clone(pub.NodeIds),
		FloodRootId: pub.FloodRootId,
	}
	updateTtlCountdownQueue(s, deltaPub)

	if len(delta) > 0 {
		if err := floodPublication(s, deltaPub, true, true); err != nil {
			return len(delta), err
		}
	} else {
		s.Counters.Increment(state.CounterRedundantPublications)
	}

	// response to senderId with tobeUpdatedKeys + vals (last step in
	// the 3-way full-sync)
	if needFinalizeFullSync {
		finalizeFullSync(s, keysTobeUpdated, senderId)
	}
	return len(delta), nil
}

// updateTtlCountdownQueue enqueues countdown entries for every finite
// ttl in the publication and re-arms the cleanup timer if a new entry
// became the earliest.
func updateTtlCountdownQueue(s *state.State, pub *state.Publication) {
	a := Get[*Area](s)
	for key, v := range pub.KeyVals {
		if v.TtlMs == state.TtlInfinity {
			continue
		}
		entry := state.TtlCountdownEntry{
			ExpiryTime:   s.Clock.Now().Add(time.Duration(v.TtlMs) * time.Millisecond),
			Key:          key,
			Version:      v.Version,
			OriginatorId: v.OriginatorId,
			TtlVersion:   v.TtlVersion,
		}
		if top, ok := s.TtlCountdownQueue.Top(); !ok || !entry.ExpiryTime.After(top.ExpiryTime) {
			a.ttlCountdownTimer.Schedule(time.Duration(v.TtlMs) * time.Millisecond)
		}
		heap.Push(&s.TtlCountdownQueue, entry)
	}
}

// cleanupTtlCountdownQueue pops every expired countdown entry, removes
// values whose identity still matches, and publishes the expired keys
// to local subscribers only.
func cleanupTtlCountdownQueue(s *state.State) error {
	a := Get[*Area](s)
	now := s.Clock.Now()
	var expiredKeys []string

	for {
		top, ok := s.TtlCountdownQueue.Top()
		if !ok || top.ExpiryTime.After(now) {
			break
		}
		heap.Pop(&s.TtlCountdownQueue)
		v, live := s.KvStore[top.Key]
		if live && v.Version == top.Version &&
			v.OriginatorId == top.OriginatorId &&
			v.TtlVersion == top.TtlVersion {
			expiredKeys = append(expiredKeys, top.Key)
			s.Log.Warn("KEY_EXPIRE",
				"key", top.Key,
				"version", v.Version,
				"originator", v.OriginatorId,
				"ttlVersion", v.TtlVersion,
				"node_name", s.Id)
			delete(s.KvStore, top.Key)
		}
	}

	if top, ok := s.TtlCountdownQueue.Top(); ok {
		a.ttlCountdownTimer.Schedule(top.ExpiryTime.Sub(now))
	}

	if len(expiredKeys) == 0 {
		return nil
	}
	s.Counters.Add(state.CounterExpiredKeyVals, int64(len(expiredKeys)))

	// expired keys are only notified to local subscribers, they are
	// never flooded to peers
	return floodPublication(s, &state.Publication{
		Area:        s.Area,
		ExpiredKeys: expiredKeys,
	}, true, false)
}

// updatePublicationTtl rewrites every outgoing ttl to the remaining
// lifetime minus the configured decrement, dropping keys that are about
// to expire. The decrement keeps per-hop ttls strictly decreasing so a
// value cannot circulate forever.
func updatePublicationTtl(s *state.State, pub *state.Publication) {
	now := s.Clock.Now()
	for key, v := range pub.KeyVals {
		if v.TtlMs == state.TtlInfinity {
			continue
		}
		remaining, ok := s.TtlCountdownQueue.Remaining(key, v.Version, v.OriginatorId, v.TtlVersion, now)
		if !ok {
			continue
		}
		newTtl := remaining - s.KvConfig.TtlDecrement
		if newTtl.Milliseconds() <= 0 {
			delete(pub.KeyVals, key)
			continue
		}
		v.TtlMs = newTtl.Milliseconds()
		pub.KeyVals[key] = v
	}
}

// getKeyVals builds a publication out of the requested keys; keys not
// present are silently omitted.
func getKeyVals(s *state.State, keys []string) *state.Publication {
	pub := &state.Publication{Area: s.Area, KeyVals: make(map[string]state.Value)}
	for _, key := range keys {
		if v, ok := s.KvStore[key]; ok {
			pub.KeyVals[key] = v
		}
	}
	return pub
}

func dumpAllWithFilters(s *state.State, filters *state.KvFilters, doNotPublishValue bool) *state.Publication {
	pub := &state.Publication{Area: s.Area, KeyVals: make(map[string]state.Value)}
	for key, v := range s.KvStore {
		if !filters.Match(key, v) {
			continue
		}
		if doNotPublishValue {
			v.Payload = nil
		}
		pub.KeyVals[key] = v
	}
	return pub
}

// dumpHashWithFilters returns the digest view: metadata and fingerprint
// with payloads omitted.
func dumpHashWithFilters(s *state.State, filters *state.KvFilters) *state.Publication {
	return dumpAllWithFilters(s, filters, true)
}

// dumpDifference computes the full-sync set difference between the
// local key-vals and the digests a requester sent: values where ours is
// strictly greater (or unknown to the requester) are returned in full,
// keys where the requester holds a strictly greater value are listed in
// TobeUpdatedKeys for it to ship back.
func dumpDifference(area string, myKeyVals map[string]state.Value, reqKeyVals map[string]state.Value) *state.Publication {
	pub := &state.Publication{Area: area, KeyVals: make(map[string]state.Value)}
	for key, mine := range myKeyVals {
		theirs, ok := reqKeyVals[key]
		if !ok {
			pub.KeyVals[key] = mine
			continue
		}
		cmp, comparable := state.CompareValues(mine, theirs)
		switch {
		case !comparable:
			// fingerprints disagree without payloads to order them;
			// ship ours and let merge settle it
			pub.KeyVals[key] = mine
		case cmp > 0:
			pub.KeyVals[key] = mine
		case cmp < 0:
			pub.TobeUpdatedKeys = append(pub.TobeUpdatedKeys, key)
		}
	}
	for key := range reqKeyVals {
		if _, ok := myKeyVals[key]; !ok {
			pub.TobeUpdatedKeys = append(pub.TobeUpdatedKeys, key)
		}
	}
	return pub
}

// getKeyValsSize approximates the byte footprint of the area map.
func getKeyValsSize(s *state.State) int64 {
	var size int64
	for key, v := range s.KvStore {
		size += int64(len(key) + len(v.OriginatorId) + len(v.Payload) + 32)
	}
	return size
}

// processInitializationEvent checks whether initial sync in this area
// is complete: every peer INITIALIZED or failed at least once, or no
// peers at all.
func processInitializationEvent(s *state.State) {
	if s.InitialSyncCompleted {
		return
	}
	successCnt, failureCnt := 0, 0
	for _, peer := range Get[*Peers](s).Table {
		switch {
		case peer.Spec.State == state.PeerStateInitialized:
			successCnt++
		case peer.NumRpcErrors > 0:
			failureCnt++
		default:
			// peers still in IDLE/SYNCING without any rpc error yet
			return
		}
	}
	s.InitialSyncCompleted = true
	s.Log.Info("[Initialization] KvStore synchronization completed",
		"synced", successCnt, "failed", failureCnt)
	if s.OnInitialSynced != nil {
		s.OnInitialSynced(s.Area)
	}
}
