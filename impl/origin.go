package impl

import (
	"bytes"
	"time"

	"github.com/encodeous/strata/state"
)

// Origin manages the keys this node authors: advertisement with
// per-key backoff, periodic ttl refreshing and reclaiming authorship
// when our own keys are echoed back modified.
type Origin struct {
	KeysToAdvertise map[string]struct{}
	KeysToUnset     map[string]state.Value

	TtlTimer       *state.DispatchTimer
	AdvertiseTimer *state.DispatchTimer

	TtlThrottle       *state.Throttle
	AdvertiseThrottle *state.Throttle
	UnsetThrottle     *state.Throttle
}

func (o *Origin) Init(s *state.State) error {
	s.Log.Debug("init self-originated store")
	o.KeysToAdvertise = make(map[string]struct{})
	o.KeysToUnset = make(map[string]state.Value)

	o.TtlTimer = s.Env.NewTimer(advertiseTtlUpdates)
	o.AdvertiseTimer = s.Env.NewTimer(func(st *state.State) error {
		if err := advertiseSelfOriginatedKeys(st); err != nil {
			return err
		}
		// clear backoffs that have drained
		for key, entry := range st.SelfOriginated {
			if entry.KeyBackoff != nil && entry.KeyBackoff.CanTryNow() {
				st.Log.Debug("clearing advertisement backoff", "key", key)
				entry.KeyBackoff.ReportSuccess()
			}
		}
		return nil
	})

	o.TtlThrottle = s.Env.NewThrottle(state.SyncThrottleTimeout, advertiseTtlUpdates)
	o.AdvertiseThrottle = s.Env.NewThrottle(state.SyncThrottleTimeout, advertiseSelfOriginatedKeys)
	o.UnsetThrottle = s.Env.NewThrottle(state.ClearThrottleTimeout, unsetPendingSelfOriginatedKeys)
	return nil
}

func (o *Origin) Cleanup(s *state.State) error {
	o.TtlTimer.Cancel()
	o.AdvertiseTimer.Cancel()
	return nil
}

func keyTtlMs(s *state.State) int64 {
	return s.KvConfig.KeyTtl.Milliseconds()
}

// persistSelfOriginatedKey advertises the key and keeps refreshing it
// until unset or erased. Version adoption handles keys left behind by a
// previous incarnation of this node.
func persistSelfOriginatedKey(s *state.State, key string, payload []byte) error {
	o := Get[*Origin](s)

	entry, cached := s.SelfOriginated[key]
	shouldAdvertise := false

	var val state.Value
	if !cached {
		if cur, ok := s.KvStore[key]; !ok {
			// brand new key
			val = state.Value{
				Version:      1,
				OriginatorId: s.Id,
				Payload:      payload,
				TtlMs:        keyTtlMs(s),
			}
			shouldAdvertise = true
		} else {
			// not cached but present in the map: advertised by our
			// previous incarnation, adopt its version
			val = cur
		}
	} else {
		val = entry.Value
		if bytes.Equal(val.Payload, payload) && val.OriginatorId == s.Id {
			// no-op, do not re-advertise
			return nil
		}
	}

	// override if the payload changed or another node took the key
	if val.OriginatorId != s.Id || !bytes.Equal(val.Payload, payload) {
		val.Version++
		val.TtlVersion = 0
		val.Payload = payload
		val.OriginatorId = s.Id
		shouldAdvertise = true
	}

	hasTtlChanged := val.TtlMs != keyTtlMs(s)
	val.TtlMs = keyTtlMs(s)
	val.Hash = state.GenerateHash(val.Version, val.OriginatorId, val.Payload)

	if !cached {
		entry = &state.SelfOriginatedValue{}
		s.SelfOriginated[key] = entry
	}
	entry.Value = val
	entry.KeyBackoff = state.NewExponentialBackoff(s.Clock, state.InitialBackoff, state.MaxBackoff)

	if shouldAdvertise {
		o.KeysToAdvertise[key] = struct{}{}
	}
	o.AdvertiseThrottle.Trigger()

	scheduleTtlUpdates(s, key, hasTtlChanged)
	return nil
}

// setSelfOriginatedKey advertises the key once with a caller-chosen
// version; version 0 selects one higher than whatever the map holds.
func setSelfOriginatedKey(s *state.State, key string, payload []byte, version int64) error {
	if version == 0 {
		if cur, ok := s.KvStore[key]; ok {
			version = cur.Version + 1
		} else {
			version = 1
		}
	}
	val := state.Value{
		Version:      version,
		OriginatorId: s.Id,
		Payload:      payload,
		TtlMs:        keyTtlMs(s),
	}
	val.Hash = state.GenerateHash(val.Version, val.OriginatorId, val.Payload)

	s.SelfOriginated[key] = &state.SelfOriginatedValue{Value: val}

	if err := setKeyVals(s, state.KeySetParams{
		KeyVals: map[string]state.Value{key: val},
	}); err != nil {
		return err
	}
	scheduleTtlUpdates(s, key, false)
	return nil
}

// unsetSelfOriginatedKey advertises a final replacement value and stops
// refreshing the key.
func unsetSelfOriginatedKey(s *state.State, key string, payload []byte) error {
	o := Get[*Origin](s)
	eraseSelfOriginatedKey(s, key)

	// nothing to replace if the key never made it into the map
	cur, ok := s.KvStore[key]
	if !ok {
		return nil
	}

	cur.OriginatorId = s.Id
	cur.Version++
	cur.TtlVersion = 0
	cur.Payload = payload
	cur.Hash = state.GenerateHash(cur.Version, cur.OriginatorId, cur.Payload)

	o.KeysToUnset[key] = cur
	o.UnsetThrottle.Trigger()
	return nil
}

// eraseSelfOriginatedKey drops the key from the cache without
// advertising anything.
func eraseSelfOriginatedKey(s *state.State, key string) error {
	o := Get[*Origin](s)
	delete(s.SelfOriginated, key)
	delete(o.KeysToAdvertise, key)
	return nil
}

// advertiseSelfOriginatedKeys pushes pending keys into the store,
// honoring each key's advertisement backoff.
func advertiseSelfOriginatedKeys(s *state.State) error {
	o := Get[*Origin](s)
	if len(o.KeysToAdvertise) == 0 {
		return nil
	}
	s.Log.Debug("advertising self-originated keys", "pending", len(o.KeysToAdvertise))

	keyVals := make(map[string]state.Value)
	var keysToClear []string
	timeout := state.MaxBackoff

	for key := range o.KeysToAdvertise {
		entry, ok := s.SelfOriginated[key]
		if !ok {
			// erased while pending
			keysToClear = append(keysToClear, key)
			continue
		}
		if entry.KeyBackoff == nil {
			entry.KeyBackoff = state.NewExponentialBackoff(s.Clock, state.InitialBackoff, state.MaxBackoff)
		}
		if !entry.KeyBackoff.CanTryNow() {
			s.Log.Debug("skipping key in backoff", "key", key)
			timeout = min(timeout, entry.KeyBackoff.TimeRemainingUntilRetry())
			continue
		}

		// apply backoff against advertisement churn
		entry.KeyBackoff.ReportError()
		timeout = min(timeout, entry.KeyBackoff.TimeRemainingUntilRetry())

		s.Log.Info("advertising key update",
			"key", key,
			"version", entry.Value.Version,
			"ttlVersion", entry.Value.TtlVersion)
		keyVals[key] = entry.Value
		keysToClear = append(keysToClear, key)
	}

	if len(keyVals) > 0 {
		if err := setKeyVals(s, state.KeySetParams{KeyVals: keyVals}); err != nil {
			return err
		}
	}
	for _, key := range keysToClear {
		delete(o.KeysToAdvertise, key)
	}

	o.AdvertiseTimer.Schedule(timeout)
	return nil
}

// unsetPendingSelfOriginatedKeys flushes queued unset values. A key
// re-persisted since the unset was queued wins and is not unset.
func unsetPendingSelfOriginatedKeys(s *state.State) error {
	o := Get[*Origin](s)
	if len(o.KeysToUnset) == 0 {
		return nil
	}

	keyVals := make(map[string]state.Value)
	for key, val := range o.KeysToUnset {
		if _, ok := s.SelfOriginated[key]; !ok {
			s.Log.Info("unsetting key", "key", key, "version", val.Version)
			keyVals[key] = val
		}
	}
	clear(o.KeysToUnset)

	if len(keyVals) == 0 {
		return nil
	}
	return setKeyVals(s, state.KeySetParams{KeyVals: keyVals})
}

// scheduleTtlUpdates arms the ttl refresh cadence for one key: a
// refresh fires every ttl/4 so three attempts fit before expiry.
func scheduleTtlUpdates(s *state.State, key string, advertiseImmediately bool) {
	o := Get[*Origin](s)
	entry, ok := s.SelfOriginated[key]
	if !ok {
		return
	}
	if entry.Value.TtlMs == state.TtlInfinity {
		entry.TtlBackoff = nil
		return
	}

	quarter := time.Duration(entry.Value.TtlMs) * time.Millisecond / 4
	entry.TtlBackoff = state.NewExponentialBackoff(s.Clock, quarter, quarter+time.Millisecond)

	// the key was just advertised with a fresh ttl; skip the immediate
	// refresh unless the ttl itself changed
	if !advertiseImmediately {
		entry.TtlBackoff.ReportError()
	}
	o.TtlThrottle.Trigger()
}

// advertiseTtlUpdates sends payload-less ttl refreshes with bumped
// ttl versions for every due key.
func advertiseTtlUpdates(s *state.State) error {
	o := Get[*Origin](s)
	timeout := state.MaxTtlUpdateInterval

	keyVals := make(map[string]state.Value)
	for key, entry := range s.SelfOriginated {
		if entry.TtlBackoff == nil {
			// infinite ttl, nothing to refresh
			continue
		}
		if !entry.TtlBackoff.CanTryNow() {
			timeout = min(timeout, entry.TtlBackoff.TimeRemainingUntilRetry())
			continue
		}
		entry.TtlBackoff.ReportError()
		timeout = min(timeout, entry.TtlBackoff.TimeRemainingUntilRetry())

		entry.Value.TtlVersion++

		// refresh carries no payload, only prolonged life
		refresh := state.Value{
			Version:      entry.Value.Version,
			OriginatorId: s.Id,
			TtlMs:        entry.Value.TtlMs,
			TtlVersion:   entry.Value.TtlVersion,
		}
		s.Log.Debug("advertising ttl update",
			"key", key, "ttlVersion", refresh.TtlVersion)
		keyVals[key] = refresh
	}

	if len(keyVals) > 0 {
		if err := setKeyVals(s, state.KeySetParams{KeyVals: keyVals}); err != nil {
			return err
		}
	}

	s.Log.Debug("scheduling ttl refresh pass", "after", timeout)
	o.TtlTimer.Schedule(timeout)
	return nil
}

// processPublicationForSelfOriginatedKey inspects an outgoing flood for
// keys we author. A newer or conflicting echo means another node
// overrode us; reclaim authorship by bumping past it and queueing a
// re-advertisement.
func processPublicationForSelfOriginatedKey(s *state.State, pub *state.Publication) {
	if len(s.SelfOriginated) == 0 {
		return
	}
	o := Get[*Origin](s)

	for key, rcvd := range pub.KeyVals {
		if rcvd.Payload == nil {
			// ttl updates do not contest authorship
			continue
		}
		entry, ok := s.SelfOriginated[key]
		if !ok {
			continue
		}
		cur := &entry.Value

		shouldOverride := false
		switch {
		case cur.Version > rcvd.Version:
			continue
		case cur.Version < rcvd.Version:
			shouldOverride = true
		default:
			if rcvd.OriginatorId != s.Id || !bytes.Equal(cur.Payload, rcvd.Payload) {
				shouldOverride = true
			}
		}

		if shouldOverride {
			cur.TtlVersion = 0
			cur.Version = rcvd.Version + 1
			cur.Hash = state.GenerateHash(cur.Version, cur.OriginatorId, cur.Payload)
			o.KeysToAdvertise[key] = struct{}{}
			s.Log.Info("reclaiming self-originated key",
				"key", key,
				"rcvdVersion", rcvd.Version,
				"newVersion", cur.Version)
		} else if cur.TtlVersion < rcvd.TtlVersion {
			// adopt the higher ttl version; it is bumped again before
			// the next refresh
			cur.TtlVersion = rcvd.TtlVersion
		}
	}

	// throttled so flooding is never blocked on re-advertisement
	o.AdvertiseThrottle.Trigger()
}

func dumpSelfOriginated(s *state.State) map[string]state.Value {
	out := make(map[string]state.Value, len(s.SelfOriginated))
	for key, entry := range s.SelfOriginated {
		out[key] = entry.Value
	}
	return out
}
