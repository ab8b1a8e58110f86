package state

import "bytes"

// MergeStats breaks a merge delta down into full value replacements and
// ttl-only refreshes.
type MergeStats struct {
	ValUpdateCnt int64
	TtlUpdateCnt int64
}

// MergeKeyValues merges an incoming key-value batch into kvStore and
// returns the subset that updated the map. Value updates carry the full
// replacement value; ttl updates carry only the ttl fields and no
// payload. The function is total: invalid entries are skipped, never
// rejected with an error.
func MergeKeyValues(kvStore map[string]Value, keyVals map[string]Value, filters *KvFilters) (map[string]Value, MergeStats) {
	delta := make(map[string]Value)
	var stats MergeStats

	for key, incoming := range keyVals {
		if filters != nil && !filters.Match(key, incoming) {
			continue
		}
		if !ValidTtl(incoming.TtlMs) {
			continue
		}

		current, exists := kvStore[key]

		// decide between no-op, full update and ttl-only update
		updateAllNeeded := false
		updateTtlNeeded := false
		switch {
		case !exists:
			// only a value update can introduce a key; a ttl refresh
			// for a key we do not have is dropped
			if incoming.Payload != nil {
				updateAllNeeded = true
			}
		case incoming.Version > current.Version:
			if incoming.Payload != nil {
				updateAllNeeded = true
			}
		case incoming.Version < current.Version:
			// stale
		case incoming.OriginatorId > current.OriginatorId:
			if incoming.Payload != nil {
				updateAllNeeded = true
			}
		case incoming.OriginatorId < current.OriginatorId:
			// loses the originator tie-break
		case incoming.Payload != nil && current.Payload != nil:
			switch bytes.Compare(incoming.Payload, current.Payload) {
			case 1:
				updateAllNeeded = true
			case 0:
				if incoming.TtlVersion > current.TtlVersion {
					updateTtlNeeded = true
				}
			}
		case incoming.Payload == nil:
			// ttl refresh of the same (version, originator)
			if incoming.TtlVersion > current.TtlVersion {
				updateTtlNeeded = true
			}
		case incoming.Hash != 0 && incoming.Hash == current.Hash:
			if incoming.TtlVersion > current.TtlVersion {
				updateTtlNeeded = true
			}
		}

		if updateAllNeeded {
			incoming.EnsureHash()
			kvStore[key] = incoming
			delta[key] = incoming
			stats.ValUpdateCnt++
		} else if updateTtlNeeded {
			current.TtlMs = incoming.TtlMs
			current.TtlVersion = incoming.TtlVersion
			kvStore[key] = current

			// the delta entry prolongs life only, it must not carry the
			// payload
			delta[key] = Value{
				Version:      current.Version,
				OriginatorId: current.OriginatorId,
				TtlMs:        current.TtlMs,
				TtlVersion:   current.TtlVersion,
				Hash:         current.Hash,
			}
			stats.TtlUpdateCnt++
		}
	}

	return delta, stats
}
