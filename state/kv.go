package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net"

	"github.com/spaolacci/murmur3"
)

// TtlInfinity marks a value that never expires. Any other ttl must be a
// positive duration in milliseconds.
const TtlInfinity = int64(math.MaxInt64)

// Value is the unit of replication. A nil Payload means the record is a
// ttl refresh for an existing value, not a value update. A non-nil empty
// Payload is a retraction marker.
type Value struct {
	Version      int64
	OriginatorId string
	Payload      []byte
	TtlMs        int64
	TtlVersion   int64
	Hash         int64
}

// GenerateHash fingerprints (version, originatorId, payload).
func GenerateHash(version int64, originatorId string, payload []byte) int64 {
	h := murmur3.New64()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	h.Write(buf[:])
	h.Write([]byte(originatorId))
	if payload != nil {
		h.Write([]byte{1})
		h.Write(payload)
	} else {
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

// EnsureHash fills in the fingerprint for values that carry a payload.
func (v *Value) EnsureHash() {
	if v.Hash == 0 && v.Payload != nil {
		v.Hash = GenerateHash(v.Version, v.OriginatorId, v.Payload)
	}
}

// ValidTtl reports whether the ttl is a positive duration or the
// infinity sentinel.
func ValidTtl(ttlMs int64) bool {
	return ttlMs == TtlInfinity || ttlMs > 0
}

// CompareValues orders two values under the total order
// (version, originatorId, payload), with ttlVersion as the final
// tie-break. When the payloads cannot be compared (one side is a
// hash-only digest and the fingerprints differ) ok is false.
func CompareValues(a, b Value) (int, bool) {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return 1, true
		}
		return -1, true
	}
	if a.OriginatorId != b.OriginatorId {
		if a.OriginatorId > b.OriginatorId {
			return 1, true
		}
		return -1, true
	}
	if a.Payload != nil && b.Payload != nil {
		if c := bytes.Compare(a.Payload, b.Payload); c != 0 {
			return c, true
		}
	} else if a.Hash != 0 && b.Hash != 0 && a.Hash != b.Hash {
		// digests disagree and at least one side lacks the payload
		return 0, false
	}
	if a.TtlVersion != b.TtlVersion {
		if a.TtlVersion > b.TtlVersion {
			return 1, true
		}
		return -1, true
	}
	return 0, true
}

// PeerState is the lifecycle state of a peer within one area.
type PeerState int32

const (
	PeerStateIdle PeerState = iota
	PeerStateSyncing
	PeerStateInitialized
)

func (s PeerState) String() string {
	switch s {
	case PeerStateIdle:
		return "IDLE"
	case PeerStateSyncing:
		return "SYNCING"
	case PeerStateInitialized:
		return "INITIALIZED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// PeerStateEvent drives peer state transitions.
type PeerStateEvent int32

const (
	EventPeerAdd PeerStateEvent = iota
	EventSyncRespOk
	EventRpcError
)

func (e PeerStateEvent) String() string {
	switch e {
	case EventPeerAdd:
		return "PEER_ADD"
	case EventSyncRespOk:
		return "SYNC_RESP_OK"
	case EventRpcError:
		return "RPC_ERROR"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(e))
}

// PeerSpec describes how to reach a peer's kvstore endpoint.
type PeerSpec struct {
	PeerAddr                  string
	CtrlPort                  uint16
	State                     PeerState
	SupportsFloodOptimization bool
}

func (p PeerSpec) Address() string {
	return net.JoinHostPort(p.PeerAddr, fmt.Sprintf("%d", p.CtrlPort))
}

// KvStoreUpdate is an item on the kv store updates queue: either a
// *Publication or the one-shot InitializationEvent marker.
type KvStoreUpdate interface {
	isKvStoreUpdate()
}

// Publication is a batch of key-value updates and/or expired keys for
// one area.
type Publication struct {
	Area            string
	KeyVals         map[string]Value
	ExpiredKeys     []string
	NodeIds         []string
	TobeUpdatedKeys []string
	FloodRootId     *string
	TimestampMs     int64
}

func (*Publication) isKvStoreUpdate() {}

// SenderId is the last entry of the node id trail, identifying the
// upstream this publication arrived from. It does not skip an entry
// equal to the local node id.
func (p *Publication) SenderId() string {
	if len(p.NodeIds) == 0 {
		return ""
	}
	return p.NodeIds[len(p.NodeIds)-1]
}

// InitializationEvent is a one-shot in-process signal.
type InitializationEvent int32

const (
	// KvStoreSynced is emitted once every area has either completed its
	// initial sync or has no peers.
	KvStoreSynced InitializationEvent = iota
)

func (InitializationEvent) isKvStoreUpdate() {}

func (e InitializationEvent) String() string {
	if e == KvStoreSynced {
		return "KVSTORE_SYNCED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(e))
}

// KvStoreSyncEvent is emitted on the sync events queue each time a
// full sync with a peer completes.
type KvStoreSyncEvent struct {
	PeerName string
	Area     string
}

// KeySetParams is the payload of a KEY_SET request.
type KeySetParams struct {
	KeyVals     map[string]Value
	NodeIds     []string
	FloodRootId *string
	TimestampMs int64
	SenderId    string
}

// KeyDumpParams is the payload of KEY_DUMP and HASH_DUMP requests. When
// KeyValHashes is set the response is the three-way-sync difference
// instead of a plain dump.
type KeyDumpParams struct {
	KeyPrefixes       []string
	OriginatorIds     []string
	Operator          FilterOperator
	KeyValHashes      map[string]Value
	SenderId          string
	DoNotPublishValue bool
}

// KeyGetParams is the payload of a KEY_GET request.
type KeyGetParams struct {
	Keys []string
}

// FloodTopoSetParams sets or unsets a flood-topology child edge.
type FloodTopoSetParams struct {
	RootId   string
	SrcId    string
	SetChild bool
	AllRoots bool
}

// DualMessages is an opaque batch of spanning-tree protocol messages.
type DualMessages struct {
	SrcId    string
	Messages [][]byte
}

// AreaPeerUpdate carries peer additions and deletions for one area.
type AreaPeerUpdate struct {
	PeersToAdd map[string]PeerSpec
	PeersToDel []string
}

// PeerUpdateEvent is an item on the peer updates queue, keyed by area.
type PeerUpdateEvent map[string]AreaPeerUpdate

// AreaSummary is the per-area counter snapshot returned by the summary
// endpoint.
type AreaSummary struct {
	Area         string
	KeyValsCount int64
	KeyValsBytes int64
	Peers        map[string]PeerSpec
}
