package state

import "time"

// DefaultArea is the wildcard area id. See the default-area fallback in
// the kvstore root.
const DefaultArea = "0"

var (
	// peer retry backoff bounds
	InitialBackoff = time.Millisecond * 64
	MaxBackoff     = time.Second * 8

	// throttle windows for self-originated key batching
	SyncThrottleTimeout  = time.Millisecond * 100
	ClearThrottleTimeout = time.Millisecond * 250

	// delay before retrying a rate-limited flood
	FloodPendingPublication = time.Millisecond * 100

	// upper bound between ttl refresh passes
	MaxTtlUpdateInterval = time.Minute * 5

	// outbound rpc budget
	ServiceConnTimeout = time.Millisecond * 500
	ServiceProcTimeout = time.Millisecond * 2500

	// keepalive probes towards connected peers, jittered by 20%
	ClientKeepAliveInterval = time.Second * 30

	// concurrent full-sync window, doubled on success
	ParallelSyncLimitInitial = 2
	ParallelSyncLimitMax     = 32

	// cadence of the flood topology dump
	FloodTopoDumpInterval = time.Second * 60

	// per-reader buffer of the replicate queues
	QueueReaderBuffer = 1024

	// counter snapshots served to pollers are cached this long
	CounterCacheTtl = time.Second
)
