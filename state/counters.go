package state

import "sync"

// Counter names exported through the summary endpoint. These are part
// of the external contract.
const (
	CounterNumKeys                  = "num_keys"
	CounterNumPeers                 = "num_peers"
	CounterReceivedPublications     = "received_publications"
	CounterReceivedKeyVals          = "received_key_vals"
	CounterUpdatedKeyVals           = "updated_key_vals"
	CounterLoopedPublications       = "looped_publications"
	CounterExpiredKeyVals           = "expired_key_vals"
	CounterSentPublications         = "sent_publications"
	CounterSentKeyVals              = "sent_key_vals"
	CounterRateLimitSuppress        = "rate_limit_suppress"
	CounterRedundantPublications    = "received_redundant_publications"
	CounterFullSyncDurationMsAvg    = "full_sync_duration_ms_avg"
	CounterNumFullSync              = "num_full_sync"
	CounterNumFullSyncSuccess       = "num_full_sync_success"
	CounterNumFullSyncFailure       = "num_full_sync_failure"
	CounterNumFinalizedSync         = "num_finalized_sync"
	CounterNumFinalizedSyncSuccess  = "num_finalized_sync_success"
	CounterNumFinalizedSyncFailure  = "num_finalized_sync_failure"
	CounterNumFloodPub              = "num_flood_pub"
	CounterNumFloodPubSuccess       = "num_flood_pub_success"
	CounterNumFloodPubFailure       = "num_flood_pub_failure"
	CounterNumClientConnFailure     = "num_client_connection_failure"
	CounterNumMissingKeys           = "num_missing_keys"
	CounterNumFloodPeers            = "num_flood_peers"
	CounterReceivedDualMessages     = "received_dual_messages"
	CounterBytesSent                = "bytes_sent"
	CounterBytesReceived            = "bytes_received"
	CounterDeserializationFailures  = "deserialization_failures"
	CounterDefaultAreaCompatibility = "default_area_compatibility"
)

type avgTracker struct {
	sum   int64
	count int64
}

// Counters collects monotonically increasing counts, settable gauges
// and running averages. Most writers run on an area executor, but the
// rpc transport also reports byte counts from its own goroutines, so
// access is guarded.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
	avgs   map[string]*avgTracker
}

func NewCounters() *Counters {
	return &Counters{
		counts: make(map[string]int64),
		avgs:   make(map[string]*avgTracker),
	}
}

func (c *Counters) Increment(name string) {
	c.Add(name, 1)
}

func (c *Counters) Add(name string, delta int64) {
	c.mu.Lock()
	c.counts[name] += delta
	c.mu.Unlock()
}

func (c *Counters) Set(name string, value int64) {
	c.mu.Lock()
	c.counts[name] = value
	c.mu.Unlock()
}

// AddAvg folds a sample into the running average reported under name.
func (c *Counters) AddAvg(name string, sample int64) {
	c.mu.Lock()
	t := c.avgs[name]
	if t == nil {
		t = &avgTracker{}
		c.avgs[name] = t
	}
	t.sum += sample
	t.count++
	c.mu.Unlock()
}

// Snapshot flattens counts and averages into one map.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts)+len(c.avgs))
	for name, v := range c.counts {
		out[name] = v
	}
	for name, t := range c.avgs {
		if t.count > 0 {
			out[name] = t.sum / t.count
		}
	}
	return out
}
