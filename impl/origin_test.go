package impl

import (
	"testing"
	"time"

	"github.com/encodeous/strata/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func originTestConfig() state.KvConfig {
	cfg := defaultTestKvConfig()
	cfg.KeyTtl = 4 * time.Second
	return cfg
}

func (n *testNode) selfValue(key string) state.Value {
	n.t.Helper()
	res := n.query(func(s *state.State) any {
		entry, ok := s.SelfOriginated[key]
		require.True(n.t, ok, "key %s not in self-originated cache", key)
		return entry.Value
	})
	return res.(state.Value)
}

func TestPersistNewKey(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "prefix:a", []byte("p1"))
	})

	val := node.selfValue("prefix:a")
	assert.EqualValues(t, 1, val.Version)
	assert.Equal(t, "node-a", val.OriginatorId)

	// the advertisement is throttled, then lands in the map
	node.clk.Add(state.SyncThrottleTimeout)
	node.flush()
	stored := node.query(func(s *state.State) any {
		return s.KvStore["prefix:a"]
	}).(state.Value)
	assert.Equal(t, []byte("p1"), stored.Payload)
	assert.EqualValues(t, 1, stored.Version)
}

// persist twice with the identical payload produces a single
// advertisement
func TestPersistIdempotent(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("p"))
	})
	node.clk.Add(state.SyncThrottleTimeout)
	node.flush()

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("p"))
	})
	pendingAfter := node.query(func(s *state.State) any {
		return len(Get[*Origin](s).KeysToAdvertise)
	}).(int)
	assert.Zero(t, pendingAfter)
	assert.EqualValues(t, 1, node.selfValue("k").Version)
}

func TestPersistChangedPayloadBumpsVersion(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("p1"))
	})
	node.clk.Add(state.SyncThrottleTimeout)
	node.flush()

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("p2"))
	})
	val := node.selfValue("k")
	assert.EqualValues(t, 2, val.Version)
	assert.EqualValues(t, 0, val.TtlVersion)
	assert.Equal(t, []byte("p2"), val.Payload)
}

// a key advertised by a previous incarnation is adopted, not restarted
// at version 1
func TestPersistAdoptsPreviousIncarnation(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	// a leftover from the old incarnation sits in the map
	node.run(func(s *state.State) error {
		return setKeyVals(s, state.KeySetParams{
			KeyVals: map[string]state.Value{"k": testValue(7, "node-a", "old", 30000)},
		})
	})
	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("new"))
	})

	val := node.selfValue("k")
	assert.EqualValues(t, 8, val.Version)
	assert.Equal(t, []byte("new"), val.Payload)
}

func TestSetSelfOriginatedExplicitAndAutoVersion(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	node.run(func(s *state.State) error {
		return setSelfOriginatedKey(s, "k", []byte("v5"), 5)
	})
	stored := node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value)
	assert.EqualValues(t, 5, stored.Version)

	// version 0 selects current+1
	node.run(func(s *state.State) error {
		return setSelfOriginatedKey(s, "k", []byte("v6"), 0)
	})
	stored = node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value)
	assert.EqualValues(t, 6, stored.Version)
	assert.Equal(t, []byte("v6"), stored.Payload)
}

// ttl refreshes fire at ttl/4 cadence with a bumped ttl version and no
// payload
func TestTtlRefreshCadence(t *testing.T) {
	node := newTestNode(t, originTestConfig()) // KeyTtl 4s, quarter 1s

	node.run(func(s *state.State) error {
		return setSelfOriginatedKey(s, "k", []byte("p"), 0)
	})
	stored := node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value)
	assert.EqualValues(t, 0, stored.TtlVersion)

	// cross the first refresh deadline (quarter = 1s) plus throttle
	node.clk.Add(1100 * time.Millisecond)
	node.flush()
	require.Eventually(t, func() bool {
		v := node.query(func(s *state.State) any {
			return s.KvStore["k"]
		}).(state.Value)
		return v.TtlVersion == 1
	}, 2*time.Second, 5*time.Millisecond)

	// payload unchanged by the refresh
	stored = node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value)
	assert.Equal(t, []byte("p"), stored.Payload)

	// another quarter, another refresh
	node.clk.Add(1100 * time.Millisecond)
	node.flush()
	require.Eventually(t, func() bool {
		v := node.query(func(s *state.State) any {
			return s.KvStore["k"]
		}).(state.Value)
		return v.TtlVersion == 2
	}, 2*time.Second, 5*time.Millisecond)
}

// S5: an inbound value overriding a self-originated key is reclaimed by
// bumping past the incoming version
func TestSelfEchoReclamation(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("local"))
	})
	node.clk.Add(state.SyncThrottleTimeout)
	node.flush()

	// "zzz" wins the originator tie-break and overrides our value in
	// the map
	node.run(func(s *state.State) error {
		pub := &state.Publication{
			Area:    s.Area,
			KeyVals: map[string]state.Value{"k": testValue(1, "zzz", "foreign", 30000)},
		}
		_, err := mergePublication(s, pub, "")
		return err
	})
	assert.Equal(t, []byte("foreign"), node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value).Payload)

	// the cache reclaims authorship deterministically
	val := node.selfValue("k")
	assert.EqualValues(t, 2, val.Version)
	assert.EqualValues(t, 0, val.TtlVersion)
	assert.Equal(t, []byte("local"), val.Payload)

	// the re-advertisement restores our payload with the higher version
	node.clk.Add(state.SyncThrottleTimeout)
	node.flush()
	require.Eventually(t, func() bool {
		v := node.query(func(s *state.State) any {
			return s.KvStore["k"]
		}).(state.Value)
		return v.Version == 2 && string(v.Payload) == "local"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnsetAdvertisesFinalValue(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("p"))
	})
	node.clk.Add(state.SyncThrottleTimeout)
	node.flush()

	node.run(func(s *state.State) error {
		return unsetSelfOriginatedKey(s, "k", []byte{})
	})
	assert.False(t, node.query(func(s *state.State) any {
		_, ok := s.SelfOriginated["k"]
		return ok
	}).(bool))

	// the throttled unset lands as a final, higher-versioned value
	node.clk.Add(state.ClearThrottleTimeout)
	node.flush()
	stored := node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value)
	assert.EqualValues(t, 2, stored.Version)
	require.NotNil(t, stored.Payload)
	assert.Empty(t, stored.Payload)
}

func TestEraseDropsWithoutAdvertising(t *testing.T) {
	node := newTestNode(t, originTestConfig())

	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "k", []byte("p"))
	})
	node.clk.Add(state.SyncThrottleTimeout)
	node.flush()
	versionBefore := node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value).Version

	node.run(func(s *state.State) error {
		return eraseSelfOriginatedKey(s, "k")
	})
	node.clk.Add(state.ClearThrottleTimeout)
	node.flush()

	// the map value is untouched; it will simply age out
	stored := node.query(func(s *state.State) any {
		return s.KvStore["k"]
	}).(state.Value)
	assert.Equal(t, versionBefore, stored.Version)
	assert.Equal(t, []byte("p"), stored.Payload)
}

func TestDumpSelfOriginated(t *testing.T) {
	node := newTestNode(t, originTestConfig())
	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "a", []byte("1"))
	})
	node.run(func(s *state.State) error {
		return persistSelfOriginatedKey(s, "b", []byte("2"))
	})

	dump := node.query(func(s *state.State) any {
		return dumpSelfOriginated(s)
	}).(map[string]state.Value)
	assert.Len(t, dump, 2)
	assert.Equal(t, []byte("1"), dump["a"].Payload)
}
