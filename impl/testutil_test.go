package impl

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/strata/state"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory KvClient double. Calls are recorded;
// behavior is overridable per test through the function fields.
type fakeClient struct {
	mu sync.Mutex

	getFn     func(area string, params state.KeyDumpParams) (*state.Publication, error)
	setFn     func(area string, params state.KeySetParams) error
	statusErr error

	setCalls []state.KeySetParams
	getCalls []state.KeyDumpParams
}

func (f *fakeClient) GetKvStoreKeyValsFiltered(_ context.Context, area string, params state.KeyDumpParams) (*state.Publication, error) {
	f.mu.Lock()
	f.getCalls = append(f.getCalls, params)
	fn := f.getFn
	f.mu.Unlock()
	if fn != nil {
		return fn(area, params)
	}
	return &state.Publication{Area: area, KeyVals: map[string]state.Value{}}, nil
}

func (f *fakeClient) SetKvStoreKeyVals(_ context.Context, area string, params state.KeySetParams) error {
	f.mu.Lock()
	f.setCalls = append(f.setCalls, params)
	fn := f.setFn
	f.mu.Unlock()
	if fn != nil {
		return fn(area, params)
	}
	return nil
}

func (f *fakeClient) UpdateFloodTopologyChild(context.Context, string, state.FloodTopoSetParams) error {
	return nil
}

func (f *fakeClient) ProcessDualMessages(context.Context, string, state.DualMessages) error {
	return nil
}

func (f *fakeClient) Status(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusErr
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) recordedSetCalls() []state.KeySetParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]state.KeySetParams(nil), f.setCalls...)
}

// testNode is a single-area harness: a real executor goroutine, a mock
// clock and fake clients handed out per peer name.
type testNode struct {
	t   *testing.T
	clk *clock.Mock
	env *state.Env
	st  *state.State

	mu      sync.Mutex
	clients map[string]*fakeClient

	updates <-chan state.KvStoreUpdate
	events  <-chan state.KvStoreSyncEvent
	synced  chan string
}

func defaultTestKvConfig() state.KvConfig {
	cfg := state.DefaultKvConfig()
	cfg.TtlDecrement = time.Millisecond
	return cfg
}

func newTestNode(t *testing.T, kvCfg state.KvConfig) *testNode {
	t.Helper()

	node := &testNode{
		t:       t,
		clk:     clock.NewMock(),
		clients: make(map[string]*fakeClient),
		synced:  make(chan string, 4),
	}

	dispatch := make(chan func(*state.State) error, 1024)
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })

	updatesQueue := state.NewReplicateQueue[state.KvStoreUpdate]()
	eventsQueue := state.NewReplicateQueue[state.KvStoreSyncEvent]()
	node.updates = updatesQueue.GetReader()
	node.events = eventsQueue.GetReader()

	env := &state.Env{
		Area:            "zone-1",
		DispatchChannel: dispatch,
		LocalCfg: state.LocalCfg{
			Id:    "node-a",
			Areas: []string{"zone-1"},
		},
		KvConfig:     kvCfg,
		Context:      ctx,
		Cancel:       cancel,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:        node.clk,
		Counters:     state.NewCounters(),
		UpdatesQueue: updatesQueue,
		EventsQueue:  eventsQueue,
	}
	st := &state.State{
		Env:            env,
		KvStore:        make(map[string]state.Value),
		SelfOriginated: make(map[string]*state.SelfOriginatedValue),
		Modules:        make(map[string]state.KvModule),
		OnInitialSynced: func(area string) {
			node.synced <- area
		},
	}
	node.env = env
	node.st = st

	factory := func(e *state.Env, peerName string, spec state.PeerSpec) (state.KvClient, error) {
		return node.client(peerName), nil
	}
	modules := []state.KvModule{
		&Area{},
		&Peers{NewClient: factory},
		&Syncer{},
		&Flooder{},
		&FloodTopo{},
		&Origin{},
	}
	for _, module := range modules {
		st.Modules[reflect.TypeOf(module).String()] = module
		require.NoError(t, module.Init(st))
	}

	go func() {
		for {
			select {
			case fun := <-dispatch:
				if err := fun(st); err != nil {
					t.Errorf("dispatch error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return node
}

// client returns (creating on demand) the fake client for a peer.
func (n *testNode) client(peerName string) *fakeClient {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[peerName]; ok {
		return c
	}
	c := &fakeClient{}
	n.clients[peerName] = c
	return c
}

// run executes fun on the executor and waits for it.
func (n *testNode) run(fun func(s *state.State) error) {
	n.t.Helper()
	_, err := n.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, fun(s)
	})
	require.NoError(n.t, err)
}

// query evaluates fun on the executor and returns its result.
func (n *testNode) query(fun func(s *state.State) any) any {
	n.t.Helper()
	res, err := n.env.DispatchWait(func(s *state.State) (any, error) {
		return fun(s), nil
	})
	require.NoError(n.t, err)
	return res
}

// flush waits until every previously dispatched task has run.
func (n *testNode) flush() {
	n.run(func(s *state.State) error { return nil })
}

// addPeer installs a peer and drives the zero-delay sync timer.
func (n *testNode) addPeer(name string) {
	n.t.Helper()
	n.run(func(s *state.State) error {
		return addPeers(s, map[string]state.PeerSpec{
			name: {PeerAddr: "127.0.0.1", CtrlPort: 9090},
		})
	})
	// the sync timer is armed at zero delay; the mock clock fires it on
	// the next advance
	n.clk.Add(time.Millisecond)
}

func (n *testNode) peerState(name string) state.PeerState {
	n.t.Helper()
	res := n.query(func(s *state.State) any {
		st := getCurrentPeerState(s, name)
		require.NotNil(n.t, st)
		return *st
	})
	return res.(state.PeerState)
}

// waitPeerState polls until the peer reaches the wanted state; async
// rpc callbacks land on the executor at their own pace.
func (n *testNode) waitPeerState(name string, want state.PeerState) {
	n.t.Helper()
	require.Eventually(n.t, func() bool {
		return n.peerState(name) == want
	}, 2*time.Second, 5*time.Millisecond)
}
