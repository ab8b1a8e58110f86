package impl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/strata/state"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// Queues are the in-process endpoints the store shares with its
// collaborators. Construction takes them injected; the store never
// reaches for globals.
type Queues struct {
	Updates    *state.ReplicateQueue[state.KvStoreUpdate]
	SyncEvents *state.ReplicateQueue[state.KvStoreSyncEvent]
	LogSamples *state.ReplicateQueue[state.LogSample]

	PeerUpdates <-chan state.PeerUpdateEvent
	KvRequests  <-chan state.KeyValueRequest
}

type Option func(*KvStore)

// WithClock injects a clock, used by tests to drive timers.
func WithClock(clk clock.Clock) Option {
	return func(kv *KvStore) { kv.clk = clk }
}

// WithClientFactory overrides how outbound peer clients are built.
func WithClientFactory(factory ClientFactory) Option {
	return func(kv *KvStore) { kv.clientFactory = factory }
}

type areaHandle struct {
	env *state.Env
	st  *state.State
}

// KvStore is the process-wide store root. It owns one AreaDb (an
// executor goroutine plus its State) per configured area, fans requests
// out to them, and emits the one-shot KVSTORE_SYNCED marker once every
// area finished its initial sync.
type KvStore struct {
	cfg    state.LocalCfg
	kvCfg  state.KvConfig
	log    *slog.Logger
	clk    clock.Clock
	queues Queues

	clientFactory ClientFactory
	counters      *state.Counters

	ctx    context.Context
	cancel context.CancelCauseFunc
	areas  map[string]*areaHandle
	wg     sync.WaitGroup
	eg     *errgroup.Group

	syncedMu          sync.Mutex
	syncedAreas       map[string]bool
	initialSignalSent bool

	// counter polling is cheap for callers, snapshotting is not; cache
	// the snapshot briefly
	countersCache *ttlcache.Cache[string, map[string]int64]
}

func New(log *slog.Logger, cfg state.LocalCfg, kvCfg state.KvConfig, queues Queues, opts ...Option) (*KvStore, error) {
	if err := state.LocalConfigValidator(&cfg); err != nil {
		return nil, err
	}
	if err := state.KvConfigValidator(&kvCfg); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	kv := &KvStore{
		cfg:         cfg,
		kvCfg:       kvCfg,
		log:         log,
		clk:         clock.New(),
		queues:      queues,
		counters:    state.NewCounters(),
		ctx:         ctx,
		cancel:      cancel,
		areas:       make(map[string]*areaHandle),
		syncedAreas: make(map[string]bool),
		countersCache: ttlcache.New[string, map[string]int64](
			ttlcache.WithTTL[string, map[string]int64](state.CounterCacheTtl),
			ttlcache.WithDisableTouchOnHit[string, map[string]int64](),
		),
	}
	for _, opt := range opts {
		opt(kv)
	}
	return kv, nil
}

// Start spins up one executor per area and the queue reader fibers.
func (kv *KvStore) Start() error {
	kv.log.Info("starting kvstore", "node", kv.cfg.Id, "areas", kv.cfg.Areas)
	for _, area := range kv.cfg.Areas {
		if err := kv.startArea(area); err != nil {
			return err
		}
	}

	kv.eg, _ = errgroup.WithContext(kv.ctx)
	kv.eg.Go(func() error { return kv.processPeerUpdates() })
	kv.eg.Go(func() error { return kv.processKeyValueRequests() })

	go kv.countersCache.Start()
	return nil
}

func (kv *KvStore) startArea(area string) error {
	dispatch := make(chan func(*state.State) error)
	env := &state.Env{
		Area:            area,
		DispatchChannel: dispatch,
		LocalCfg:        kv.cfg,
		KvConfig:        kv.kvCfg,
		Context:         kv.ctx,
		Cancel:          kv.cancel,
		Log:             kv.log.With("area", area),
		Clock:           kv.clk,
		Counters:        kv.counters,
		UpdatesQueue:    kv.queues.Updates,
		EventsQueue:     kv.queues.SyncEvents,
	}
	st := &state.State{
		Env:             env,
		KvStore:         make(map[string]state.Value),
		SelfOriginated:  make(map[string]*state.SelfOriginatedValue),
		Modules:         make(map[string]state.KvModule),
		OnInitialSynced: kv.notifyAreaSynced,
	}

	modules := []state.KvModule{
		&Area{},
		&Peers{NewClient: kv.clientFactory},
		&Syncer{},
		&Flooder{},
		&FloodTopo{},
		&Origin{},
	}
	for _, module := range modules {
		st.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(st); err != nil {
			return fmt.Errorf("init module for area %s: %w", area, err)
		}
	}

	kv.areas[area] = &areaHandle{env: env, st: st}
	kv.wg.Add(1)
	go kv.runAreaLoop(st, dispatch)
	return nil
}

// runAreaLoop is the area executor: the single goroutine allowed to
// mutate the area's State.
func (kv *KvStore) runAreaLoop(s *state.State, dispatch <-chan func(*state.State) error) {
	defer kv.wg.Done()
	s.Log.Debug("area loop started")
	for {
		select {
		case fun := <-dispatch:
			start := time.Now()
			if err := fun(s); err != nil {
				s.Log.Error("error occurred during dispatch", "err", err)
				s.Cancel(err)
			}
			if elapsed := time.Since(start); elapsed > time.Millisecond*50 {
				s.Log.Warn("dispatch took a long time!", "elapsed", elapsed)
			}
		case <-s.Context.Done():
			s.Log.Info("area loop stopped", "reason", context.Cause(s.Context))
			for name, module := range s.Modules {
				if err := module.Cleanup(s); err != nil {
					s.Log.Error("error during cleanup", "module", name, "err", err)
				}
			}
			return
		}
	}
}

// processPeerUpdates consumes the peer updates queue from neighbor
// discovery.
func (kv *KvStore) processPeerUpdates() error {
	kv.log.Info("starting peer updates processing fiber")
	for {
		select {
		case <-kv.ctx.Done():
			return nil
		case event, ok := <-kv.queues.PeerUpdates:
			if !ok {
				kv.log.Info("terminating peer updates processing fiber")
				return nil
			}
			for area, update := range event {
				if len(update.PeersToAdd) > 0 {
					if err := kv.AddPeers(area, update.PeersToAdd); err != nil {
						kv.log.Error("failed to process peer-add", "area", area, "err", err)
					}
				}
				if len(update.PeersToDel) > 0 {
					if err := kv.DelPeers(area, update.PeersToDel); err != nil {
						kv.log.Error("failed to process peer-del", "area", area, "err", err)
					}
				}
			}
			kv.markPeerlessAreasSynced()
		}
	}
}

// markPeerlessAreasSynced treats an area with no peers as having
// completed initial sync, so standalone nodes and freshly spawned areas
// still converge.
func (kv *KvStore) markPeerlessAreasSynced() {
	kv.syncedMu.Lock()
	sent := kv.initialSignalSent
	kv.syncedMu.Unlock()
	if sent {
		return
	}
	for area, handle := range kv.areas {
		_, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
			if len(Get[*Peers](s).Table) == 0 {
				s.Log.Info("[Initialization] no peers in area", "area", s.Area)
				processInitializationEvent(s)
			}
			return nil, nil
		})
		if err != nil {
			kv.log.Error("failed initialization check", "area", area, "err", err)
		}
	}
}

// processKeyValueRequests consumes self-originated key commands from
// prefix origination and link monitoring.
func (kv *KvStore) processKeyValueRequests() error {
	kv.log.Info("starting key-value requests processing fiber")
	for {
		select {
		case <-kv.ctx.Done():
			return nil
		case request, ok := <-kv.queues.KvRequests:
			if !ok {
				kv.log.Info("terminating key-value requests processing fiber")
				return nil
			}
			if err := kv.processKeyValueRequest(request); err != nil {
				kv.log.Error("failed to process key-value request", "err", err)
			}
		}
	}
}

func (kv *KvStore) processKeyValueRequest(request state.KeyValueRequest) error {
	handle, err := kv.getArea(request.RequestArea(), "processKeyValueRequest")
	if err != nil {
		return err
	}
	_, err = handle.env.DispatchWait(func(s *state.State) (any, error) {
		switch req := request.(type) {
		case state.PersistKeyValueRequest:
			return nil, persistSelfOriginatedKey(s, req.Key, req.Payload)
		case state.SetKeyValueRequest:
			return nil, setSelfOriginatedKey(s, req.Key, req.Payload, req.Version)
		case state.UnsetKeyValueRequest:
			return nil, unsetSelfOriginatedKey(s, req.Key, req.Payload)
		case state.EraseKeyValueRequest:
			return nil, eraseSelfOriginatedKey(s, req.Key)
		default:
			return nil, fmt.Errorf("%w: unrecognized key-value request %T", state.ErrInvalidArgument, request)
		}
	})
	return err
}

// getArea resolves an area id, honoring the explicit default-area
// fallback: a single-area node answers for the wildcard area "0".
func (kv *KvStore) getArea(areaId string, caller string) (*areaHandle, error) {
	if handle, ok := kv.areas[areaId]; ok {
		return handle, nil
	}
	if kv.kvCfg.EnableDefaultAreaFallback && len(kv.areas) == 1 {
		_, hostsDefault := kv.areas[state.DefaultArea]
		if hostsDefault || areaId == state.DefaultArea {
			for _, handle := range kv.areas {
				kv.log.Info("falling back to the single configured area",
					"requested", areaId, "area", handle.env.Area, "caller", caller)
				kv.counters.Increment(state.CounterDefaultAreaCompatibility)
				return handle, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s (caller: %s)", state.ErrUnknownArea, areaId, caller)
}

// Areas lists the hosted area ids.
func (kv *KvStore) Areas() []string {
	areas := make([]string, 0, len(kv.areas))
	for area := range kv.areas {
		areas = append(areas, area)
	}
	return areas
}

// Done resolves when the store has been cancelled.
func (kv *KvStore) Done() <-chan struct{} {
	return kv.ctx.Done()
}

// GetKeyVals returns the values of the requested keys with outgoing
// ttls decremented.
func (kv *KvStore) GetKeyVals(area string, keys []string) (*state.Publication, error) {
	handle, err := kv.getArea(area, "GetKeyVals")
	if err != nil {
		return nil, err
	}
	res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
		pub := getKeyVals(s, keys)
		updatePublicationTtl(s, pub)
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.Publication), nil
}

// DumpArea serves a filtered dump for one area; with digests attached
// the response is the full-sync difference instead.
func (kv *KvStore) DumpArea(area string, params state.KeyDumpParams) (*state.Publication, error) {
	handle, err := kv.getArea(area, "DumpArea")
	if err != nil {
		return nil, err
	}
	res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
		filters := state.NewKvFilters(params.KeyPrefixes, params.OriginatorIds, params.Operator)
		pub := dumpAllWithFilters(s, filters, params.DoNotPublishValue)
		if params.KeyValHashes != nil {
			pub = dumpDifference(s.Area, pub.KeyVals, params.KeyValHashes)
			if len(params.KeyPrefixes) == 0 {
				// this usually comes from a neighbor's full sync
				s.Log.Info("[Sync] Processed full-sync request",
					"from", params.SenderId,
					"digests", len(params.KeyValHashes),
					"sending", len(pub.KeyVals),
					"missing", len(pub.TobeUpdatedKeys))
			}
		}
		updatePublicationTtl(s, pub)
		// we are the initiator of this response
		pub.FloodRootId = sptRootId(s)
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.Publication), nil
}

// DumpKeys serves DumpArea over a set of areas, all areas when empty.
// Unknown areas are skipped, matching the fan-out nature of the call.
func (kv *KvStore) DumpKeys(selectAreas []string, params state.KeyDumpParams) ([]*state.Publication, error) {
	if len(selectAreas) == 0 {
		selectAreas = kv.Areas()
	}
	result := make([]*state.Publication, 0, len(selectAreas))
	for _, area := range selectAreas {
		pub, err := kv.DumpArea(area, params)
		if err != nil {
			kv.log.Error("failed to dump area", "area", area, "err", err)
			continue
		}
		result = append(result, pub)
	}
	return result, nil
}

// DumpHashes returns the digest view of an area: metadata and
// fingerprints, no payloads.
func (kv *KvStore) DumpHashes(area string, params state.KeyDumpParams) (*state.Publication, error) {
	handle, err := kv.getArea(area, "DumpHashes")
	if err != nil {
		return nil, err
	}
	res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
		filters := state.NewKvFilters(params.KeyPrefixes, params.OriginatorIds, params.Operator)
		pub := dumpHashWithFilters(s, filters)
		updatePublicationTtl(s, pub)
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.Publication), nil
}

// SetKeyVals merges the batch into the area map and floods any delta.
func (kv *KvStore) SetKeyVals(area string, params state.KeySetParams) error {
	if len(params.KeyVals) == 0 {
		return fmt.Errorf("%w: empty key-vals in key-set request", state.ErrInvalidArgument)
	}
	for key, v := range params.KeyVals {
		if v.Version == 0 {
			return fmt.Errorf("%w: version 0 for key %s", state.ErrInvalidArgument, key)
		}
		if !state.ValidTtl(v.TtlMs) {
			return fmt.Errorf("%w: ttl %d for key %s", state.ErrInvalidArgument, v.TtlMs, key)
		}
	}
	handle, err := kv.getArea(area, "SetKeyVals")
	if err != nil {
		return err
	}
	_, err = handle.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, setKeyVals(s, params)
	})
	return err
}

// AddPeers inserts or refreshes peers in an area; idempotent, empty
// input is an error.
func (kv *KvStore) AddPeers(area string, peers map[string]state.PeerSpec) error {
	if len(peers) == 0 {
		return fmt.Errorf("%w: empty peer map in peer-add request", state.ErrInvalidArgument)
	}
	handle, err := kv.getArea(area, "AddPeers")
	if err != nil {
		return err
	}
	_, err = handle.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, addPeers(s, peers)
	})
	return err
}

// DelPeers removes peers from an area; idempotent, empty input is an
// error.
func (kv *KvStore) DelPeers(area string, peerNames []string) error {
	if len(peerNames) == 0 {
		return fmt.Errorf("%w: empty peer list in peer-del request", state.ErrInvalidArgument)
	}
	handle, err := kv.getArea(area, "DelPeers")
	if err != nil {
		return err
	}
	_, err = handle.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, delPeers(s, peerNames)
	})
	return err
}

// GetPeerState returns the peer's lifecycle state, nil when unknown.
func (kv *KvStore) GetPeerState(area string, peerName string) (*state.PeerState, error) {
	handle, err := kv.getArea(area, "GetPeerState")
	if err != nil {
		return nil, err
	}
	res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
		return getCurrentPeerState(s, peerName), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.PeerState), nil
}

// DumpPeers returns the area's peer table.
func (kv *KvStore) DumpPeers(area string) (map[string]state.PeerSpec, error) {
	handle, err := kv.getArea(area, "DumpPeers")
	if err != nil {
		return nil, err
	}
	res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
		return dumpPeers(s), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]state.PeerSpec), nil
}

// DumpSelfOriginated snapshots the self-originated cache of an area.
func (kv *KvStore) DumpSelfOriginated(area string) (map[string]state.Value, error) {
	handle, err := kv.getArea(area, "DumpSelfOriginated")
	if err != nil {
		return nil, err
	}
	res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
		return dumpSelfOriginated(s), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]state.Value), nil
}

// ProcessFloodTopoSet applies a flood-topology child update.
func (kv *KvStore) ProcessFloodTopoSet(area string, params state.FloodTopoSetParams) error {
	handle, err := kv.getArea(area, "ProcessFloodTopoSet")
	if err != nil {
		return err
	}
	_, err = handle.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, processFloodTopoSet(s, params)
	})
	return err
}

// ProcessDualMessages accounts a batch of spanning-tree messages.
func (kv *KvStore) ProcessDualMessages(area string, msgs state.DualMessages) error {
	if len(msgs.Messages) == 0 {
		return fmt.Errorf("%w: empty dual message batch", state.ErrInvalidArgument)
	}
	handle, err := kv.getArea(area, "ProcessDualMessages")
	if err != nil {
		return err
	}
	_, err = handle.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, processDualMessages(s, msgs)
	})
	return err
}

// GetAreaSummary returns per-area key/peer counts, all areas when the
// selection is empty.
func (kv *KvStore) GetAreaSummary(selectAreas []string) ([]state.AreaSummary, error) {
	if len(selectAreas) == 0 {
		selectAreas = kv.Areas()
	}
	summaries := make([]state.AreaSummary, 0, len(selectAreas))
	for _, area := range selectAreas {
		handle, err := kv.getArea(area, "GetAreaSummary")
		if err != nil {
			return nil, err
		}
		res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
			return state.AreaSummary{
				Area:         s.Area,
				KeyValsCount: int64(len(s.KvStore)),
				KeyValsBytes: getKeyValsSize(s),
				Peers:        dumpPeers(s),
			}, nil
		})
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, res.(state.AreaSummary))
	}
	return summaries, nil
}

// Counters returns the flattened counter map, including the live
// num_keys / num_peers gauges summed across areas. Snapshots are cached
// briefly to keep hot polling cheap.
func (kv *KvStore) Counters() map[string]int64 {
	if item := kv.countersCache.Get("global"); item != nil {
		return item.Value()
	}
	snapshot := kv.counters.Snapshot()
	var numKeys, numPeers int64
	for _, handle := range kv.areas {
		res, err := handle.env.DispatchWait(func(s *state.State) (any, error) {
			return [2]int64{int64(len(s.KvStore)), int64(len(Get[*Peers](s).Table))}, nil
		})
		if err != nil {
			continue
		}
		pair := res.([2]int64)
		numKeys += pair[0]
		numPeers += pair[1]
	}
	snapshot[state.CounterNumKeys] = numKeys
	snapshot[state.CounterNumPeers] = numPeers
	kv.countersCache.Set("global", snapshot, ttlcache.DefaultTTL)
	return snapshot
}

// notifyAreaSynced is called from area executors once their initial
// sync completes; the one-shot marker fires when the last area reports.
func (kv *KvStore) notifyAreaSynced(area string) {
	kv.syncedMu.Lock()
	defer kv.syncedMu.Unlock()
	kv.syncedAreas[area] = true
	if kv.initialSignalSent || len(kv.syncedAreas) < len(kv.cfg.Areas) {
		return
	}
	kv.initialSignalSent = true
	kv.log.Info("[Initialization] KVSTORE_SYNCED",
		"event", state.KvStoreSynced.String(),
		"node_name", kv.cfg.Id,
		"areas", len(kv.cfg.Areas))
	kv.queues.Updates.Push(state.KvStoreSynced)
}

// Stop shuts the store down: executors drain, reader fibers return and
// the outbound queues close.
func (kv *KvStore) Stop() {
	kv.cancel(errors.New("kvstore stopped"))
	kv.wg.Wait()
	if kv.eg != nil {
		kv.eg.Wait()
	}
	kv.countersCache.Stop()
	kv.queues.Updates.Close()
	kv.queues.SyncEvents.Close()
	if kv.queues.LogSamples != nil {
		kv.queues.LogSamples.Close()
	}
	kv.log.Info("kvstore stopped")
}
