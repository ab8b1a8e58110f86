package state

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
)

// KvModule is a component wired into an area's executor.
type KvModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// Env can be read from any goroutine.
type Env struct {
	Area            string
	DispatchChannel chan<- func(s *State) error
	LocalCfg
	KvConfig
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Log      *slog.Logger
	Clock    clock.Clock
	Counters *Counters

	UpdatesQueue *ReplicateQueue[KvStoreUpdate]
	EventsQueue  *ReplicateQueue[KvStoreSyncEvent]
}

// SelfOriginatedValue is a key this node advertises, with its
// advertisement and ttl-refresh backoffs.
type SelfOriginatedValue struct {
	Value      Value
	KeyBackoff *ExponentialBackoff
	TtlBackoff *ExponentialBackoff
}

// State access must be done only on the area's executor goroutine.
type State struct {
	*Env

	KvStore           map[string]Value
	SelfOriginated    map[string]*SelfOriginatedValue
	TtlCountdownQueue TtlCountdownQueue
	Modules           map[string]KvModule

	// InitialSyncCompleted is set once every peer of this area has
	// either reached INITIALIZED or recorded at least one rpc error.
	InitialSyncCompleted bool
	// OnInitialSynced notifies the process root so it can emit the
	// one-shot KVSTORE_SYNCED marker.
	OnInitialSynced func(area string)
}

// StoreFilters returns the configured store-wide filter, nil when
// unrestricted.
func (s *State) StoreFilters() *KvFilters {
	return s.KvConfig.Filters()
}
