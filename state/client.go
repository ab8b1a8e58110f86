package state

import "context"

// KvClient is the outbound capability towards one peer's kvstore
// endpoint. The store is parameterized on this interface; test doubles
// implement it directly.
type KvClient interface {
	GetKvStoreKeyValsFiltered(ctx context.Context, area string, params KeyDumpParams) (*Publication, error)
	SetKvStoreKeyVals(ctx context.Context, area string, params KeySetParams) error
	UpdateFloodTopologyChild(ctx context.Context, area string, params FloodTopoSetParams) error
	ProcessDualMessages(ctx context.Context, area string, msgs DualMessages) error
	Status(ctx context.Context) error
	Close() error
}

// KeyValueRequest is a command for the self-originated store, consumed
// from the key-value requests queue.
type KeyValueRequest interface {
	RequestArea() string
}

// PersistKeyValueRequest advertises a key and keeps it refreshed until
// unset or erased.
type PersistKeyValueRequest struct {
	Area    string
	Key     string
	Payload []byte
}

func (r PersistKeyValueRequest) RequestArea() string { return r.Area }

// SetKeyValueRequest advertises a key once with a caller-chosen version
// (0 selects the next free version).
type SetKeyValueRequest struct {
	Area    string
	Key     string
	Payload []byte
	Version int64
}

func (r SetKeyValueRequest) RequestArea() string { return r.Area }

// UnsetKeyValueRequest advertises a final replacement value and stops
// refreshing the key.
type UnsetKeyValueRequest struct {
	Area    string
	Key     string
	Payload []byte
}

func (r UnsetKeyValueRequest) RequestArea() string { return r.Area }

// EraseKeyValueRequest drops the key from the self-originated cache
// without advertising anything.
type EraseKeyValueRequest struct {
	Area string
	Key  string
}

func (r EraseKeyValueRequest) RequestArea() string { return r.Area }
