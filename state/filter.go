package state

import "strings"

// FilterOperator combines the key-prefix and originator matches of a
// filter.
type FilterOperator int32

const (
	FilterOr FilterOperator = iota
	FilterAnd
)

// KvFilters selects key-values by key prefix and/or originator. An
// empty prefix list or originator set places no restriction: under AND
// it matches everything, under OR only the non-empty criterion decides,
// and a filter with both empty matches every key-value.
type KvFilters struct {
	keyPrefixes   []string
	originatorIds map[string]struct{}
	operator      FilterOperator
}

func NewKvFilters(keyPrefixes []string, originatorIds []string, operator FilterOperator) *KvFilters {
	f := &KvFilters{
		keyPrefixes:   keyPrefixes,
		originatorIds: make(map[string]struct{}, len(originatorIds)),
		operator:      operator,
	}
	for _, id := range originatorIds {
		f.originatorIds[id] = struct{}{}
	}
	return f
}

func (f *KvFilters) KeyPrefixes() []string {
	return f.keyPrefixes
}

func (f *KvFilters) OriginatorIds() []string {
	ids := make([]string, 0, len(f.originatorIds))
	for id := range f.originatorIds {
		ids = append(ids, id)
	}
	return ids
}

func (f *KvFilters) Operator() FilterOperator {
	return f.operator
}

func (f *KvFilters) keyMatch(key string) bool {
	if len(f.keyPrefixes) == 0 {
		return true
	}
	for _, prefix := range f.keyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (f *KvFilters) originatorMatch(v Value) bool {
	if len(f.originatorIds) == 0 {
		return true
	}
	_, ok := f.originatorIds[v.OriginatorId]
	return ok
}

// Match reports whether (key, v) passes the filter.
func (f *KvFilters) Match(key string, v Value) bool {
	if f == nil {
		return true
	}
	if f.operator == FilterAnd {
		return f.keyMatch(key) && f.originatorMatch(v)
	}
	if len(f.keyPrefixes) == 0 && len(f.originatorIds) == 0 {
		return true
	}
	return (len(f.keyPrefixes) > 0 && f.keyMatch(key)) ||
		(len(f.originatorIds) > 0 && f.originatorMatch(v))
}
