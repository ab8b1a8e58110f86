package protocol

import (
	"errors"
	"fmt"

	"github.com/encodeous/strata/state"
	"google.golang.org/protobuf/encoding/protowire"
)

// Command selects the operation carried by a request envelope.
type Command int32

const (
	CmdKeySet       Command = 1
	CmdKeyDump      Command = 2
	CmdHashDump     Command = 3
	CmdDualMsg      Command = 4
	CmdFloodTopoSet Command = 5
	CmdKeyGet       Command = 6
	CmdStatus       Command = 7
)

func (c Command) String() string {
	switch c {
	case CmdKeySet:
		return "KEY_SET"
	case CmdKeyDump:
		return "KEY_DUMP"
	case CmdHashDump:
		return "HASH_DUMP"
	case CmdDualMsg:
		return "DUAL_MSG"
	case CmdFloodTopoSet:
		return "FLOOD_TOPO_SET"
	case CmdKeyGet:
		return "KEY_GET"
	case CmdStatus:
		return "STATUS"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}

// Request is the envelope of every kvstore operation.
//
// Field ids (stable, do not renumber):
//
//	1 command, 2 area,
//	3 keySetParams, 4 keyDumpParams, 5 floodTopoSetParams,
//	6 dualMessages, 7 keyGetParams
type Request struct {
	Cmd  Command
	Area string

	KeySet       *state.KeySetParams
	KeyDump      *state.KeyDumpParams
	FloodTopoSet *state.FloodTopoSetParams
	Dual         *state.DualMessages
	KeyGet       *state.KeyGetParams
}

// Response is the reply envelope.
//
// Field ids: 1 error, 2 publication.
type Response struct {
	Error       string
	Publication *state.Publication
}

var ErrMalformed = errors.New("malformed message")

func consumeError(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

//
// low-level field helpers
//

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

//
// Value
// 1 version, 2 originatorId, 3 payload (presence = ttl refresh vs
// update), 4 ttlMs, 5 ttlVersion, 6 hash (fixed64)
//

func marshalValue(b []byte, v state.Value) []byte {
	b = appendVarintField(b, 1, uint64(v.Version))
	b = appendStringField(b, 2, v.OriginatorId)
	if v.Payload != nil {
		b = appendBytesField(b, 3, v.Payload)
	}
	b = appendVarintField(b, 4, uint64(v.TtlMs))
	b = appendVarintField(b, 5, uint64(v.TtlVersion))
	b = appendFixed64Field(b, 6, uint64(v.Hash))
	return b
}

func unmarshalValue(b []byte) (state.Value, error) {
	var v state.Value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return v, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return v, consumeError(n)
			}
			v.Version = int64(x)
			b = b[n:]
		case 2:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return v, consumeError(n)
			}
			v.OriginatorId = s
			b = b[n:]
		case 3:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return v, consumeError(n)
			}
			// presence matters: an empty payload is a retraction
			// marker, a missing one is a ttl refresh
			v.Payload = append([]byte{}, raw...)
			b = b[n:]
		case 4:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return v, consumeError(n)
			}
			v.TtlMs = int64(x)
			b = b[n:]
		case 5:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return v, consumeError(n)
			}
			v.TtlVersion = int64(x)
			b = b[n:]
		case 6:
			x, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return v, consumeError(n)
			}
			v.Hash = int64(x)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return v, consumeError(n)
			}
			b = b[n:]
		}
	}
	return v, nil
}

//
// key-value entry: 1 key, 2 value
//

func appendKeyVals(b []byte, num protowire.Number, keyVals map[string]state.Value) []byte {
	for key, v := range keyVals {
		var entry []byte
		entry = appendStringField(entry, 1, key)
		entry = appendBytesField(entry, 2, marshalValue(nil, v))
		b = appendBytesField(b, num, entry)
	}
	return b
}

func unmarshalKeyVal(b []byte) (string, state.Value, error) {
	var key string
	var val state.Value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", val, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", val, consumeError(n)
			}
			key = s
			b = b[n:]
		case 2:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", val, consumeError(n)
			}
			v, err := unmarshalValue(raw)
			if err != nil {
				return "", val, err
			}
			val = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", val, consumeError(n)
			}
			b = b[n:]
		}
	}
	return key, val, nil
}

//
// Publication
// 1 area, 2 keyVals, 3 expiredKeys, 4 nodeIds, 5 tobeUpdatedKeys,
// 6 floodRootId, 7 timestampMs
//

func MarshalPublication(p *state.Publication) []byte {
	var b []byte
	b = appendStringField(b, 1, p.Area)
	b = appendKeyVals(b, 2, p.KeyVals)
	for _, key := range p.ExpiredKeys {
		b = appendStringField(b, 3, key)
	}
	for _, id := range p.NodeIds {
		b = appendStringField(b, 4, id)
	}
	for _, key := range p.TobeUpdatedKeys {
		b = appendStringField(b, 5, key)
	}
	if p.FloodRootId != nil {
		b = appendStringField(b, 6, *p.FloodRootId)
	}
	b = appendVarintField(b, 7, uint64(p.TimestampMs))
	return b
}

func UnmarshalPublication(b []byte) (*state.Publication, error) {
	p := &state.Publication{KeyVals: make(map[string]state.Value)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.Area = s
			b = b[n:]
		case 2:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			key, val, err := unmarshalKeyVal(raw)
			if err != nil {
				return nil, err
			}
			p.KeyVals[key] = val
			b = b[n:]
		case 3:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.ExpiredKeys = append(p.ExpiredKeys, s)
			b = b[n:]
		case 4:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.NodeIds = append(p.NodeIds, s)
			b = b[n:]
		case 5:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.TobeUpdatedKeys = append(p.TobeUpdatedKeys, s)
			b = b[n:]
		case 6:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.FloodRootId = &s
			b = b[n:]
		case 7:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.TimestampMs = int64(x)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

//
// KeySetParams
// 1 keyVals, 2 nodeIds, 3 floodRootId, 4 timestampMs, 5 senderId
//

func marshalKeySetParams(p *state.KeySetParams) []byte {
	var b []byte
	b = appendKeyVals(b, 1, p.KeyVals)
	for _, id := range p.NodeIds {
		b = appendStringField(b, 2, id)
	}
	if p.FloodRootId != nil {
		b = appendStringField(b, 3, *p.FloodRootId)
	}
	b = appendVarintField(b, 4, uint64(p.TimestampMs))
	b = appendStringField(b, 5, p.SenderId)
	return b
}

func unmarshalKeySetParams(b []byte) (*state.KeySetParams, error) {
	p := &state.KeySetParams{KeyVals: make(map[string]state.Value)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			key, val, err := unmarshalKeyVal(raw)
			if err != nil {
				return nil, err
			}
			p.KeyVals[key] = val
			b = b[n:]
		case 2:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.NodeIds = append(p.NodeIds, s)
			b = b[n:]
		case 3:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.FloodRootId = &s
			b = b[n:]
		case 4:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.TimestampMs = int64(x)
			b = b[n:]
		case 5:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.SenderId = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

//
// KeyDumpParams
// 1 keyPrefixes, 2 originatorIds, 3 operator, 4 keyValHashes,
// 5 senderId, 6 keyValHashesSet, 7 doNotPublishValue
//

func marshalKeyDumpParams(p *state.KeyDumpParams) []byte {
	var b []byte
	for _, prefix := range p.KeyPrefixes {
		b = appendStringField(b, 1, prefix)
	}
	for _, id := range p.OriginatorIds {
		b = appendStringField(b, 2, id)
	}
	b = appendVarintField(b, 3, uint64(p.Operator))
	b = appendKeyVals(b, 4, p.KeyValHashes)
	b = appendStringField(b, 5, p.SenderId)
	b = appendBoolField(b, 6, p.KeyValHashes != nil)
	b = appendBoolField(b, 7, p.DoNotPublishValue)
	return b
}

func unmarshalKeyDumpParams(b []byte) (*state.KeyDumpParams, error) {
	p := &state.KeyDumpParams{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.KeyPrefixes = append(p.KeyPrefixes, s)
			b = b[n:]
		case 2:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.OriginatorIds = append(p.OriginatorIds, s)
			b = b[n:]
		case 3:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.Operator = state.FilterOperator(x)
			b = b[n:]
		case 4:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			key, val, err := unmarshalKeyVal(raw)
			if err != nil {
				return nil, err
			}
			if p.KeyValHashes == nil {
				p.KeyValHashes = make(map[string]state.Value)
			}
			p.KeyValHashes[key] = val
			b = b[n:]
		case 5:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.SenderId = s
			b = b[n:]
		case 6:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			if x != 0 && p.KeyValHashes == nil {
				p.KeyValHashes = make(map[string]state.Value)
			}
			b = b[n:]
		case 7:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.DoNotPublishValue = x != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

//
// KeyGetParams: 1 keys
//

func marshalKeyGetParams(p *state.KeyGetParams) []byte {
	var b []byte
	for _, key := range p.Keys {
		b = appendStringField(b, 1, key)
	}
	return b
}

func unmarshalKeyGetParams(b []byte) (*state.KeyGetParams, error) {
	p := &state.KeyGetParams{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.Keys = append(p.Keys, s)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

//
// FloodTopoSetParams: 1 rootId, 2 srcId, 3 setChild, 4 allRoots
//

func marshalFloodTopoSetParams(p *state.FloodTopoSetParams) []byte {
	var b []byte
	b = appendStringField(b, 1, p.RootId)
	b = appendStringField(b, 2, p.SrcId)
	b = appendBoolField(b, 3, p.SetChild)
	b = appendBoolField(b, 4, p.AllRoots)
	return b
}

func unmarshalFloodTopoSetParams(b []byte) (*state.FloodTopoSetParams, error) {
	p := &state.FloodTopoSetParams{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.RootId = s
			b = b[n:]
		case 2:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.SrcId = s
			b = b[n:]
		case 3:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.SetChild = x != 0
			b = b[n:]
		case 4:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.AllRoots = x != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

//
// DualMessages: 1 srcId, 2 messages
//

func marshalDualMessages(p *state.DualMessages) []byte {
	var b []byte
	b = appendStringField(b, 1, p.SrcId)
	for _, msg := range p.Messages {
		b = appendBytesField(b, 2, msg)
	}
	return b
}

func unmarshalDualMessages(b []byte) (*state.DualMessages, error) {
	p := &state.DualMessages{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.SrcId = s
			b = b[n:]
		case 2:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p.Messages = append(p.Messages, append([]byte{}, raw...))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

//
// envelopes
//

func MarshalRequest(r *Request) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(r.Cmd))
	b = appendStringField(b, 2, r.Area)
	if r.KeySet != nil {
		b = appendBytesField(b, 3, marshalKeySetParams(r.KeySet))
	}
	if r.KeyDump != nil {
		b = appendBytesField(b, 4, marshalKeyDumpParams(r.KeyDump))
	}
	if r.FloodTopoSet != nil {
		b = appendBytesField(b, 5, marshalFloodTopoSetParams(r.FloodTopoSet))
	}
	if r.Dual != nil {
		b = appendBytesField(b, 6, marshalDualMessages(r.Dual))
	}
	if r.KeyGet != nil {
		b = appendBytesField(b, 7, marshalKeyGetParams(r.KeyGet))
	}
	return b
}

func UnmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			r.Cmd = Command(x)
			b = b[n:]
		case 2:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			r.Area = s
			b = b[n:]
		case 3:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p, err := unmarshalKeySetParams(raw)
			if err != nil {
				return nil, err
			}
			r.KeySet = p
			b = b[n:]
		case 4:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p, err := unmarshalKeyDumpParams(raw)
			if err != nil {
				return nil, err
			}
			r.KeyDump = p
			b = b[n:]
		case 5:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p, err := unmarshalFloodTopoSetParams(raw)
			if err != nil {
				return nil, err
			}
			r.FloodTopoSet = p
			b = b[n:]
		case 6:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p, err := unmarshalDualMessages(raw)
			if err != nil {
				return nil, err
			}
			r.Dual = p
			b = b[n:]
		case 7:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p, err := unmarshalKeyGetParams(raw)
			if err != nil {
				return nil, err
			}
			r.KeyGet = p
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

func MarshalResponse(r *Response) []byte {
	var b []byte
	b = appendStringField(b, 1, r.Error)
	if r.Publication != nil {
		b = appendBytesField(b, 2, MarshalPublication(r.Publication))
	}
	return b
}

func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, consumeError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			r.Error = s
			b = b[n:]
		case 2:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, consumeError(n)
			}
			p, err := UnmarshalPublication(raw)
			if err != nil {
				return nil, err
			}
			r.Publication = p
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, consumeError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}
