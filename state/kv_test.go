package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateHashDeterministic(t *testing.T) {
	h1 := GenerateHash(1, "node-a", []byte("payload"))
	h2 := GenerateHash(1, "node-a", []byte("payload"))
	assert.Equal(t, h1, h2)

	assert.NotEqual(t, h1, GenerateHash(2, "node-a", []byte("payload")))
	assert.NotEqual(t, h1, GenerateHash(1, "node-b", []byte("payload")))
	assert.NotEqual(t, h1, GenerateHash(1, "node-a", []byte("other")))
	// absent and empty payloads fingerprint differently
	assert.NotEqual(t, GenerateHash(1, "node-a", nil), GenerateHash(1, "node-a", []byte{}))
}

func TestEnsureHash(t *testing.T) {
	v := Value{Version: 1, OriginatorId: "a", Payload: []byte("x")}
	v.EnsureHash()
	assert.NotZero(t, v.Hash)

	// ttl refreshes carry no payload and no fingerprint
	refresh := Value{Version: 1, OriginatorId: "a"}
	refresh.EnsureHash()
	assert.Zero(t, refresh.Hash)
}

func TestValidTtl(t *testing.T) {
	assert.True(t, ValidTtl(1))
	assert.True(t, ValidTtl(30000))
	assert.True(t, ValidTtl(TtlInfinity))
	assert.False(t, ValidTtl(0))
	assert.False(t, ValidTtl(-1))
}

func TestCompareValues(t *testing.T) {
	base := Value{Version: 2, OriginatorId: "b", Payload: []byte("p"), TtlVersion: 1}

	higherVersion := base
	higherVersion.Version = 3
	cmp, ok := CompareValues(higherVersion, base)
	assert.True(t, ok)
	assert.Equal(t, 1, cmp)

	lowerOriginator := base
	lowerOriginator.OriginatorId = "a"
	cmp, ok = CompareValues(lowerOriginator, base)
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)

	higherPayload := base
	higherPayload.Payload = []byte("q")
	cmp, ok = CompareValues(higherPayload, base)
	assert.True(t, ok)
	assert.Equal(t, 1, cmp)

	higherTtlVersion := base
	higherTtlVersion.TtlVersion = 5
	cmp, ok = CompareValues(higherTtlVersion, base)
	assert.True(t, ok)
	assert.Equal(t, 1, cmp)

	cmp, ok = CompareValues(base, base)
	assert.True(t, ok)
	assert.Equal(t, 0, cmp)
}

// digests with differing fingerprints and no payloads cannot be ordered
func TestCompareValuesUnknown(t *testing.T) {
	a := Value{Version: 2, OriginatorId: "x", Hash: 111}
	b := Value{Version: 2, OriginatorId: "x", Hash: 222}
	_, ok := CompareValues(a, b)
	assert.False(t, ok)
}

func TestPublicationSenderId(t *testing.T) {
	p := &Publication{}
	assert.Equal(t, "", p.SenderId())
	p.NodeIds = []string{"a", "b"}
	assert.Equal(t, "b", p.SenderId())
}

func TestPeerSpecAddress(t *testing.T) {
	spec := PeerSpec{PeerAddr: "192.0.2.7", CtrlPort: 9090}
	assert.Equal(t, "192.0.2.7:9090", spec.Address())
}
