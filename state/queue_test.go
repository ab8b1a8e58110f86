package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicateQueueFanOut(t *testing.T) {
	q := NewReplicateQueue[int]()
	r1 := q.GetReader()
	r2 := q.GetReader()
	assert.Equal(t, 2, q.NumReaders())

	q.Push(7)
	q.Push(8)

	assert.Equal(t, 7, <-r1)
	assert.Equal(t, 8, <-r1)
	assert.Equal(t, 7, <-r2)
	assert.Equal(t, 8, <-r2)
}

func TestReplicateQueueLateReader(t *testing.T) {
	q := NewReplicateQueue[string]()
	r1 := q.GetReader()
	q.Push("early")

	r2 := q.GetReader()
	q.Push("late")

	assert.Equal(t, "early", <-r1)
	assert.Equal(t, "late", <-r1)
	// the late reader only observes items pushed after registration
	assert.Equal(t, "late", <-r2)
}

func TestReplicateQueueClose(t *testing.T) {
	q := NewReplicateQueue[int]()
	r := q.GetReader()
	q.Push(1)
	q.Close()

	v, ok := <-r
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = <-r
	assert.False(t, ok)

	// pushes and registrations after close are inert
	q.Push(2)
	late := q.GetReader()
	_, ok = <-late
	assert.False(t, ok)
}
