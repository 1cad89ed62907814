package observe

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"gemicons/gems"
)

func TestCompressConsecutiveAttr(t *testing.T) {
	got := Compress([]gems.Record{
		{Op: gems.OpAttr, NodeID: 7, Name: "style", Value: "a"},
		{Op: gems.OpAttr, NodeID: 7, Name: "style", Value: "b"},
		{Op: gems.OpAttr, NodeID: 7, Name: "style", Value: "c"},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Value)
}

func TestCompressMixed(t *testing.T) {
	got := Compress([]gems.Record{
		{Op: gems.OpAttr, NodeID: 1, Name: "class", Value: "a"},
		{Op: gems.OpAttr, NodeID: 1, Name: "class", Value: "b"},
		{Op: gems.OpInsert, NodeID: 2},
		{Op: gems.OpText, NodeID: 3, Value: "x"},
		{Op: gems.OpText, NodeID: 3, Value: "y"},
		{Op: gems.OpAttr, NodeID: 1, Name: "style", Value: "s"},
		{Op: gems.OpRemove, NodeID: 4},
		{Op: gems.OpRemove, NodeID: 4},
	})
	require.Len(t, got, 6)
	assert.Equal(t, "b", got[0].Value)
	assert.Equal(t, gems.OpInsert, got[1].Op)
	assert.Equal(t, "y", got[2].Value)
	assert.Equal(t, "style", got[3].Name)
	assert.Equal(t, gems.OpRemove, got[4].Op)
	assert.Equal(t, gems.OpRemove, got[5].Op)
}

func TestCompressSmall(t *testing.T) {
	assert.Nil(t, Compress(nil))
	assert.Len(t, Compress([]gems.Record{{Op: gems.OpAttr}}), 1)
}

type collector struct {
	mu      sync.Mutex
	batches []gems.Batch
}

func (c *collector) add(b gems.Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
}

func (c *collector) snapshot() []gems.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gems.Batch(nil), c.batches...)
}

func TestDebouncerWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c collector
	d := New(Config{Window: 20 * time.Millisecond}, c.add, zaptest.NewLogger(t))
	defer d.Stop()

	d.Push(gems.Record{Op: gems.OpAttr, NodeID: 1, Name: "style", Value: "a"})
	d.Push(gems.Record{Op: gems.OpAttr, NodeID: 1, Name: "style", Value: "b"})
	d.Push(gems.Record{Op: gems.OpInsert, NodeID: 2})

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	b := c.snapshot()[0]
	assert.Equal(t, uint64(1), b.Seq)
	assert.Len(t, b.Records, 2)
	assert.NotZero(t, b.Timestamp)
	_, err := uuid.Parse(b.ID)
	assert.NoError(t, err)
}

func TestDebouncerMaxBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c collector
	d := New(Config{Window: time.Hour, MaxBuffer: 3}, c.add, zaptest.NewLogger(t))
	defer d.Stop()

	for i := int64(0); i < 3; i++ {
		d.Push(gems.Record{Op: gems.OpInsert, NodeID: i})
	}
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, c.snapshot()[0].Records, 3)
}

func TestDebouncerStopFlushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c collector
	d := New(Config{Window: time.Hour}, c.add, zaptest.NewLogger(t))
	d.Push(gems.Record{Op: gems.OpDocReset})
	d.Stop()
	d.Stop()

	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, gems.OpDocReset, got[0].Records[0].Op)

	d.Push(gems.Record{Op: gems.OpInsert})
	assert.Len(t, c.snapshot(), 1)
}
