package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/types"
)

func rec(tag string, tsMs int64) types.Sample {
	return types.Sample{Source: "plc-main", Tag: tag, TimestampMs: tsMs, Table: types.TablePLC}
}

func TestFifoDropOldest(t *testing.T) {
	f := newFifo(3, config.OverflowDropOldest)

	assert.False(t, f.push(rec("a", 1)))
	assert.False(t, f.push(rec("b", 2)))
	assert.False(t, f.push(rec("c", 3)))
	assert.True(t, f.push(rec("d", 4)))

	got := f.take(0)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Tag)
	assert.Equal(t, "c", got[1].Tag)
	assert.Equal(t, "d", got[2].Tag)
}

func TestFifoDropNewest(t *testing.T) {
	f := newFifo(2, config.OverflowDropNewest)

	f.push(rec("a", 1))
	f.push(rec("b", 2))
	assert.True(t, f.push(rec("c", 3)))

	got := f.take(0)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Tag)
	assert.Equal(t, "b", got[1].Tag)
}

func TestFifoBlockWaitsForRoom(t *testing.T) {
	f := newFifo(1, config.OverflowBlock)
	f.push(rec("a", 1))

	done := make(chan bool, 1)
	go func() {
		done <- f.push(rec("b", 2))
	}()

	select {
	case <-done:
		t.Fatal("push returned before room was available")
	case <-time.After(50 * time.Millisecond):
	}

	got := f.take(1)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Tag)

	select {
	case dropped := <-done:
		assert.False(t, dropped)
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after take")
	}
	assert.Equal(t, 1, f.len())
}

func TestFifoDrainReleasesBlockedProducer(t *testing.T) {
	f := newFifo(1, config.OverflowBlock)
	f.push(rec("a", 1))

	done := make(chan bool, 1)
	go func() {
		done <- f.push(rec("b", 2))
	}()

	time.Sleep(20 * time.Millisecond)
	f.drain()

	select {
	case dropped := <-done:
		assert.True(t, dropped)
	case <-time.After(time.Second):
		t.Fatal("drain did not release the blocked producer")
	}
}

func TestFifoTakeBatches(t *testing.T) {
	f := newFifo(10, config.OverflowDropOldest)
	for i := 0; i < 5; i++ {
		f.push(rec("a", int64(i)))
	}

	first := f.take(2)
	require.Len(t, first, 2)
	assert.Equal(t, int64(0), first[0].TimestampMs)
	assert.Equal(t, int64(1), first[1].TimestampMs)

	rest := f.take(0)
	require.Len(t, rest, 3)
	assert.Equal(t, int64(2), rest[0].TimestampMs)
	assert.Equal(t, 0, f.len())
}

func TestFifoRequeuePutsBatchAtHead(t *testing.T) {
	f := newFifo(5, config.OverflowDropOldest)
	f.push(rec("queued", 10))

	overflow := f.requeue([]types.Sample{rec("failed", 1), rec("failed", 2)})
	assert.Empty(t, overflow)

	got := f.take(0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].TimestampMs)
	assert.Equal(t, int64(2), got[1].TimestampMs)
	assert.Equal(t, int64(10), got[2].TimestampMs)
}

func TestFifoRequeueOverflowReturnsRemainder(t *testing.T) {
	f := newFifo(2, config.OverflowDropOldest)
	f.push(rec("queued", 10))

	overflow := f.requeue([]types.Sample{rec("failed", 1), rec("failed", 2), rec("failed", 3)})
	require.Len(t, overflow, 2)
	assert.Equal(t, int64(2), overflow[0].TimestampMs)
	assert.Equal(t, 2, f.len())
}
