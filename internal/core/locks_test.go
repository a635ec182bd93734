package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFileLocks_SerializesPerFile(t *testing.T) {
	locks := NewFileLocks()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("f1")
			defer unlock()

			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, locks.Len())
}

func TestFileLocks_IndependentFiles(t *testing.T) {
	locks := NewFileLocks()

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	assert.Equal(t, 2, locks.Len())

	unlockA()
	unlockA() // second call is a no-op
	unlockB()
	assert.Zero(t, locks.Len())
}

func TestListeners_PanicDoesNotStopDelivery(t *testing.T) {
	ls := newListeners[int]("test", zaptest.NewLogger(t))

	var got []int
	ls.add(func(int) { panic("bad listener") })
	unsubscribe := ls.add(func(v int) { got = append(got, v) })

	ls.notify(1)
	unsubscribe()
	ls.notify(2)

	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 1, ls.len())
}

func TestStaticMonitor_NotifiesOnChangeOnly(t *testing.T) {
	m := NewStaticMonitor(true)

	var got []bool
	m.Subscribe(func(v bool) { got = append(got, v) })

	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)

	assert.Equal(t, []bool{false, true}, got)
	assert.True(t, m.IsConnected(context.Background()))
}

func TestProbeMonitor_FirstProbeIsSilent(t *testing.T) {
	m := NewProbeMonitor("example.invalid:443", time.Hour, time.Second, zaptest.NewLogger(t))

	var up atomic.Bool
	m.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		if !up.Load() {
			return nil, errors.New("unreachable")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	var got []bool
	m.Subscribe(func(v bool) { got = append(got, v) })

	assert.False(t, m.IsConnected(context.Background()))
	assert.Empty(t, got)

	up.Store(true)
	m.check(context.Background())
	m.check(context.Background())

	require.Equal(t, []bool{true}, got)
	assert.True(t, m.IsConnected(context.Background()))
}
