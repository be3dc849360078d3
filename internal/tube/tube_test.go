package tube

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/warden/internal/fnwlist"
)

var (
	mu       sync.Mutex
	received []string
)

func testListen(msg []byte, arg any) {
	mu.Lock()
	defer mu.Unlock()
	received = append(received, string(msg))
}

func init() {
	fnwlist.Register(fnwlist.TubeListen, testListen)
}

func TestDeliveryInOrder(t *testing.T) {
	mu.Lock()
	received = nil
	mu.Unlock()

	tb := New(8)
	tb.Listen(context.Background(), testListen, nil)

	require.NoError(t, tb.Send([]byte("a")))
	require.NoError(t, tb.Send([]byte("b")))
	require.NoError(t, tb.Send([]byte("c")))
	tb.Close()
	tb.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, received)
}

func TestSendAfterClose(t *testing.T) {
	tb := New(1)
	tb.Listen(context.Background(), testListen, nil)
	tb.Close()
	assert.ErrorIs(t, tb.Send([]byte("late")), ErrClosed)
	tb.Wait()
}

func TestContextCancelStopsListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tb := New(1)
	tb.Listen(ctx, testListen, nil)
	cancel()

	done := make(chan struct{})
	go func() {
		tb.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on context cancel")
	}
}

func TestCloseReleasesBlockedSender(t *testing.T) {
	// No listener and no buffer: the sender parks on the channel.
	tb := New(0)
	sent := make(chan error, 1)
	go func() { sent <- tb.Send([]byte("x")) }()
	time.Sleep(20 * time.Millisecond)

	require.NotPanics(t, tb.Close)
	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked sender was not released by Close")
	}
}

func TestConcurrentSendersSurviveClose(t *testing.T) {
	tb := New(4)
	tb.Listen(context.Background(), testListen, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := tb.Send([]byte("m")); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}()
	}
	tb.Close()
	wg.Wait()
	tb.Wait()
}

func TestListenTwicePanics(t *testing.T) {
	tb := New(1)
	tb.Listen(context.Background(), testListen, nil)
	assert.Panics(t, func() { tb.Listen(context.Background(), testListen, nil) })
	tb.Close()
	tb.Wait()
}
