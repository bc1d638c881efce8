package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueService(t *testing.T) string {
	t.Helper()
	return "test_" + t.Name()
}

func TestCallMultiply(t *testing.T) {
	name := uniqueService(t)
	srv, err := NewServer[int32, int32](name, func(x int32) int32 { return x * 2 })
	require.NoError(t, err)
	defer srv.Unlink()

	cli, err := NewClient[int32, int32](name)
	require.NoError(t, err)
	defer cli.Close()

	for _, x := range []int32{1, 2, 3, 4, 5} {
		got, err := cli.Call(x, 500*time.Millisecond)
		require.NoError(t, err, "Call(%d)", x)
		assert.Equal(t, x*2, got)
	}
}

func TestCallTimeoutWithNoServer(t *testing.T) {
	name := uniqueService(t)
	srv, err := NewServer[int32, int32](name, func(x int32) int32 { return x })
	require.NoError(t, err)
	// Stop the dispatch loop but keep the segment so Call reaches the wait
	// path and times out rather than failing at connect.
	close(srv.shutdown)
	srv.ch.reqCond.Broadcast()
	<-srv.done
	defer srv.seg.DisconnectAndUnlink()

	cli, err := NewClient[int32, int32](name)
	require.NoError(t, err)
	defer cli.Close()

	start := time.Now()
	_, err = cli.Call(1, 50*time.Millisecond)
	require.Error(t, err, "expected timeout error")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "Call returned before its timeout elapsed")
}

func TestCooperativeShutdownJoinsDispatchLoop(t *testing.T) {
	name := uniqueService(t)
	srv, err := NewServer[int32, int32](name, func(x int32) int32 { return x + 1 })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		srv.Unlink()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unlink did not return: cooperative shutdown likely stuck")
	}
}

func TestConcurrentCallsAreServedSequentially(t *testing.T) {
	name := uniqueService(t)
	srv, err := NewServer[int32, int32](name, func(x int32) int32 {
		time.Sleep(5 * time.Millisecond)
		return x * x
	})
	require.NoError(t, err)
	defer srv.Unlink()

	const n = 5
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		i := i
		go func() {
			cli, err := NewClient[int32, int32](name)
			if err != nil {
				errs <- err
				return
			}
			defer cli.Close()
			got, err := cli.Call(int32(i), time.Second)
			if err != nil {
				errs <- err
				return
			}
			if got != int32(i*i) {
				errs <- err
			}
			errs <- nil
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs, "concurrent call failed")
	}
}
