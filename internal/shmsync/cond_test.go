package shmsync

import (
	"testing"
	"time"
)

func TestCondWaitTimeout(t *testing.T) {
	var word uint32
	c := At(&word)
	gen := c.Generation()
	err := c.Wait(gen, time.Now().Add(20*time.Millisecond))
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCondBroadcastWakesWaiter(t *testing.T) {
	var word uint32
	c := At(&word)
	gen := c.Generation()

	done := make(chan error, 1)
	go func() {
		done <- c.Wait(gen, time.Now().Add(2*time.Second))
	}()

	time.Sleep(20 * time.Millisecond)
	c.Broadcast()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not wake waiter")
	}
}
