package ring

import (
	"testing"
	"time"
)

func newTestRing(t *testing.T, elementSize, slotCount uint64) *RingBuffer {
	t.Helper()
	mem := make([]byte, Size(elementSize, slotCount))
	r, err := InitializeAsWriter(mem, elementSize, slotCount, nil)
	if err != nil {
		t.Fatalf("InitializeAsWriter: %v", err)
	}
	return r
}

func TestPublishThenReadRoundTrip(t *testing.T) {
	r := newTestRing(t, 8, 3)
	payload := []byte("abcdefgh")
	if _, err := r.Publish(payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	dst := make([]byte, 8)
	if _, ok := r.Read(dst); !ok {
		t.Fatalf("expected a readable slot")
	}
	if string(dst) != "abcdefgh" {
		t.Fatalf("got %q, want %q", dst, "abcdefgh")
	}
}

func TestNewestSlotEmptyRingHasNoData(t *testing.T) {
	r := newTestRing(t, 4, 3)
	if _, _, ok := r.NewestSlot(); ok {
		t.Fatalf("expected no data on a freshly initialized ring")
	}
}

func TestThreeSlotRotationKeepsLastThree(t *testing.T) {
	r := newTestRing(t, 4, 3)
	values := []uint32{10, 20, 30, 40}
	for _, v := range values {
		buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		if _, err := r.Publish(buf); err != nil {
			t.Fatalf("Publish(%d): %v", v, err)
		}
		dst := make([]byte, 4)
		if _, ok := r.Read(dst); !ok {
			t.Fatalf("expected readable slot after publishing %d", v)
		}
		got := uint32(dst[0]) | uint32(dst[1])<<8 | uint32(dst[2])<<16 | uint32(dst[3])<<24
		if got != v {
			t.Fatalf("after publishing %d, read back %d", v, got)
		}
	}
}

func TestClaimSlotFailsOnMismatch(t *testing.T) {
	r := newTestRing(t, 4, 1)
	if r.ClaimSlot(0, 999) {
		t.Fatalf("expected claim to fail against a stale expected value")
	}
}

func TestWaitForUpdateWakesOnPublish(t *testing.T) {
	r := newTestRing(t, 4, 3)
	done := make(chan bool, 1)
	go func() {
		done <- r.WaitForUpdate(0, time.Now().Add(2*time.Second))
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Publish([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected WaitForUpdate to observe the publish")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForUpdate did not return after publish")
	}
}

func TestWaitForUpdateTimesOut(t *testing.T) {
	r := newTestRing(t, 4, 3)
	if r.WaitForUpdate(0, time.Now().Add(20*time.Millisecond)) {
		t.Fatalf("expected timeout with no publisher")
	}
}

func TestAttachAsReaderSeesWriterState(t *testing.T) {
	mem := make([]byte, Size(8, 3))
	writer, err := InitializeAsWriter(mem, 8, 3, nil)
	if err != nil {
		t.Fatalf("InitializeAsWriter: %v", err)
	}
	if _, err := writer.Publish([]byte("readerok")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reader, err := AttachAsReader(mem, nil)
	if err != nil {
		t.Fatalf("AttachAsReader: %v", err)
	}
	dst := make([]byte, 8)
	if _, ok := reader.Read(dst); !ok {
		t.Fatalf("expected reader to see the writer's published slot")
	}
	if string(dst) != "readerok" {
		t.Fatalf("got %q", dst)
	}
}

func TestPublishRejectsWrongSize(t *testing.T) {
	r := newTestRing(t, 4, 3)
	if _, err := r.Publish([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error publishing mismatched payload size")
	}
}

func TestExpiryZeroDisablesStaleness(t *testing.T) {
	r := newTestRing(t, 4, 1)
	r.SetExpiry(0)
	if _, err := r.Publish([]byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, _, ok := r.NewestSlot(); !ok {
		t.Fatalf("expected data to remain valid with expiry disabled")
	}
}
