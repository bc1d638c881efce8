package segment

import (
	"testing"
	"time"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	return "test_" + t.Name() + "_seg"
}

func TestCreateConnectDisconnectAndUnlink(t *testing.T) {
	name := uniqueName(t)
	s, err := Create(name, 4096, DefaultPerm)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(s.Bytes()) < 4096 {
		t.Fatalf("expected at least 4096 mapped bytes, got %d", len(s.Bytes()))
	}
	if !Exists(name, 0) {
		t.Fatalf("expected segment to exist immediately after Create")
	}
	if err := s.DisconnectAndUnlink(); err != nil {
		t.Fatalf("DisconnectAndUnlink: %v", err)
	}
	if Exists(name, 0) {
		t.Fatalf("expected segment to be gone after DisconnectAndUnlink")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	name := uniqueName(t)
	s, err := Create(name, 4096, DefaultPerm)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Unlink(name)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect should be a no-op: %v", err)
	}
	if !s.IsDisconnected() {
		t.Fatalf("expected IsDisconnected after Disconnect")
	}
}

func TestOpenNonexistentFails(t *testing.T) {
	if _, err := Open(uniqueName(t)); err == nil {
		t.Fatalf("expected error opening nonexistent segment")
	}
}

func TestExistsTimesOutWhenAbsent(t *testing.T) {
	start := time.Now()
	if Exists(uniqueName(t), 20*time.Millisecond) {
		t.Fatalf("did not expect segment to exist")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("Exists returned before its timeout elapsed")
	}
}
