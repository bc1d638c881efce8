package align

import "testing"

func TestRingDeterministic(t *testing.T) {
	a := Ring(64, 3)
	b := Ring(64, 3)
	if a != b {
		t.Fatalf("Ring(64,3) not deterministic: %+v vs %+v", a, b)
	}
}

func TestRingOffsetsMonotonic(t *testing.T) {
	l := Ring(32, 4)
	offs := []uint64{l.InitFlagOff, l.CondOff, l.ElemSizeOff, l.SlotCountOff, l.ExpiryOff, l.TimestampOff, l.DataOff}
	for i := 1; i < len(offs); i++ {
		if offs[i] < offs[i-1] {
			t.Fatalf("offsets not monotonic at %d: %v", i, offs)
		}
	}
	if l.Total < l.DataOff+l.ElementSize*l.SlotCount {
		t.Fatalf("total %d too small for data area end %d", l.Total, l.DataOff+l.ElementSize*l.SlotCount)
	}
}

func TestUpAlignsToFloor(t *testing.T) {
	for _, off := range []uint64{0, 1, 7, 8, 9, 63, 64} {
		got := Up(off)
		if got%Floor != 0 {
			t.Fatalf("Up(%d) = %d not aligned to %d", off, got, Floor)
		}
		if got < off {
			t.Fatalf("Up(%d) = %d is less than input", off, got)
		}
	}
}

func TestChannelWithAndWithoutFeedback(t *testing.T) {
	plain := Channel(16, 16, 0)
	if plain.FeedbackOff != 0 || plain.StatusOff != 0 {
		t.Fatalf("plain channel should not allocate feedback/status: %+v", plain)
	}

	withFeedback := Channel(16, 16, 8)
	if withFeedback.FeedbackOff == 0 {
		t.Fatalf("expected nonzero feedback offset")
	}
	if withFeedback.Total <= plain.Total {
		t.Fatalf("expected larger total with feedback region: %d vs %d", withFeedback.Total, plain.Total)
	}
}
