// Package align computes shared-memory field offsets deterministically from
// (element size, slot count) alone, so a writer and a reader in different
// processes derive byte-identical layouts without exchanging anything but a name.
package align

// Floor is the minimum alignment applied to every field: an 8-byte floor
// keeps every offset safe on strict-alignment architectures, and it is
// harmless, and simpler, to apply it everywhere.
const Floor = 8

// Up rounds offset up to the next multiple of Floor.
func Up(offset uint64) uint64 {
	return (offset + Floor - 1) &^ (Floor - 1)
}

// RingLayout describes the byte offsets of every field in a RingBuffer control
// block plus data area, for a ring holding slotCount slots of elementSize bytes.
type RingLayout struct {
	InitFlagOff  uint64
	CondOff      uint64
	ElemSizeOff  uint64
	SlotCountOff uint64
	ExpiryOff    uint64
	TimestampOff uint64
	DataOff      uint64
	Total        uint64

	ElementSize uint64
	SlotCount   uint64
}

// Ring computes the layout of a RingBuffer control block for the given element
// size and slot count. The result is a pure function of its two arguments;
// calling it twice with the same arguments, in different processes, yields
// identical offsets.
func Ring(elementSize, slotCount uint64) RingLayout {
	var off uint64

	initFlagOff := off
	off += 4 // init_flag (uint32)

	off = Up(off)
	condOff := off
	off += 4 // cond generation counter (uint32, doubles as the futex word)

	off = Up(off)
	elemSizeOff := off
	off += 8 // element_size (uint64)

	off = Up(off)
	slotCountOff := off
	off += 8 // slot_count (uint64)

	off = Up(off)
	expiryOff := off
	off += 8 // expiry_us (uint64)

	off = Up(off)
	timestampOff := off
	off += 8 * slotCount // timestamps[slotCount] (uint64 each)

	off = Up(off)
	dataOff := off
	off += elementSize * slotCount

	return RingLayout{
		InitFlagOff:  initFlagOff,
		CondOff:      condOff,
		ElemSizeOff:  elemSizeOff,
		SlotCountOff: slotCountOff,
		ExpiryOff:    expiryOff,
		TimestampOff: timestampOff,
		DataOff:      dataOff,
		Total:        Up(off),
		ElementSize:  elementSize,
		SlotCount:    slotCount,
	}
}

// ChannelLayout describes the byte offsets of a two-directional request/response
// control block, shared by the service and action components. Action extends it
// with a feedback region, status word, and cancel timestamp.
type ChannelLayout struct {
	ReqCondOff    uint64
	ReqTSOff      uint64
	ReqPayloadOff uint64

	ResCondOff    uint64
	ResTSOff      uint64
	ResPayloadOff uint64

	FeedbackOff  uint64
	StatusOff    uint64
	CancelTSOff  uint64
	Total        uint64
}

// Channel computes the layout of a request/response channel for the given
// request and response payload sizes. feedbackSize of 0 omits the feedback
// region entirely, yielding the plain two-slot service layout; a nonzero
// feedbackSize extends it with the action-specific fields.
func Channel(reqSize, resSize, feedbackSize uint64) ChannelLayout {
	var off uint64

	off = Up(off)
	reqCondOff := off
	off += 4

	off = Up(off)
	reqTSOff := off
	off += 8

	off = Up(off)
	reqPayloadOff := off
	off += reqSize

	off = Up(off)
	resCondOff := off
	off += 4

	off = Up(off)
	resTSOff := off
	off += 8

	off = Up(off)
	resPayloadOff := off
	off += resSize

	l := ChannelLayout{
		ReqCondOff:    reqCondOff,
		ReqTSOff:      reqTSOff,
		ReqPayloadOff: reqPayloadOff,
		ResCondOff:    resCondOff,
		ResTSOff:      resTSOff,
		ResPayloadOff: resPayloadOff,
	}

	if feedbackSize > 0 {
		off = Up(off)
		l.FeedbackOff = off
		off += feedbackSize

		off = Up(off)
		l.StatusOff = off
		off += 4

		off = Up(off)
		l.CancelTSOff = off
		off += 8
	}

	l.Total = Up(off)
	return l
}
