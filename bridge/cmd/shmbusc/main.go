// Command shmbusc is the C-ABI entry point for this module's topic pattern,
// built with `go build -buildmode=c-shared`. It exposes raw, fixed-size byte
// messages only: a non-Go caller has no generics to hold the wire type, so
// callers are responsible for the same fixed-layout discipline Go's
// layoutcheck package enforces automatically.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"time"
	"unsafe"

	"github.com/irlab-shm/shmbus/bridge"
)

const defaultAttachTimeout = 2 * time.Second

//export shmbus_publisher_create
func shmbus_publisher_create(name *C.char, elemSize C.uint64_t, slotCount C.uint64_t) C.int64_t {
	h, err := bridge.CreatePublisher(C.GoString(name), uint64(elemSize), uint64(slotCount))
	if err != nil {
		return -1
	}
	return C.int64_t(h)
}

//export shmbus_publisher_publish
func shmbus_publisher_publish(handle C.int64_t, data unsafe.Pointer, length C.uint64_t) C.int {
	buf := C.GoBytes(data, C.int(length))
	if err := bridge.Publish(bridge.Handle(handle), buf); err != nil {
		return -1
	}
	return 0
}

//export shmbus_publisher_close
func shmbus_publisher_close(handle C.int64_t) C.int {
	if err := bridge.ClosePublisher(bridge.Handle(handle)); err != nil {
		return -1
	}
	return 0
}

//export shmbus_publisher_unlink
func shmbus_publisher_unlink(handle C.int64_t) C.int {
	if err := bridge.UnlinkPublisher(bridge.Handle(handle)); err != nil {
		return -1
	}
	return 0
}

//export shmbus_subscriber_create
func shmbus_subscriber_create(name *C.char) C.int64_t {
	h, err := bridge.CreateSubscriber(C.GoString(name), defaultAttachTimeout)
	if err != nil {
		return -1
	}
	return C.int64_t(h)
}

//export shmbus_subscriber_element_size
func shmbus_subscriber_element_size(handle C.int64_t) C.int64_t {
	size, err := bridge.ElementSize(bridge.Handle(handle))
	if err != nil {
		return -1
	}
	return C.int64_t(size)
}

// shmbus_subscriber_fetch copies the newest valid message into out, which
// the caller must size to at least shmbus_subscriber_element_size bytes.
// Returns 1 if a message was copied, 0 if none is currently available, -1
// on error.
//
//export shmbus_subscriber_fetch
func shmbus_subscriber_fetch(handle C.int64_t, out unsafe.Pointer, outLen C.uint64_t) C.int {
	dst := unsafe.Slice((*byte)(out), int(outLen))
	ok, err := bridge.Fetch(bridge.Handle(handle), dst)
	if err != nil {
		return -1
	}
	if !ok {
		return 0
	}
	return 1
}

//export shmbus_subscriber_close
func shmbus_subscriber_close(handle C.int64_t) C.int {
	if err := bridge.CloseSubscriber(bridge.Handle(handle)); err != nil {
		return -1
	}
	return 0
}

//export shmbus_segment_remove
func shmbus_segment_remove(name *C.char) C.int {
	if err := bridge.RemoveSegment(C.GoString(name)); err != nil {
		return -1
	}
	return 0
}

func main() {}
