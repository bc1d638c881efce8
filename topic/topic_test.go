package topic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	A int32
	B int32
	C [5]byte
}

func uniqueTopic(t *testing.T) string {
	t.Helper()
	return "test_" + t.Name()
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	name := uniqueTopic(t)
	pub, err := NewPublisher[sample](name)
	require.NoError(t, err)
	defer pub.Unlink()

	sub, err := NewSubscriber[sample](name)
	require.NoError(t, err)
	defer sub.Close()

	want := sample{A: 1, B: 2, C: [5]byte{3, 4, 5, 6, 7}}
	require.NoError(t, pub.Publish(want))

	got, ok := sub.Subscribe()
	require.True(t, ok, "expected successful subscribe")
	assert.Equal(t, want, got)
}

func TestThreeSlotRotationRetainsLatest(t *testing.T) {
	name := uniqueTopic(t)
	pub, err := NewPublisher[int32](name, WithSlotCount(3))
	require.NoError(t, err)
	defer pub.Unlink()

	sub, err := NewSubscriber[int32](name)
	require.NoError(t, err)
	defer sub.Close()

	for _, v := range []int32{10, 20, 30, 40} {
		require.NoError(t, pub.Publish(v))
		got, ok := sub.Subscribe()
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestSubscribeBeforePublisherExists(t *testing.T) {
	name := uniqueTopic(t)
	sub, err := NewSubscriber[int32](name)
	require.NoError(t, err)
	defer sub.Close()

	_, ok := sub.Subscribe()
	assert.False(t, ok, "expected failure subscribing before any publisher exists")

	pub, err := NewPublisher[int32](name)
	require.NoError(t, err)
	defer pub.Unlink()

	require.NoError(t, pub.Publish(7))

	got, ok := sub.Subscribe()
	require.True(t, ok)
	assert.Equal(t, int32(7), got)
}

func TestReconnectAfterUnlink(t *testing.T) {
	name := uniqueTopic(t)

	pub1, err := NewPublisher[int32](name)
	require.NoError(t, err)
	sub, err := NewSubscriber[int32](name)
	require.NoError(t, err)
	require.NoError(t, pub1.Publish(100))

	got, ok := sub.Subscribe()
	require.True(t, ok)
	assert.Equal(t, int32(100), got)

	pub1.Unlink()
	sub.Close()

	pub2, err := NewPublisher[int32](name)
	require.NoError(t, err, "second NewPublisher")
	defer pub2.Unlink()

	require.NoError(t, pub2.Publish(200))

	sub2, err := NewSubscriber[int32](name)
	require.NoError(t, err, "second NewSubscriber")
	defer sub2.Close()

	got, ok = sub2.Subscribe()
	require.True(t, ok)
	assert.Equal(t, int32(200), got)
}

func TestWaitForBlocksUntilPublish(t *testing.T) {
	name := uniqueTopic(t)
	pub, err := NewPublisher[int32](name)
	require.NoError(t, err)
	defer pub.Unlink()

	sub, err := NewSubscriber[int32](name)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan bool, 1)
	go func() { done <- sub.WaitFor(2 * time.Second) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pub.Publish(42))

	select {
	case ok := <-done:
		assert.True(t, ok, "expected WaitFor to observe the publish")
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return")
	}
}

func TestRejectsPointerPayload(t *testing.T) {
	type hasPointer struct {
		P *int
	}
	_, err := NewPublisher[hasPointer](uniqueTopic(t))
	assert.Error(t, err, "expected error constructing a publisher over a pointer-containing type")
}

func TestVectorPublishSubscribeRoundTrip(t *testing.T) {
	name := uniqueTopic(t)
	pub, err := NewVectorPublisher[int32](name)
	require.NoError(t, err)
	defer pub.Unlink()

	sub, err := NewVectorSubscriber[int32](name)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.Publish([]int32{1, 2, 3}))
	got, ok := sub.Subscribe()
	require.True(t, ok, "expected successful subscribe")
	assert.Equal(t, []int32{1, 2, 3}, got)
}

func TestVectorResizeIsDestructiveAndRecoverable(t *testing.T) {
	name := uniqueTopic(t)
	pub, err := NewVectorPublisher[int32](name)
	require.NoError(t, err)
	defer pub.Unlink()

	sub, err := NewVectorSubscriber[int32](name)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.Publish([]int32{1, 2}), "publish short")
	_, ok := sub.Subscribe()
	require.True(t, ok, "expected successful subscribe on short vector")

	require.NoError(t, pub.Publish([]int32{1, 2, 3, 4, 5}), "publish long (resize)")

	var got []int32
	for i := 0; i < 50; i++ {
		got, ok = sub.Subscribe()
		if ok && len(got) == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, ok)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, got)
}

func TestVectorEmptyPayload(t *testing.T) {
	name := uniqueTopic(t)
	pub, err := NewVectorPublisher[int32](name)
	require.NoError(t, err)
	defer pub.Unlink()

	sub, err := NewVectorSubscriber[int32](name)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.Publish(nil))
	got, ok := sub.Subscribe()
	require.True(t, ok)
	assert.Empty(t, got)
}
