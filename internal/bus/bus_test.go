package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

func TestObservationBus_DeliversToAllSubscribers(t *testing.T) {
	b := NewObservationBus(4)
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	obs := v1.Observation{DeviceID: "D1", ChannelNumber: 0}
	b.Publish(obs)

	require.Len(t, ch1, 1)
	require.Len(t, ch2, 1)
	assert.Equal(t, obs, <-ch1)
	assert.Equal(t, obs, <-ch2)
}

func TestObservationBus_DropsOldestWhenFull(t *testing.T) {
	b := NewObservationBus(2)
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(v1.Observation{DeviceID: "D1", ChannelNumber: i})
	}

	require.Len(t, ch, 2)
	first := <-ch
	second := <-ch
	// the oldest three (channel 0, 1, 2) were dropped; 3 and 4 survive.
	assert.Equal(t, 3, first.ChannelNumber)
	assert.Equal(t, 4, second.ChannelNumber)
}

func TestObservationBus_PreservesPerChannelOrder(t *testing.T) {
	b := NewObservationBus(16)
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(v1.Observation{DeviceID: "D1", ChannelNumber: 0, Raw: v1.RawValue{Frame: string(rune('a' + i))}})
	}

	for i := 0; i < 5; i++ {
		obs := <-ch
		assert.Equal(t, string(rune('a'+i)), obs.Raw.Frame)
	}
}

func TestObservationBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewObservationBus(4)
	ch, unsub := b.Subscribe()
	unsub()

	_, open := <-ch
	assert.False(t, open)
}

func TestHealthBus_DeliversSnapshot(t *testing.T) {
	b := NewHealthBus(4)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	h := v1.DeviceHealth{DeviceID: "D1", Status: v1.HealthStatusOnline}
	b.Publish(h)

	<-sub.Notify()
	got, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestHealthBus_LatestPerDeviceOverwritesQueuedEntry(t *testing.T) {
	b := NewHealthBus(4)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(v1.DeviceHealth{DeviceID: "D1", Status: v1.HealthStatusWarning, ConsecutiveFailures: 1})
	b.Publish(v1.DeviceHealth{DeviceID: "D1", Status: v1.HealthStatusOnline, ConsecutiveFailures: 0})

	got, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, v1.HealthStatusOnline, got.Status)

	_, ok = sub.Recv()
	assert.False(t, ok, "only one entry should remain queued for D1")
}

func TestHealthBus_EvictsOldestDeviceWhenOverCapacity(t *testing.T) {
	b := NewHealthBus(2)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(v1.DeviceHealth{DeviceID: "D1", Status: v1.HealthStatusOnline})
	b.Publish(v1.DeviceHealth{DeviceID: "D2", Status: v1.HealthStatusOnline})
	b.Publish(v1.DeviceHealth{DeviceID: "D3", Status: v1.HealthStatusOnline})

	first, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "D2", first.DeviceID, "D1 was evicted as the oldest distinct device")

	second, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "D3", second.DeviceID)
}

func TestHealthBus_NotifyDoesNotBlockOnMultiplePublishes(t *testing.T) {
	b := NewHealthBus(4)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(v1.DeviceHealth{DeviceID: "D1", Status: v1.HealthStatusOnline})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked unexpectedly")
	}
}
