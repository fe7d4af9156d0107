package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/build-broker/models"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(0, nil)
	assert.NotPanics(t, func() {
		assert.Equal(t, 0, b.Publish("j1", "line"))
	})
}

func TestTwoSubscribersThenOneLeaves(t *testing.T) {
	b := New(4, nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.Len())

	assert.Equal(t, 2, b.Publish("j1", "line1"))
	ev1 := receive(t, s1)
	ev2 := receive(t, s2)
	assert.Equal(t, Event{Type: TypeLog, JobID: "j1", Message: "line1", Timestamp: ev1.Timestamp}, ev1)
	assert.Equal(t, "line1", ev2.Message)

	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.Publish("j1", "line2"))
	assert.Equal(t, "line2", receive(t, s2).Message)

	_, open := <-s1.C()
	assert.False(t, open)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(1, nil)
	sub := b.Subscribe()

	assert.NotPanics(t, func() {
		sub.Close()
		sub.Close()
		b.Unsubscribe(sub)
		b.Unsubscribe(nil)
	})
	assert.Equal(t, 0, b.Len())
}

func TestSlowSubscriberIsSkipped(t *testing.T) {
	b := New(1, nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	assert.Equal(t, 2, b.Publish("j1", "first"))
	receive(t, fast)

	// slow still holds "first"; the second line is dropped for it only.
	assert.Equal(t, 1, b.Publish("j1", "second"))
	assert.Equal(t, "first", receive(t, slow).Message)
	assertEmpty(t, slow)
	assert.Equal(t, "second", receive(t, fast).Message)
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	b := New(4, nil)
	b.Publish("j1", "before")

	sub := b.Subscribe()
	assertEmpty(t, sub)

	b.Publish("j1", "after")
	assert.Equal(t, "after", receive(t, sub).Message)
}

func TestJobUpdateEvent(t *testing.T) {
	b := New(2, nil)
	sub := b.Subscribe()

	b.PublishEvent(JobUpdate(models.JobRecord{JobID: "j1", State: models.StateFailed, ErrorDetail: "boom"}))
	ev := receive(t, sub)
	assert.Equal(t, TypeJobUpdate, ev.Type)
	assert.Equal(t, models.StateFailed, ev.State)
	assert.Equal(t, "boom", ev.Error)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(8, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish(fmt.Sprintf("j%d", i), "line")
				}
			}
		}(i)
	}

	assert.NotPanics(t, func() {
		for i := 0; i < 200; i++ {
			sub := b.Subscribe()
			go func() {
				for range sub.C() {
				}
			}()
			sub.Close()
		}
	})
	close(stop)
	wg.Wait()
	assert.Equal(t, 0, b.Len())
}
