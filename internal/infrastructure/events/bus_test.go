package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

func TestBusSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	created := bus.Subscribe(domain.EventClaimCreated)
	all := bus.SubscribeAll()

	bus.Publish(domain.NewEvent(domain.EventClaimCreated, "c1", 1, nil))
	bus.Publish(domain.NewEvent(domain.EventClaimReleased, "c1", 2, nil))

	select {
	case e := <-created:
		assert.Equal(t, domain.EventClaimCreated, e.Type)
	default:
		t.Fatal("expected a claim:created event")
	}
	select {
	case <-created:
		t.Fatal("typed subscriber must not receive other types")
	default:
	}

	assert.Len(t, all, 2)
}

func TestBusHandlers(t *testing.T) {
	bus := New()
	defer bus.Close()

	var typed, everything int
	bus.On(domain.EventClaimCreated, func(*domain.Event) { typed++ })
	bus.OnAll(func(*domain.Event) { everything++ })

	bus.Publish(domain.NewEvent(domain.EventClaimCreated, "c1", 1, nil))
	bus.Publish(domain.NewEvent(domain.EventClaimExpired, "c1", 2, nil))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, everything)
}

func TestBusHandlerMaySubscribeDuringPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	// A handler that registers further interest mid-dispatch must not
	// deadlock against the bus lock.
	var late int
	var ch <-chan *domain.Event
	bus.On(domain.EventClaimCreated, func(*domain.Event) {
		if ch == nil {
			bus.On(domain.EventClaimCreated, func(*domain.Event) { late++ })
			ch = bus.Subscribe(domain.EventClaimCreated)
		}
	})

	bus.Publish(domain.NewEvent(domain.EventClaimCreated, "c1", 1, nil))
	assert.Equal(t, 0, late)

	bus.Publish(domain.NewEvent(domain.EventClaimCreated, "c1", 2, nil))
	assert.Equal(t, 1, late)
	require.Len(t, ch, 1)
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := New(WithBufferSize(1))
	defer bus.Close()

	ch := bus.SubscribeAll()
	bus.Publish(domain.NewEvent(domain.EventClaimCreated, "c1", 1, nil))
	bus.Publish(domain.NewEvent(domain.EventClaimCreated, "c2", 1, nil)) // dropped, not blocking

	require.Len(t, ch, 1)
}

func TestBusClose(t *testing.T) {
	bus := New()
	ch := bus.SubscribeAll()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	bus.Publish(domain.NewEvent(domain.EventClaimCreated, "c1", 1, nil)) // no panic
	bus.Close()                                                         // idempotent
}
