package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribePublishSync(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(LogAppended, func(e Event) {
		got = append(got, e)
	})

	bus.PublishSync(Event{Type: LogAppended, Data: LogAppendedData{Line: "one"}})
	bus.PublishSync(Event{Type: StatusChanged, Data: nil}) // different type, not delivered
	bus.PublishSync(Event{Type: LogAppended, Data: LogAppendedData{Line: "two"}})

	assert.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Data.(LogAppendedData).Line)
	assert.Equal(t, "two", got[1].Data.(LogAppendedData).Line)
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	bus.SubscribeAll(func(e Event) { count++ })

	bus.PublishSync(Event{Type: Connected})
	bus.PublishSync(Event{Type: LogAppended})

	assert.Equal(t, 2, count)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsub := bus.Subscribe(Connected, func(e Event) { count++ })

	bus.PublishSync(Event{Type: Connected})
	unsub()
	bus.PublishSync(Event{Type: Connected})

	assert.Equal(t, 1, count)
}

func TestPublishAsync(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(AgentStarted, func(e Event) {
		wg.Done()
	})

	bus.Publish(Event{Type: AgentStarted})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async subscriber was not called")
	}
}

func TestClosedBusDropsEvents(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(Connected, func(e Event) { count++ })
	assert.NoError(t, bus.Close())

	bus.PublishSync(Event{Type: Connected})
	assert.Equal(t, 0, count)

	// Subscribing after close is a no-op.
	unsub := bus.Subscribe(Connected, func(e Event) { count++ })
	unsub()
	bus.PublishSync(Event{Type: Connected})
	assert.Equal(t, 0, count)
}
