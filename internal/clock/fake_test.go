package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdvanceFiresTimersInDeadlineOrder(t *testing.T) {
	f := NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var order []string
	f.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	f.AfterFunc(time.Second, func() { order = append(order, "a") })

	f.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestStoppedTimerDoesNotFire(t *testing.T) {
	f := NewFake(time.Now())

	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	f.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestTimerCallbackMaySchedule(t *testing.T) {
	f := NewFake(time.Now())

	fired := 0
	f.AfterFunc(time.Second, func() {
		fired++
		f.AfterFunc(time.Second, func() { fired++ })
	})

	f.Advance(3 * time.Second)
	assert.Equal(t, 2, fired, "a timer chained from a callback fires in the same advance")
}

func TestTickerDeliversUpToBuffer(t *testing.T) {
	f := NewFake(time.Now())

	ticker := f.NewTicker(time.Second)
	defer ticker.Stop()

	f.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected a tick")
	}

	ticker.Stop()
	f.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker must not tick")
	default:
	}
}
