package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalesceCreateModify(t *testing.T) {
	merged, cancel := coalesce(Event{Type: Created, Path: "a"}, Event{Type: Modified, Path: "a"})
	assert.False(t, cancel)
	assert.Equal(t, Created, merged.Type)
}

func TestCoalesceCreateDeleteCancels(t *testing.T) {
	_, cancel := coalesce(Event{Type: Created, Path: "a"}, Event{Type: Deleted, Path: "a"})
	assert.True(t, cancel)
}

func TestCoalesceModifyDelete(t *testing.T) {
	merged, cancel := coalesce(Event{Type: Modified, Path: "a"}, Event{Type: Deleted, Path: "a"})
	assert.False(t, cancel)
	assert.Equal(t, Deleted, merged.Type)
}

func TestCoalesceDeleteCreateBecomesModify(t *testing.T) {
	merged, cancel := coalesce(Event{Type: Deleted, Path: "a"}, Event{Type: Created, Path: "a"})
	assert.False(t, cancel)
	assert.Equal(t, Modified, merged.Type)
}

func TestDebouncerCoalescesWithinWindow(t *testing.T) {
	d := newDebouncer(30*time.Millisecond, 16, nil)
	d.add(Event{Type: Created, Path: "a"})
	d.add(Event{Type: Modified, Path: "a"})

	select {
	case ev := <-d.events():
		assert.Equal(t, Created, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}

	select {
	case ev := <-d.events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDebouncerMovedBypassesCoalescing(t *testing.T) {
	d := newDebouncer(50*time.Millisecond, 16, nil)
	d.add(Event{Type: Moved, Path: "b", OldPath: "a"})

	select {
	case ev := <-d.events():
		require.Equal(t, Moved, ev.Type)
		assert.Equal(t, "a", ev.OldPath)
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestDebouncerOverflowTriggersCallback(t *testing.T) {
	var overflowed bool
	d := newDebouncer(5*time.Millisecond, 1, func() { overflowed = true })
	d.add(Event{Type: Created, Path: "a"})
	time.Sleep(20 * time.Millisecond) // let it flush into the 1-slot buffer
	d.add(Event{Type: Created, Path: "b"})
	time.Sleep(20 * time.Millisecond)
	d.add(Event{Type: Created, Path: "c"})
	time.Sleep(20 * time.Millisecond)

	assert.True(t, overflowed)
}
