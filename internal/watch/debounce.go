package watch

import (
	"sync"
	"time"
)

// debouncer coalesces rapid events for the same path into one emission per
// DebounceWindow, merging per the same rules the teacher's watcher used:
// Created+Modified collapse to Created; Created+Deleted cancel out (the
// path never really existed as far as a dirty-set consumer cares);
// Modified+Deleted collapse to Deleted; Deleted+Created collapse to
// Modified (the path was replaced, not newly introduced). Moved events are
// never coalesced with anything else, since merging would lose OldPath.
type debouncer struct {
	window     time.Duration
	out        chan Event
	onOverflow func()

	mu      sync.Mutex
	pending map[string]*time.Timer
	latest  map[string]Event
}

func newDebouncer(window time.Duration, bufferSize int, onOverflow func()) *debouncer {
	return &debouncer{
		window:     window,
		out:        make(chan Event, bufferSize),
		onOverflow: onOverflow,
		pending:    make(map[string]*time.Timer),
		latest:     make(map[string]Event),
	}
}

// add schedules ev for emission after the debounce window, coalescing with
// any event still pending for the same path.
func (d *debouncer) add(ev Event) {
	if ev.Type == Moved {
		d.flushNow(ev)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := ev.Path
	if existing, ok := d.latest[key]; ok {
		merged, cancel := coalesce(existing, ev)
		if cancel {
			delete(d.latest, key)
			if t, ok := d.pending[key]; ok {
				t.Stop()
				delete(d.pending, key)
			}
			return
		}
		d.latest[key] = merged
		return
	}

	d.latest[key] = ev
	d.pending[key] = time.AfterFunc(d.window, func() { d.flush(key) })
}

func (d *debouncer) flush(key string) {
	d.mu.Lock()
	ev, ok := d.latest[key]
	delete(d.latest, key)
	delete(d.pending, key)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.emit(ev)
}

// flushNow emits ev immediately, bypassing coalescing (used for Moved).
func (d *debouncer) flushNow(ev Event) {
	d.emit(ev)
}

func (d *debouncer) emit(ev Event) (sent bool) {
	select {
	case d.out <- ev:
		return true
	default:
		if d.onOverflow != nil {
			d.onOverflow()
		}
		return false
	}
}

func (d *debouncer) events() <-chan Event { return d.out }

// coalesce merges new into existing, returning the merged event and whether
// the pair cancels out entirely.
func coalesce(existing, new Event) (Event, bool) {
	switch existing.Type {
	case Created:
		switch new.Type {
		case Modified:
			return existing, false
		case Deleted:
			return Event{}, true
		}
	case Modified:
		if new.Type == Deleted {
			return new, false
		}
	case Deleted:
		if new.Type == Created {
			return Event{Type: Modified, Path: new.Path, IsDir: new.IsDir}, false
		}
	}
	return new, false
}
