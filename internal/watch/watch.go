// Package watch implements Watcher: a recursive filesystem watcher that
// translates OS-level change notifications into the {Created, Modified,
// Deleted, Moved} event vocabulary the Indexer consumes. fsnotify is the
// primary backend; a stat-polling backend is the fallback when fsnotify
// cannot be started (e.g. inotify watch limits exhausted).
package watch

import (
	"context"
	"time"
)

// EventType classifies a filesystem change.
type EventType int

const (
	Created EventType = iota
	Modified
	Deleted
	Moved
)

func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	default:
		return "unknown"
	}
}

// Event is one coalesced filesystem change, carrying absolute paths.
type Event struct {
	Type    EventType
	Path    string
	OldPath string // populated only for Moved
	IsDir   bool
}

// FilterFunc reports whether absPath (an absolute filesystem path) should be
// dropped. The Watcher re-applies ignore rules at event time
// rather than trusting a snapshot taken when watching started.
type FilterFunc func(absPath string, isDir bool) bool

// Watcher watches one repository root and emits translated events.
type Watcher interface {
	// Start begins watching root. Blocks until ctx is cancelled or Stop is
	// called; run it in its own goroutine.
	Start(ctx context.Context, root string) error
	Stop() error

	// Events yields translated, debounced filesystem events.
	Events() <-chan Event

	// Resync fires when event delivery may have dropped events (buffer
	// overflow); the caller should perform a full PathSource scan.
	Resync() <-chan struct{}

	// Errors carries non-fatal backend errors; the watcher keeps running.
	Errors() <-chan error
}

// Options configures a Watcher.
type Options struct {
	// DebounceWindow coalesces rapid-fire events per path. Default 100ms.
	DebounceWindow time.Duration
	// PollInterval is the scan interval for the polling fallback. Default 2s.
	PollInterval time.Duration
	// EventBufferSize bounds the outbound Events channel; a full buffer
	// triggers a Resync instead of blocking the backend. Default 1024.
	EventBufferSize int
	// Filter re-applies ignore rules at event time. Nil means no filtering.
	Filter FilterFunc
}

func (o Options) WithDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 100 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 1024
	}
	return o
}
