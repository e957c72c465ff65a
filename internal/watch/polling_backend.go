package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"
)

// PollingWatcher is the fallback backend used when fsnotify cannot be
// initialized. It takes a full stat snapshot of the tree every interval
// and diffs against the previous one. It cannot distinguish a move from a
// delete+create (no inode correlation), so it always reports those as
// Deleted and Created separately.
type PollingWatcher struct {
	interval time.Duration
	filter   FilterFunc

	events chan Event
	errs   chan error
	stopCh chan struct{}
}

func NewPollingWatcher(interval time.Duration, filter FilterFunc) *PollingWatcher {
	return &PollingWatcher{
		interval: interval,
		filter:   filter,
		events:   make(chan Event, 1024),
		errs:     make(chan error, 16),
		stopCh:   make(chan struct{}),
	}
}

func (p *PollingWatcher) Events() <-chan Event { return p.events }
func (p *PollingWatcher) Errors() <-chan error { return p.errs }

func (p *PollingWatcher) Start(ctx context.Context, root string) error {
	prev, err := p.snapshot(root)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			cur, err := p.snapshot(root)
			if err != nil {
				select {
				case p.errs <- err:
				default:
				}
				continue
			}
			p.diff(prev, cur)
			prev = cur
		}
	}
}

func (p *PollingWatcher) Stop() error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	return nil
}

type fileStat struct {
	modTime int64
	size    int64
}

func (p *PollingWatcher) snapshot(root string) (map[string]fileStat, error) {
	out := make(map[string]fileStat)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		isDir := d.IsDir()
		if path != root && p.filter != nil && p.filter(path, isDir) {
			if isDir {
				return fs.SkipDir
			}
			return nil
		}
		if isDir {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[path] = fileStat{modTime: info.ModTime().UnixNano(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PollingWatcher) diff(prev, cur map[string]fileStat) {
	for path, st := range cur {
		old, existed := prev[path]
		if !existed {
			p.emit(Event{Type: Created, Path: path})
			continue
		}
		if old != st {
			p.emit(Event{Type: Modified, Path: path})
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			p.emit(Event{Type: Deleted, Path: path})
		}
	}
}

func (p *PollingWatcher) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		// Buffer full; the caller should treat backend Resync separately.
	}
}
