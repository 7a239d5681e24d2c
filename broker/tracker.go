package broker

import (
	"context"
	"log/slog"
	"sync"
)

type trackerKey struct{}

// optionTracker records which implementation-specific options were set on a
// context and which of them an implementation actually read.
type optionTracker struct {
	mu      sync.Mutex
	order   []any
	entries map[any]*trackedOption
}

type trackedOption struct {
	name     string
	consumed bool
	warned   bool
}

func trackerFrom(ctx context.Context) *optionTracker {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(trackerKey{}).(*optionTracker)
	return t
}

// TrackOptions returns a context that records tracked options set on it.
// It is a no-op when ctx already carries a tracker.
func TrackOptions(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if trackerFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, trackerKey{}, &optionTracker{
		entries: make(map[any]*trackedOption),
	})
}

// WithTrackedValue stores val under key and registers name as an option that
// some broker implementation is expected to consume.
func WithTrackedValue(ctx context.Context, key, val any, name string) context.Context {
	ctx = TrackOptions(ctx)
	t := trackerFrom(ctx)

	t.mu.Lock()
	if _, ok := t.entries[key]; !ok {
		t.order = append(t.order, key)
	}
	t.entries[key] = &trackedOption{name: name}
	t.mu.Unlock()

	return context.WithValue(ctx, key, val)
}

// GetTrackedValue returns the value stored under key and marks the option as
// consumed.
func GetTrackedValue(ctx context.Context, key any) any {
	if ctx == nil {
		return nil
	}
	v := ctx.Value(key)
	if v == nil {
		return nil
	}
	if t := trackerFrom(ctx); t != nil {
		t.mu.Lock()
		if e, ok := t.entries[key]; ok {
			e.consumed = true
		}
		t.mu.Unlock()
	}
	return v
}

// WarnUnconsumed logs every tracked option that was set but never read.
// Each option is reported at most once.
func WarnUnconsumed(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		return
	}
	t := trackerFrom(ctx)
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.order {
		e := t.entries[key]
		if e.consumed || e.warned {
			continue
		}
		e.warned = true
		logger.Warn("broker option was set but not used", slog.String("option", e.name))
	}
}
