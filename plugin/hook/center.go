package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInterrupt signals that a hook wants to stop the operation it guards.
var ErrInterrupt = errors.New("hook interrupted")

// Interrupt returns an ErrInterrupt carrying a reason.
func Interrupt(reason string) error {
	return fmt.Errorf("%w: %s", ErrInterrupt, reason)
}

// Event names a point in the chat lifecycle where hooks run.
type Event string

const (
	OnSessionOpen  Event = "on_session_open"
	OnSessionClose Event = "on_session_close"

	// BeforeMessageSend receives a *MessageDraft; hooks may rewrite Text or interrupt.
	BeforeMessageSend Event = "before_message_send"
	AfterMessageSend  Event = "after_message_send"

	AfterRequestConnect Event = "after_request_connect"
	AfterRequestAccept  Event = "after_request_accept"
	AfterRequestDecline Event = "after_request_decline"
	AfterThumbnail      Event = "after_thumbnail"
)

// MessageDraft is the payload of BeforeMessageSend.
type MessageDraft struct {
	Author       string
	ConnectionID int64
	Text         string
}

// Fn is a hook handler. Return (data, nil) to continue, (data, ErrInterrupt)
// to stop the chain. Any other error skips this hook's output and the chain
// carries on.
type Fn func(ctx context.Context, ev Event, data any) (any, error)

type entry struct {
	priority int
	name     string
	fn       Fn
}

// Center holds hook registrations per event.
type Center struct {
	mu    sync.RWMutex
	hooks map[Event][]entry
}

// NewCenter creates an empty Center.
func NewCenter() *Center {
	return &Center{hooks: make(map[Event][]entry)}
}

// Register adds fn for ev. Lower priority runs first; equal priorities run
// in registration order. name identifies the hook for Unregister.
func (c *Center) Register(ev Event, priority int, name string, fn Fn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Copy on write so a running Trigger keeps its snapshot.
	old := c.hooks[ev]
	entries := make([]entry, len(old), len(old)+1)
	copy(entries, old)
	entries = append(entries, entry{priority: priority, name: name, fn: fn})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	c.hooks[ev] = entries
}

// Unregister removes every hook called name from ev.
func (c *Center) Unregister(ev Event, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[ev] = without(c.hooks[ev], name)
}

// UnregisterAll removes every hook called name from all events.
func (c *Center) UnregisterAll(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ev, entries := range c.hooks {
		c.hooks[ev] = without(entries, name)
	}
}

func without(entries []entry, name string) []entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many hooks are registered for ev.
func (c *Center) Count(ev Event) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks[ev])
}

// Trigger runs the hooks of ev in priority order, threading data through
// them. It stops at the first ErrInterrupt and returns it. Other hook errors
// are joined and returned after the whole chain ran.
func (c *Center) Trigger(ctx context.Context, ev Event, data any) (any, error) {
	c.mu.RLock()
	entries := c.hooks[ev]
	c.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		out, err := e.fn(ctx, ev, data)
		switch {
		case errors.Is(err, ErrInterrupt):
			return out, err
		case err != nil:
			errs = append(errs, fmt.Errorf("hook %s: %w", e.name, err))
		default:
			data = out
		}
	}
	return data, errors.Join(errs...)
}
