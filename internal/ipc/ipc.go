// ============================================================================
// ppm IPC - Channel and Exit-Event Primitives
// ============================================================================
//
// Package: internal/ipc
// File: ipc.go
// Purpose: Shared channel/event primitives between the manager and its workers
//
// Design Notes:
//   On this runtime there is no OS-process isolation between the
//   manager and its workers, so the three MPMC envelope channels
//   (input/output/configuration) and the sticky global exit event are
//   backed by native Go channels and one shared closed-channel
//   cancellation signal instead of a cross-process multiprocessing.Manager() — see
//   DESIGN.md for the rationale.
//
// Channel Modes:
//   - Bounded: a fixed-capacity native channel; Send blocks when full.
//   - Unbounded: Send never blocks. Items queue in an internal backlog
//     and a single feeder goroutine drains the backlog into a native
//     channel as readers consume it.
//
// Concurrency:
//   - Channel.mu protects the unbounded backlog only; the bounded path
//     needs no lock, the native channel already serializes it.
//   - ExitEvent uses sync.Once so Set is idempotent under concurrent
//     callers.
//
// ============================================================================

package ipc

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/ChuLiYu/ppm/pkg/types"
)

// Channel is a bounded or unbounded multi-producer/multi-consumer
// queue of envelopes.
type Channel struct {
	bounded bool
	ch      chan types.Envelope

	// unbounded backlog, drained into ch by a single feeder goroutine
	mu      sync.Mutex
	backlog []types.Envelope
	wake    chan struct{}
}

// NewBoundedChannel creates a channel with a fixed buffer capacity.
// Sends block once the buffer is full, matching a real MPMC queue.
//
// Parameters:
//   - capacity: buffer size; negative values clamp to 0.
//
// Returns:
//   - *Channel: a bounded channel ready to Send/Recv on.
func NewBoundedChannel(capacity int) *Channel {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel{bounded: true, ch: make(chan types.Envelope, capacity)}
}

// NewUnboundedChannel creates a channel whose Send never blocks: items
// queue in an internal backlog and are fed to readers as they drain it.
//
// Returns:
//   - *Channel: an unbounded channel backed by a feeder goroutine.
func NewUnboundedChannel() *Channel {
	c := &Channel{
		bounded: false,
		ch:      make(chan types.Envelope),
		wake:    make(chan struct{}, 1),
	}
	go c.feed()
	return c
}

func (c *Channel) feed() {
	for {
		c.mu.Lock()
		if len(c.backlog) == 0 {
			c.mu.Unlock()
			<-c.wake
			continue
		}
		item := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.mu.Unlock()

		c.ch <- item
	}
}

// Send enqueues an envelope. On a bounded channel this blocks while the
// buffer is full.
//
// Parameters:
//   - e: the envelope to enqueue.
func (c *Channel) Send(e types.Envelope) {
	if c.bounded {
		c.ch <- e
		return
	}

	c.mu.Lock()
	c.backlog = append(c.backlog, e)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Recv returns the channel's receive end for use in range loops and
// selects.
func (c *Channel) Recv() <-chan types.Envelope {
	return c.ch
}

// ExitEvent is a sticky, process-wide cancellation flag observable by
// every worker. Once set it is never cleared.
type ExitEvent struct {
	once sync.Once
	done chan struct{}
}

// NewExitEvent creates an unset exit event.
func NewExitEvent() *ExitEvent {
	return &ExitEvent{done: make(chan struct{})}
}

// Set raises the event. Safe to call more than once or concurrently.
func (e *ExitEvent) Set() {
	e.once.Do(func() { close(e.done) })
}

// IsSet reports whether the event has been raised.
func (e *ExitEvent) IsSet() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the event is raised, for use in
// select statements at worker suspension points.
func (e *ExitEvent) Done() <-chan struct{} {
	return e.done
}

// Manager is the factory for cross-worker channels and the exit event.
type Manager struct {
	// ID uniquely identifies this IPC manager instance, for log
	// correlation when more than one pool runs in the same process.
	ID string
}

// NewManager creates a new IPC manager, tagging it with a fresh UUID.
func NewManager() *Manager {
	return &Manager{ID: uuid.New().String()}
}

// NewChannel creates a channel per the bounded/capacity configuration.
//
// Parameters:
//   - bounded: true for a fixed-capacity channel, false for unbounded.
//   - capacity: buffer size, used only when bounded is true.
//
// Returns:
//   - *Channel: the newly created channel.
func (m *Manager) NewChannel(bounded bool, capacity int) *Channel {
	if bounded {
		return NewBoundedChannel(capacity)
	}
	return NewUnboundedChannel()
}

// NewExitEvent creates a new exit event owned by this manager.
func (m *Manager) NewExitEvent() *ExitEvent {
	return NewExitEvent()
}

// DefaultMaxWorkers sizes a pool against host resources: host_cpus - 2
// when the host has more than 2 logical CPUs, else host_cpus. Falls
// back to 1 if the host CPU count cannot be read.
//
// Returns:
//   - int: the default worker count for this host, always >= 1.
func DefaultMaxWorkers() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		return 1
	}
	if counts > 2 {
		return counts - 2
	}
	return counts
}
