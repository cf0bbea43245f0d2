// ============================================================================
// ppm Worker - Single Goroutine Processing Loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Implements a single pool worker's input-channel processing loop
//
// Lifecycle:
//   Created -> Running -> (Waiting <-> Running) -> Terminated
//   - New() builds a worker wired to its channels; it starts watching
//     the global exit event immediately but does not process input.
//   - Start() launches the loop goroutine (Created -> Running).
//   - A stop control token, the global exit event, or Terminate() all
//     end the loop (-> Terminated).
//   - A wait control token parks the loop in Waiting until the next
//     non-wait envelope arrives.
//
// Concurrency:
//   - Terminate() only signals; it does not block. Join() blocks until
//     the loop goroutine has actually returned and closed w.stopped.
//   - Calling Join() before Terminate() on a worker that is still
//     blocked in its input select (e.g. one that stored an exception
//     with RaiseException false and looped back to fetch the next
//     envelope) deadlocks forever: nothing will close w.stopped.
//     Callers must always Terminate() before Join()-ing a worker that
//     might still be running.
//   - mu protects state/exception/concurrentWorkersNames, the only
//     fields read from outside the loop goroutine.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/ppm/internal/extras"
	"github.com/ChuLiYu/ppm/internal/ipc"
	"github.com/ChuLiYu/ppm/pkg/types"
)

// Func is the user logic a worker invokes for any payload that is not
// a control token. It receives a context that is canceled once the
// worker's global exit event fires or it is force-terminated, so
// long-running logic can cooperate with shutdown.
//
// A non-nil result is forwarded to the worker's output channels; a nil
// result means the item produced nothing to forward.
type Func func(ctx context.Context, envelope types.Envelope) (result any, err error)

// Options mirrors the manager's control-flow construction options that
// are passed through to every spawned worker.
type Options struct {
	Daemon              bool
	SpreadStopSignal    bool
	SpreadWaitSignal    bool
	TargetedProcessing  bool
	DelayMessageSharing bool
	SharingDelay        time.Duration
	DelayShutdown       bool
	ShutdownDelay       time.Duration
	FetchDelay          time.Duration
	RaiseException      bool
}

// Worker is a single loop over the input channel, running in its own
// goroutine.
type Worker struct {
	name string

	input   *ipc.Channel
	outputs []*ipc.Channel
	config  *ipc.Channel

	globalExitEvent *ipc.ExitEvent
	forceStop       *ipc.ExitEvent

	opts   Options
	extras extras.Map
	fn     Func

	ctx    context.Context
	cancel context.CancelFunc

	mu                     sync.Mutex
	state                  types.WorkerState
	exception              *types.WorkerException
	concurrentWorkersNames []string

	stopped chan struct{}
	started bool
}

// New builds a worker wired to the given channels and exit event. fn
// is the user logic invoked for non-control payloads.
//
// Parameters:
//   - name: the worker's stable identity, e.g. "ppm-mypool-1".
//   - input: the channel this worker fetches envelopes from.
//   - outputs: the channels a non-nil invoke() result is forwarded to.
//   - config: the configuration channel, or nil if none was wired.
//   - globalExitEvent: the process-wide cancellation flag shared by
//     every worker in the pool.
//   - opts: the per-worker control-flow knobs.
//   - fn: the user logic invoked for non-control payloads.
//   - ex: the extras bag cloned down from the manager.
//
// Returns:
//   - *Worker: a worker in the Created state, not yet running.
func New(
	name string,
	input *ipc.Channel,
	outputs []*ipc.Channel,
	config *ipc.Channel,
	globalExitEvent *ipc.ExitEvent,
	opts Options,
	fn Func,
	ex extras.Map,
) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		name:            name,
		input:           input,
		outputs:         outputs,
		config:          config,
		globalExitEvent: globalExitEvent,
		forceStop:       ipc.NewExitEvent(),
		opts:            opts,
		extras:          ex,
		fn:              fn,
		ctx:             ctx,
		cancel:          cancel,
		state:           types.WorkerCreated,
		stopped:         make(chan struct{}),
	}

	go w.watchCancellation()

	return w
}

func (w *Worker) watchCancellation() {
	select {
	case <-w.globalExitEvent.Done():
	case <-w.forceStop.Done():
	}
	w.cancel()
}

// Name returns the worker's stable identity.
func (w *Worker) Name() string { return w.name }

// State returns the worker's current lifecycle state.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s types.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// SetConcurrentWorkersNames records the snapshot of peer worker names
// the manager captured at spawn time.
func (w *Worker) SetConcurrentWorkersNames(names []string) {
	w.mu.Lock()
	w.concurrentWorkersNames = append([]string(nil), names...)
	w.mu.Unlock()
}

// ConcurrentWorkersNames returns the last snapshot set by the manager.
func (w *Worker) ConcurrentWorkersNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.concurrentWorkersNames...)
}

// Exception returns the stored (error, trace) pair, or nil if the
// worker has not failed.
func (w *Worker) Exception() *types.WorkerException {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exception
}

func (w *Worker) storeException(err error, trace string) {
	w.mu.Lock()
	w.exception = &types.WorkerException{Err: err, Trace: trace}
	w.mu.Unlock()
}

// Start moves the worker from Created to Running and launches its
// loop goroutine. Calling Start twice is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.state = types.WorkerRunning
	w.mu.Unlock()

	go w.run()
}

// Terminate forces this worker to exit at its next suspension point,
// without affecting any other worker. It does not block; call Join to
// wait for the loop goroutine to actually finish.
func (w *Worker) Terminate() {
	w.forceStop.Set()
}

// Join blocks until the worker's loop goroutine has exited.
//
// Callers must Terminate (or otherwise guarantee the loop will exit)
// before calling Join: a worker still waiting on its input select
// never closes w.stopped on its own, so Join-before-Terminate can
// block forever.
func (w *Worker) Join() {
	<-w.stopped
}

// IsAlive reports whether the loop goroutine is still running.
func (w *Worker) IsAlive() bool {
	select {
	case <-w.stopped:
		return false
	default:
		return w.started
	}
}

// PushToInputQueue enqueues data onto the input channel.
//
// Parameters:
//   - data: the payload to enqueue, a user datum or a control token.
//   - sourceWorker: the envelope's source_worker field.
//   - destinationWorker: set to address a specific worker; empty means any.
func (w *Worker) PushToInputQueue(data any, sourceWorker, destinationWorker string) {
	w.input.Send(envelope(data, sourceWorker, destinationWorker))
}

// PushToOutputQueues enqueues data onto every output channel this
// worker was wired to.
//
// Parameters:
//   - data: the payload to enqueue.
//   - sourceWorker: the envelope's source_worker field.
//   - destinationWorker: set to address a specific worker; empty means any.
func (w *Worker) PushToOutputQueues(data any, sourceWorker, destinationWorker string) {
	env := envelope(data, sourceWorker, destinationWorker)
	for _, out := range w.outputs {
		out.Send(env)
	}
}

// PushToConfigurationQueue enqueues data onto the configuration
// channel, when this worker was wired to one.
//
// Parameters:
//   - data: the payload to enqueue.
//   - sourceWorker: the envelope's source_worker field.
//   - destinationWorker: set to address a specific worker; empty means any.
func (w *Worker) PushToConfigurationQueue(data any, sourceWorker, destinationWorker string) {
	if w.config == nil {
		return
	}
	w.config.Send(envelope(data, sourceWorker, destinationWorker))
}

func envelope(data any, sourceWorker, destinationWorker string) types.Envelope {
	return types.Envelope{
		Payload:           data,
		SourceWorker:      sourceWorker,
		DestinationWorker: destinationWorker,
	}
}

// run is the worker's main loop: fetch, dispatch on control tokens,
// invoke user logic, repeat until terminated.
func (w *Worker) run() {
	defer close(w.stopped)

	for {
		if w.globalExitEvent.IsSet() || w.forceStop.IsSet() {
			w.setState(types.WorkerTerminated)
			return
		}

		if w.opts.FetchDelay > 0 {
			if w.sleepInterruptible(w.opts.FetchDelay) {
				w.setState(types.WorkerTerminated)
				return
			}
		}

		select {
		case <-w.globalExitEvent.Done():
			w.setState(types.WorkerTerminated)
			return
		case <-w.forceStop.Done():
			w.setState(types.WorkerTerminated)
			return
		case env := <-w.input.Recv():
			if exit := w.handle(env); exit {
				w.setState(types.WorkerTerminated)
				return
			}
		}
	}
}

// sleepInterruptible sleeps for d or returns early (true) if the
// worker is asked to terminate while sleeping.
func (w *Worker) sleepInterruptible(d time.Duration) (terminated bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-w.globalExitEvent.Done():
		return true
	case <-w.forceStop.Done():
		return true
	}
}

// handle processes one envelope. It returns true when the worker
// should stop its loop.
func (w *Worker) handle(env types.Envelope) bool {
	if w.opts.TargetedProcessing && env.DestinationWorker != "" && env.DestinationWorker != w.name {
		w.input.Send(env)
		return false
	}

	if env.IsControl(types.ControlStop) {
		if w.opts.SpreadStopSignal {
			w.PushToOutputQueues(types.ControlStop, w.name, "")
		}
		if w.opts.DelayShutdown && w.opts.ShutdownDelay > 0 {
			w.sleepInterruptible(w.opts.ShutdownDelay)
		}
		return true
	}

	if env.IsControl(types.ControlWait) {
		if w.opts.SpreadWaitSignal {
			w.PushToOutputQueues(types.ControlWait, w.name, "")
		}
		return w.waitForResume()
	}

	return w.invoke(env)
}

// waitForResume parks the worker in the Waiting state until a non-wait
// envelope arrives, then processes it as a fresh fetch.
func (w *Worker) waitForResume() bool {
	w.setState(types.WorkerWaiting)

	for {
		select {
		case <-w.globalExitEvent.Done():
			return true
		case <-w.forceStop.Done():
			return true
		case env := <-w.input.Recv():
			if env.IsControl(types.ControlWait) {
				continue
			}
			w.setState(types.WorkerRunning)
			return w.handle(env)
		}
	}
}

// invoke runs the user function for a non-control payload and
// forwards its result, if any, downstream.
func (w *Worker) invoke(env types.Envelope) (exit bool) {
	result, err := w.safeCall(env)
	if err != nil {
		trace := fmt.Sprintf("%+v\n%s", err, debug.Stack())
		w.storeException(err, trace)
		return w.opts.RaiseException
	}

	if result == nil {
		return false
	}

	if w.opts.DelayMessageSharing && w.opts.SharingDelay > 0 {
		if w.sleepInterruptible(w.opts.SharingDelay) {
			return true
		}
	}
	w.PushToOutputQueues(result, w.name, "")
	return false
}

// safeCall invokes fn, converting a panic into a regular error so that
// a misbehaving user function degrades to a stored exception instead
// of crashing the whole pool.
func (w *Worker) safeCall(env types.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.name, r)
		}
	}()
	return w.fn(w.ctx, env)
}
