// ============================================================================
// ppm Pool - Manager Orchestration
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Purpose: Orchestrates worker spawn/start/stop and envelope dispatch
//
// Design Pattern:
//   Manager owns two worker cohorts (created, running) via registry,
//   plus the three ipc.Channel queues and the shared ipc.ExitEvent. It
//   never touches a worker's internals directly beyond the exported
//   worker.Worker API.
//
// Lifecycle:
//   New() -> Spawn*() -> Start() -> (PushTo*Queue | PushStopSignal |
//   PushWaitSignal)* -> Wait() -> Terminate()
//   Terminate() is also reachable directly, and Wait() calls it
//   unconditionally as a safety net once both cohorts are drained.
//
// Concurrency:
//   - mu guards maxWorkers only; cohort membership is the registry's
//     own lock, not this one.
//   - Wait() and TerminateWorker() always call w.Terminate() before
//     w.Join() on a worker that might still be running: a worker
//     parked in its input select only unblocks via forceStop, which
//     Terminate() raises. Join()-before-Terminate() deadlocks (see
//     internal/worker's Concurrency note).
//
// ============================================================================

package pool

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/ppm/internal/extras"
	"github.com/ChuLiYu/ppm/internal/ipc"
	"github.com/ChuLiYu/ppm/internal/log"
	"github.com/ChuLiYu/ppm/internal/worker"
	"github.com/ChuLiYu/ppm/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrWorkerClassUnbound is returned when Start or a spawn
	// operation runs before Config.WorkerFunc is set.
	ErrWorkerClassUnbound = errors.New("ppm: worker function is not bound")
	// ErrNonIntegerMaxWorkers is returned by SetMaxWorkers when asked
	// to set a non-integral value.
	ErrNonIntegerMaxWorkers = errors.New("ppm: max_workers must be an integer")
)

// Manager is the pool orchestrator.
type Manager struct {
	mu sync.Mutex

	cfg  Config
	name string

	ipc       *ipc.Manager
	exitEvent *ipc.ExitEvent

	input  *ipc.Channel
	outputs []*ipc.Channel
	config *ipc.Channel

	maxWorkers int

	reg *registry

	extras extras.Map
}

// New constructs a manager from cfg. Channel generation and the exit
// event are created eagerly; workers are not spawned until Spawn* or
// Start is called.
//
// Parameters:
//   - cfg: the pool's construction-time configuration.
//
// Returns:
//   - *Manager: a manager with no workers spawned yet.
func New(cfg Config) *Manager {
	ipcMgr := cfg.IPC
	if ipcMgr == nil {
		ipcMgr = ipc.NewManager()
	}

	m := &Manager{
		cfg:       cfg,
		name:      fmt.Sprintf("ppm-%s", cfg.poolName()),
		ipc:       ipcMgr,
		exitEvent: ipcMgr.NewExitEvent(),
		reg:       newRegistry(),
		extras:    cfg.Extras.Clone(),
	}
	if m.extras == nil {
		m.extras = extras.Map{}
	}

	if cfg.MaxWorkers == 0 {
		m.maxWorkers = ipc.DefaultMaxWorkers()
	} else if cfg.MaxWorkers < 0 {
		m.maxWorkers = 1
	} else {
		m.maxWorkers = cfg.MaxWorkers
	}

	m.input = cfg.InputQueue
	if m.input == nil {
		m.input = ipcMgr.NewChannel(cfg.BoundedQueues, cfg.QueueCapacity)
	}

	if len(cfg.OutputQueues) > 0 {
		m.outputs = cfg.OutputQueues
	} else if cfg.GenerateOutputQueue {
		for i := 0; i < cfg.outputQueueCount(); i++ {
			m.outputs = append(m.outputs, ipcMgr.NewChannel(cfg.BoundedQueues, cfg.QueueCapacity))
		}
	}

	m.config = cfg.ConfigurationQueue
	if m.config == nil && cfg.GenerateConfigurationQueue {
		m.config = ipcMgr.NewChannel(cfg.BoundedQueues, cfg.QueueCapacity)
	}

	return m
}

// Name is the manager's own identity, used as the default
// source_worker of envelopes it originates.
func (m *Manager) Name() string { return m.name }

// MaxWorkers returns the current upper bound on concurrent workers.
func (m *Manager) MaxWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxWorkers
}

// SetMaxWorkers mutates the bound at runtime. Non-positive values
// clamp to 1; non-integral values are rejected. The setter accepts a
// float64 rather than an int so a non-integral operator-supplied
// config value can actually be detected and rejected here.
func (m *Manager) SetMaxWorkers(v float64) error {
	if v != math.Trunc(v) {
		return ErrNonIntegerMaxWorkers
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	iv := int(v)
	if iv < 1 {
		iv = 1
	}
	m.maxWorkers = iv
	return nil
}

// IsRunning reports whether at least one worker is currently alive and
// running.
func (m *Manager) IsRunning() bool {
	return m.reg.isRunning()
}

// InputQueue, OutputQueues and ConfigurationQueue expose the
// generated or supplied channels, e.g. for a caller that wants to feed
// the input queue directly instead of going through PushToInputQueue.
func (m *Manager) InputQueue() *ipc.Channel        { return m.input }
func (m *Manager) OutputQueues() []*ipc.Channel     { return m.outputs }
func (m *Manager) ConfigurationQueue() *ipc.Channel { return m.config }
func (m *Manager) ExitEvent() *ipc.ExitEvent        { return m.exitEvent }

// Attr resolves attribute-style lookups: known manager fields first,
// then the extras bag.
//
// Parameters:
//   - name: the attribute key, e.g. "name", "max_workers", or an
//     extras key.
//
// Returns:
//   - any, error: the resolved value, or an error if name is unknown
//     to both the manager and the extras bag.
func (m *Manager) Attr(name string) (any, error) {
	switch name {
	case "name":
		return m.Name(), nil
	case "max_workers":
		return m.MaxWorkers(), nil
	case "created_workers":
		return m.reg.createdCount(), nil
	case "running_workers":
		return m.reg.runningCount(), nil
	}
	return m.extras.MustGet(m.name, name)
}

func (m *Manager) logger() *logrus.Entry {
	if m.cfg.Log != nil {
		return m.cfg.Log
	}
	return log.Default()
}

// SpawnWorker builds and registers a single worker, starting it when
// start is true. It returns (nil, nil) — not an error — when the
// running cohort is already at capacity.
//
// Parameters:
//   - start: when true, the worker is started immediately after being
//     registered.
//
// Returns:
//   - *worker.Worker, error: the new worker, or (nil, nil) if the pool
//     is already at MaxWorkers running.
func (m *Manager) SpawnWorker(start bool) (*worker.Worker, error) {
	if m.cfg.WorkerFunc == nil {
		return nil, ErrWorkerClassUnbound
	}

	m.mu.Lock()
	if m.reg.runningCount() >= m.maxWorkers {
		m.mu.Unlock()
		return nil, nil
	}
	idx := m.reg.createdCount() + 1
	m.mu.Unlock()

	name := fmt.Sprintf("%s-%d", m.name, idx)

	opts := worker.Options{
		Daemon:              m.cfg.Daemon,
		SpreadStopSignal:    m.cfg.SpreadStopSignal,
		SpreadWaitSignal:    m.cfg.SpreadWaitSignal,
		TargetedProcessing:  m.cfg.targetedProcessing(),
		DelayMessageSharing: m.cfg.DelayMessageSharing,
		SharingDelay:        m.cfg.SharingDelay,
		DelayShutdown:       m.cfg.DelayShutdown,
		ShutdownDelay:       m.cfg.ShutdownDelay,
		FetchDelay:          m.cfg.FetchDelay,
		RaiseException:      m.cfg.RaiseException,
	}

	w := worker.New(name, m.input, m.outputs, m.config, m.exitEvent, opts, m.cfg.WorkerFunc, m.extras.Clone())

	// Inverted from what a casual reader would expect: when the pool
	// is already running, a newly spawned worker is told about
	// created_workers (which, at this instant, are the *other*
	// workers already created before it); otherwise it is told about
	// running_workers (typically empty at that point). See DESIGN.md.
	if m.IsRunning() {
		w.SetConcurrentWorkersNames(m.reg.createdNames())
	} else {
		w.SetConcurrentWorkersNames(m.reg.runningNames())
	}

	m.reg.addCreated(w)

	if start {
		w.Start()
		m.reg.markRunning(w)
	}

	m.logger().WithField("worker", name).Debug("worker spawned")

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordWorkerSpawned()
	}

	return w, nil
}

// SpawnWorkers calls SpawnWorker exactly MaxWorkers times, regardless
// of how many workers already exist: calling SpawnWorkers(false) more
// than once keeps adding workers to created_workers, since
// SpawnWorker's capacity guard only looks at the running cohort.
//
// Parameters:
//   - start: passed through to every SpawnWorker call.
//
// Returns:
//   - error: the first error returned by SpawnWorker, if any.
func (m *Manager) SpawnWorkers(start bool) error {
	if m.cfg.WorkerFunc == nil {
		return ErrWorkerClassUnbound
	}
	for i := 0; i < m.MaxWorkers(); i++ {
		if _, err := m.SpawnWorker(start); err != nil {
			return err
		}
	}
	return nil
}

// Start is guarded by three preconditions, checked in order: the
// worker function must be bound, at least one worker must be spawned
// (spawning up to MaxWorkers first if none have been), and no worker
// may already be running (a no-op, not an error, in that case).
//
// Returns:
//   - error: ErrWorkerClassUnbound, a SpawnWorkers error, or nil.
func (m *Manager) Start() error {
	if m.cfg.WorkerFunc == nil {
		return ErrWorkerClassUnbound
	}

	if m.reg.createdCount() == 0 {
		if err := m.SpawnWorkers(false); err != nil {
			return err
		}
	}

	if m.IsRunning() {
		return nil
	}

	for _, w := range m.reg.createdList() {
		w.Start()
		m.reg.markRunning(w)
	}

	for _, d := range m.cfg.InputDatasets {
		m.PushToInputQueue(d, "ppm", false)
	}
	for _, d := range m.cfg.OutputDatasets {
		m.PushToOutputQueues(d, "ppm", false)
	}
	for _, d := range m.cfg.ConfigurationDatasets {
		m.PushToConfigurationQueue(d, "ppm", true)
	}

	m.logger().WithField("workers", m.reg.createdCount()).Info("pool started")

	return nil
}

// dispatchWorkers picks the cohort push operations address: running
// workers when any are alive, otherwise created workers.
func (m *Manager) dispatchWorkers() []*worker.Worker {
	if m.IsRunning() {
		return m.reg.runningList()
	}
	return m.reg.createdList()
}

// PushToInputQueue enqueues data onto the input channel. When
// allQueues is true, one envelope is delivered per worker, each
// addressed to that worker. Otherwise a single envelope is delivered
// to a uniformly random worker among the current cohort, with no
// destination set.
//
// Parameters:
//   - data: the payload to enqueue.
//   - sourceWorker: the envelope's source_worker field; defaults to
//     the manager's own name when empty.
//   - allQueues: true to address every worker, false for one random
//     worker.
func (m *Manager) PushToInputQueue(data any, sourceWorker string, allQueues bool) {
	m.ensureSpawned()

	if sourceWorker == "" {
		sourceWorker = m.name
	}

	workers := m.dispatchWorkers()
	if allQueues {
		for _, w := range workers {
			w.PushToInputQueue(data, sourceWorker, w.Name())
		}
	} else if len(workers) > 0 {
		w := workers[rand.Intn(len(workers))]
		w.PushToInputQueue(data, sourceWorker, "")
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordEnvelopeDispatched("input")
	}
	m.logger().WithField("data", data).Debug("pushed to input queue")
}

// PushToOutputQueues enqueues data via the worker output-forwarding
// API, using the same dispatch policy as PushToInputQueue.
//
// Parameters:
//   - data: the payload to enqueue.
//   - sourceWorker: the envelope's source_worker field; defaults to
//     the manager's own name when empty.
//   - allQueues: true to address every worker, false for one random
//     worker.
func (m *Manager) PushToOutputQueues(data any, sourceWorker string, allQueues bool) {
	m.ensureSpawned()

	if sourceWorker == "" {
		sourceWorker = m.name
	}

	workers := m.dispatchWorkers()
	if allQueues {
		for _, w := range workers {
			w.PushToOutputQueues(data, sourceWorker, w.Name())
		}
	} else if len(workers) > 0 {
		w := workers[rand.Intn(len(workers))]
		w.PushToOutputQueues(data, sourceWorker, "")
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordEnvelopeDispatched("output")
	}
	m.logger().WithField("data", data).Debug("pushed to output queues")
}

// PushToConfigurationQueue enqueues data onto the configuration
// channel. allQueues has no default: every caller passes it
// explicitly (Start passes true for ConfigurationDatasets; the CLI
// passes its --all flag, which defaults to false).
//
// Parameters:
//   - data: the payload to enqueue.
//   - sourceWorker: the envelope's source_worker field; defaults to
//     the manager's own name when empty.
//   - allQueues: true to address every worker, false for one random
//     worker.
func (m *Manager) PushToConfigurationQueue(data any, sourceWorker string, allQueues bool) {
	m.ensureSpawned()

	if sourceWorker == "" {
		sourceWorker = m.name
	}

	workers := m.dispatchWorkers()
	if allQueues {
		for _, w := range workers {
			w.PushToConfigurationQueue(data, sourceWorker, w.Name())
		}
	} else if len(workers) > 0 {
		w := workers[rand.Intn(len(workers))]
		w.PushToConfigurationQueue(data, sourceWorker, "")
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordEnvelopeDispatched("configuration")
	}
	m.logger().WithField("data", data).Debug("pushed to configuration queue")
}

func (m *Manager) ensureSpawned() {
	if m.reg.createdCount() == 0 {
		_ = m.SpawnWorkers(false)
	}
}

// PushStopSignal broadcasts the stop control token to every worker's
// input queue.
func (m *Manager) PushStopSignal() {
	m.PushToInputQueue(types.ControlStop, "", true)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordControlBroadcast("stop")
	}
}

// PushWaitSignal broadcasts the wait control token to every worker's
// input queue.
func (m *Manager) PushWaitSignal() {
	m.PushToInputQueue(types.ControlWait, "", true)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordControlBroadcast("wait")
	}
}

// TerminateWorker forces w to stop, joins it, and removes it from
// both cohorts.
//
// Parameters:
//   - w: the worker to force-stop; must belong to this manager's
//     cohorts for the subsequent remove to have effect.
func (m *Manager) TerminateWorker(w *worker.Worker) {
	m.logger().WithField("worker", w.Name()).Debug("terminating worker")
	w.Terminate()
	w.Join()
	m.reg.remove(w.Name())
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordWorkerTerminated()
	}
	m.logger().Debug("worker terminated")
}

// Terminate raises the global exit event once, force-terminates every
// live worker, and broadcasts a stop token to the output channels so
// that downstream consumers learn this pool is done. It always leaves
// both cohorts empty, and is idempotent: calling it again on an
// already-empty pool still performs the output broadcast without
// spawning replacement workers (see DESIGN.md).
func (m *Manager) Terminate() {
	m.logger().Debug("terminating all workers")

	m.exitEvent.Set()

	for _, w := range m.reg.allWorkers() {
		if w.IsAlive() {
			m.TerminateWorker(w)
		} else {
			m.reg.remove(w.Name())
		}
	}

	for _, out := range m.outputs {
		out.Send(types.Envelope{Payload: types.ControlStop, SourceWorker: m.name})
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordControlBroadcast("stop")
	}

	m.logger().Debug("all workers terminated")
}

// Wait terminates and joins every running worker in turn; if a worker
// exited with a stored exception it terminates the whole pool and
// returns that error immediately. It then does the same for workers
// that were created but never started, and finally calls Terminate
// unconditionally as a safety net.
//
// Returns:
//   - error: the first worker exception encountered, wrapped, or nil
//     if every worker exited clean.
func (m *Manager) Wait() error {
	start := time.Now()
	defer func() {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ObserveWaitDuration(time.Since(start).Seconds())
		}
	}()

	for _, w := range m.reg.runningList() {
		m.logger().WithField("worker", w.Name()).Debug("waiting for worker")

		w.Terminate()
		w.Join()
		m.reg.remove(w.Name())

		if exc := w.Exception(); exc != nil {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.RecordException()
			}
			m.Terminate()
			m.logger().WithFields(mapFields{"worker": w.Name(), "trace": exc.Trace}).
				Error("worker raised an exception")
			return fmt.Errorf("ppm: worker %s failed: %w", w.Name(), exc.Err)
		}
	}

	for _, w := range m.reg.createdList() {
		m.logger().WithField("worker", w.Name()).Debug("waiting for worker - created")

		w.Terminate()
		m.reg.remove(w.Name())

		if exc := w.Exception(); exc != nil {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.RecordException()
			}
			m.Terminate()
			m.logger().WithFields(mapFields{"worker": w.Name(), "trace": exc.Trace}).
				Error("worker raised an exception")
			return fmt.Errorf("ppm: worker %s failed: %w", w.Name(), exc.Err)
		}
	}

	m.Terminate()

	return nil
}

// mapFields is a tiny alias so call sites read naturally with logrus'
// Fields type without importing logrus directly in this file's
// exported surface.
type mapFields = map[string]any
