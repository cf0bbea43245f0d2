package pool

import (
	"sync"

	"github.com/ChuLiYu/ppm/internal/worker"
)

// registry is the manager's bookkeeping of created/running workers: a
// map of record per cohort plus an order-preserving index for spawn
// naming, so lookups and ordered iteration both stay cheap.
type registry struct {
	mu sync.RWMutex

	created      map[string]*worker.Worker
	createdOrder []string // preserves spawn order, used for worker naming
	running      map[string]*worker.Worker
}

func newRegistry() *registry {
	return &registry{
		created: make(map[string]*worker.Worker),
		running: make(map[string]*worker.Worker),
	}
}

func (r *registry) addCreated(w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[w.Name()] = w
	r.createdOrder = append(r.createdOrder, w.Name())
}

func (r *registry) markRunning(w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[w.Name()] = w
}

func (r *registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.created, name)
	delete(r.running, name)
	for i, n := range r.createdOrder {
		if n == name {
			r.createdOrder = append(r.createdOrder[:i], r.createdOrder[i+1:]...)
			break
		}
	}
}

// createdCount is the number of workers ever spawned and not yet
// removed, used to compute the next spawn index.
func (r *registry) createdCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.createdOrder)
}

// isRunning reports whether at least one running worker is still alive.
func (r *registry) isRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.running {
		if w.IsAlive() {
			return true
		}
	}
	return false
}

// createdList returns created workers in spawn order.
func (r *registry) createdList() []*worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*worker.Worker, 0, len(r.createdOrder))
	for _, n := range r.createdOrder {
		if w, ok := r.created[n]; ok {
			out = append(out, w)
		}
	}
	return out
}

// runningList returns running workers; order is not significant.
func (r *registry) runningList() []*worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*worker.Worker, 0, len(r.running))
	for _, w := range r.running {
		out = append(out, w)
	}
	return out
}

// createdNames and runningNames back the two readings of
// concurrent_workers_names (see DESIGN.md).
func (r *registry) createdNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.createdOrder))
	copy(out, r.createdOrder)
	return out
}

func (r *registry) runningNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.running))
	for n := range r.running {
		out = append(out, n)
	}
	return out
}

// allWorkers returns the de-duplicated union of created and running,
// used by terminate().
func (r *registry) allWorkers() []*worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.created)+len(r.running))
	out := make([]*worker.Worker, 0, len(r.created)+len(r.running))
	for _, w := range r.created {
		seen[w.Name()] = struct{}{}
		out = append(out, w)
	}
	for _, w := range r.running {
		if _, ok := seen[w.Name()]; ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (r *registry) runningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}
