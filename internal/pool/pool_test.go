package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ppm/pkg/types"
)

func noopFunc(_ context.Context, _ types.Envelope) (any, error) {
	return nil, nil
}

func newTestConfig(maxWorkers int) Config {
	return Config{
		PoolName:   "pyfunceble-process-manager",
		MaxWorkers: maxWorkers,
		WorkerFunc: noopFunc,
	}
}

// recorder collects envelopes observed by a worker function across
// goroutines.
type recorder struct {
	mu    sync.Mutex
	items []types.Envelope
}

func (r *recorder) record(env types.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, env)
}

func (r *recorder) snapshot() []types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Envelope(nil), r.items...)
}

func TestHappyPathStart(t *testing.T) {
	m := New(newTestConfig(2))

	require.NoError(t, m.Start())

	assert.Equal(t, 2, m.reg.createdCount())
	assert.Equal(t, 2, m.reg.runningCount())
	for _, w := range m.reg.runningList() {
		assert.True(t, w.IsAlive())
	}

	m.Terminate()
}

func TestPreStartDatasets(t *testing.T) {
	rec := &recorder{}
	cfg := newTestConfig(1)
	cfg.WorkerFunc = func(_ context.Context, env types.Envelope) (any, error) {
		rec.record(env)
		return nil, nil
	}
	cfg.InputDatasets = []any{"input_data"}
	cfg.OutputDatasets = []any{"output_data"}
	cfg.ConfigurationDatasets = []any{"configuration_data"}
	cfg.GenerateOutputQueue = true
	cfg.GenerateConfigurationQueue = true

	m := New(cfg)
	require.NoError(t, m.Start())

	// Workers only consume the input channel; the output and
	// configuration datasets are read back off their own channels.
	for _, ch := range []<-chan types.Envelope{m.OutputQueues()[0].Recv(), m.ConfigurationQueue().Recv()} {
		select {
		case env := <-ch:
			rec.record(env)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a pre-start dataset envelope")
		}
	}

	time.Sleep(50 * time.Millisecond)
	m.Terminate()

	got := rec.snapshot()
	require.Len(t, got, 3)

	foundInput, foundOutput, foundConfig := false, false, false
	for _, env := range got {
		switch env.Payload {
		case "input_data":
			assert.Equal(t, "ppm", env.SourceWorker)
			foundInput = true
		case "output_data":
			assert.Equal(t, "ppm", env.SourceWorker)
			foundOutput = true
		case "configuration_data":
			assert.Equal(t, "ppm", env.SourceWorker)
			assert.NotEmpty(t, env.DestinationWorker)
			foundConfig = true
		}
	}
	assert.True(t, foundInput, "input worker should have received input_data")
	assert.True(t, foundOutput, "output worker should have received output_data")
	assert.True(t, foundConfig, "worker should have received configuration_data")
}

func TestBroadcastStop(t *testing.T) {
	m := New(newTestConfig(3))
	require.NoError(t, m.SpawnWorkers(true))
	require.Equal(t, 3, m.reg.runningCount())

	m.PushStopSignal()

	deadline := time.Now().Add(time.Second)
	for m.reg.isRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, m.reg.isRunning(), "workers did not stop in time")
}

func TestRandomSingleDispatch(t *testing.T) {
	rec := &recorder{}
	cfg := newTestConfig(1)
	cfg.WorkerFunc = func(_ context.Context, env types.Envelope) (any, error) {
		rec.record(env)
		return nil, nil
	}

	m := New(cfg)
	require.NoError(t, m.SpawnWorkers(true))

	m.PushToInputQueue("test_data", "", false)

	time.Sleep(50 * time.Millisecond)
	m.Terminate()

	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, "test_data", items[0].Payload)
	assert.Equal(t, m.Name(), items[0].SourceWorker)
	assert.Empty(t, items[0].DestinationWorker)
}

func TestWaitWithException(t *testing.T) {
	boom := errors.New("Test exception")
	cfg := newTestConfig(1)
	cfg.WorkerFunc = func(_ context.Context, env types.Envelope) (any, error) {
		if env.Payload == "fail" {
			return nil, boom
		}
		return nil, nil
	}

	m := New(cfg)
	require.NoError(t, m.SpawnWorkers(true))

	m.PushToInputQueue("fail", "", false)

	err := m.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 0, m.reg.createdCount())
	assert.Equal(t, 0, m.reg.runningCount())
}

func TestSpawnWorkerReturnsNilAtCapacity(t *testing.T) {
	m := New(newTestConfig(1))
	w1, err := m.SpawnWorker(true)
	require.NoError(t, err)
	require.NotNil(t, w1)

	w2, err := m.SpawnWorker(true)
	require.NoError(t, err)
	assert.Nil(t, w2)

	m.Terminate()
}

func TestSetMaxWorkersRejectsNonInteger(t *testing.T) {
	m := New(newTestConfig(2))

	err := m.SetMaxWorkers(2.5)
	assert.ErrorIs(t, err, ErrNonIntegerMaxWorkers)

	require.NoError(t, m.SetMaxWorkers(-5))
	assert.Equal(t, 1, m.MaxWorkers())
}

func TestAttrFallsThroughToExtras(t *testing.T) {
	cfg := newTestConfig(1)
	cfg.Extras = map[string]any{"foobar": "bar"}
	m := New(cfg)

	v, err := m.Attr("foobar")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)

	_, err = m.Attr("missing")
	assert.Error(t, err)
}

func TestTerminateIsIdempotent(t *testing.T) {
	m := New(newTestConfig(2))
	require.NoError(t, m.Start())

	m.Terminate()
	assert.Equal(t, 0, m.reg.createdCount())
	assert.Equal(t, 0, m.reg.runningCount())

	m.Terminate()
	assert.Equal(t, 0, m.reg.createdCount())
	assert.Equal(t, 0, m.reg.runningCount())
}

func TestStartTwiceIsNoopWhileRunning(t *testing.T) {
	m := New(newTestConfig(2))
	require.NoError(t, m.Start())

	before := m.reg.createdCount()
	require.NoError(t, m.Start())
	assert.Equal(t, before, m.reg.createdCount())

	m.Terminate()
}

func TestWorkerFuncUnbound(t *testing.T) {
	m := New(Config{MaxWorkers: 1})

	_, err := m.SpawnWorker(true)
	assert.ErrorIs(t, err, ErrWorkerClassUnbound)

	assert.ErrorIs(t, m.Start(), ErrWorkerClassUnbound)
}
