package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ppm/internal/extras"
	"github.com/ChuLiYu/ppm/internal/ipc"
	"github.com/ChuLiYu/ppm/pkg/types"
)

func newTestWorker(t *testing.T, fn Func, opts Options) (*Worker, *ipc.Channel, []*ipc.Channel, *ipc.ExitEvent) {
	t.Helper()
	input := ipc.NewUnboundedChannel()
	output := ipc.NewUnboundedChannel()
	exitEvent := ipc.NewExitEvent()

	w := New("ppm-test-1", input, []*ipc.Channel{output}, nil, exitEvent, opts, fn, extras.Map{})
	return w, input, []*ipc.Channel{output}, exitEvent
}

func TestWorkerForwardsResultToOutputs(t *testing.T) {
	w, input, outputs, exitEvent := newTestWorker(t, func(_ context.Context, env types.Envelope) (any, error) {
		return env.Payload, nil
	}, Options{})
	defer exitEvent.Set()

	w.Start()
	input.Send(types.Envelope{Payload: "hello", SourceWorker: "ppm"})

	select {
	case out := <-outputs[0].Recv():
		assert.Equal(t, "hello", out.Payload)
		assert.Equal(t, w.Name(), out.SourceWorker)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded result")
	}
}

func TestWorkerStopControlTokenTerminatesLoop(t *testing.T) {
	w, input, _, exitEvent := newTestWorker(t, func(_ context.Context, _ types.Envelope) (any, error) {
		return nil, nil
	}, Options{})
	defer exitEvent.Set()

	w.Start()
	input.Send(types.Envelope{Payload: types.ControlStop, SourceWorker: "ppm"})
	w.Join()

	assert.False(t, w.IsAlive())
	assert.Equal(t, types.WorkerTerminated, w.State())
}

func TestWorkerWaitThenResume(t *testing.T) {
	results := make(chan any, 1)
	w, input, _, exitEvent := newTestWorker(t, func(_ context.Context, env types.Envelope) (any, error) {
		results <- env.Payload
		return nil, nil
	}, Options{})
	defer exitEvent.Set()

	w.Start()
	input.Send(types.Envelope{Payload: types.ControlWait, SourceWorker: "ppm"})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.WorkerWaiting, w.State())

	input.Send(types.Envelope{Payload: "resume", SourceWorker: "ppm"})

	select {
	case got := <-results:
		assert.Equal(t, "resume", got)
	case <-time.After(time.Second):
		t.Fatal("worker did not resume after wait")
	}
}

func TestWorkerStoresExceptionOnError(t *testing.T) {
	boom := errors.New("boom")
	w, input, _, exitEvent := newTestWorker(t, func(_ context.Context, _ types.Envelope) (any, error) {
		return nil, boom
	}, Options{RaiseException: true})
	defer exitEvent.Set()

	w.Start()
	input.Send(types.Envelope{Payload: "x", SourceWorker: "ppm"})
	w.Join()

	require.NotNil(t, w.Exception())
	assert.ErrorIs(t, w.Exception().Err, boom)
	assert.False(t, w.IsAlive())
}

func TestWorkerSurvivesPanicAsException(t *testing.T) {
	w, input, _, exitEvent := newTestWorker(t, func(_ context.Context, _ types.Envelope) (any, error) {
		panic("kaboom")
	}, Options{RaiseException: true})
	defer exitEvent.Set()

	w.Start()
	input.Send(types.Envelope{Payload: "x", SourceWorker: "ppm"})
	w.Join()

	require.NotNil(t, w.Exception())
	assert.Contains(t, w.Exception().Err.Error(), "panicked")
}

func TestWorkerTargetedProcessingRequeuesMismatch(t *testing.T) {
	results := make(chan string, 1)
	input := ipc.NewUnboundedChannel()
	output := ipc.NewUnboundedChannel()
	exitEvent := ipc.NewExitEvent()
	defer exitEvent.Set()

	w := New("ppm-test-1", input, []*ipc.Channel{output}, nil, exitEvent, Options{TargetedProcessing: true},
		func(_ context.Context, env types.Envelope) (any, error) {
			results <- env.Payload.(string)
			return nil, nil
		}, extras.Map{})

	w.Start()
	input.Send(types.Envelope{Payload: "for someone else", SourceWorker: "ppm", DestinationWorker: "ppm-test-2"})
	input.Send(types.Envelope{Payload: "mine", SourceWorker: "ppm", DestinationWorker: "ppm-test-1"})

	select {
	case got := <-results:
		assert.Equal(t, "mine", got)
	case <-time.After(time.Second):
		t.Fatal("worker never processed its own envelope")
	}
}

func TestWorkerTerminateForcesExit(t *testing.T) {
	w, _, _, exitEvent := newTestWorker(t, func(_ context.Context, _ types.Envelope) (any, error) {
		return nil, nil
	}, Options{})
	defer exitEvent.Set()

	w.Start()
	w.Terminate()
	w.Join()

	assert.False(t, w.IsAlive())
}

func TestConcurrentWorkersNamesSnapshot(t *testing.T) {
	w, _, _, exitEvent := newTestWorker(t, func(_ context.Context, _ types.Envelope) (any, error) {
		return nil, nil
	}, Options{})
	defer exitEvent.Set()

	w.SetConcurrentWorkersNames([]string{"ppm-test-0"})
	assert.Equal(t, []string{"ppm-test-0"}, w.ConcurrentWorkersNames())
}
