package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ppm/pkg/types"
)

func TestBoundedChannelSendRecv(t *testing.T) {
	c := NewBoundedChannel(1)
	env := types.Envelope{Payload: "x", SourceWorker: "a"}
	c.Send(env)

	select {
	case got := <-c.Recv():
		assert.Equal(t, env, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestUnboundedChannelNeverBlocksSend(t *testing.T) {
	c := NewUnboundedChannel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.Send(types.Envelope{Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unbounded send blocked")
	}

	for i := 0; i < 100; i++ {
		select {
		case env := <-c.Recv():
			assert.Equal(t, i, env.Payload)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}
}

func TestExitEventIsStickyAndIdempotent(t *testing.T) {
	e := NewExitEvent()
	assert.False(t, e.IsSet())

	e.Set()
	e.Set() // must not panic on double-set

	assert.True(t, e.IsSet())

	select {
	case <-e.Done():
	default:
		t.Fatal("Done channel should be closed once Set")
	}
}

func TestManagerNewChannelRespectsBoundedFlag(t *testing.T) {
	m := NewManager()
	require.NotEmpty(t, m.ID)

	bounded := m.NewChannel(true, 4)
	assert.True(t, bounded.bounded)

	unbounded := m.NewChannel(false, 0)
	assert.False(t, unbounded.bounded)
}

func TestDefaultMaxWorkersIsPositive(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultMaxWorkers(), 1)
}
