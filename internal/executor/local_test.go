package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/function"
)

type outcome struct {
	result *domain.JobResult
	err    error
}

type chanReceiver struct {
	ch chan outcome
}

func newChanReceiver() *chanReceiver {
	return &chanReceiver{ch: make(chan outcome, 4)}
}

func (r *chanReceiver) OnCompleted(result *domain.JobResult) { r.ch <- outcome{result: result} }
func (r *chanReceiver) OnFailed(_ Invoker, err error)        { r.ch <- outcome{err: err} }

func (r *chanReceiver) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job outcome")
		return outcome{}
	}
}

// gate blocks the "wait" function until released or cancelled.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gate) register(reg *function.Registry) {
	reg.MustRegister("wait", function.Func(func(ctx context.Context, _ function.Inputs, desired []domain.ValueID) (function.Outputs, error) {
		g.started <- struct{}{}
		select {
		case <-g.release:
			return function.Outputs{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
}

func waitJob(t *testing.T, jobID int64) *domain.Job {
	spec := testSpec
	spec.JobID = jobID
	return mustJob(t, spec, domain.JobItem{FunctionID: "wait", TargetID: "T"})
}

func TestLocalInvokerCapacity(t *testing.T) {
	env := newTestEnv(t)
	g := newGate()
	g.register(env.registry)

	inv := NewLocalInvoker([]*Node{env.node}, WithInvokerID("local-a"), WithCapabilities("gpu"))
	defer inv.Close()

	assert.Equal(t, "local-a", inv.ID())
	assert.True(t, inv.Capabilities().Satisfies([]string{"gpu"}))
	assert.Equal(t, 1, inv.Idle())

	r1 := newChanReceiver()
	require.True(t, inv.TryInvoke(waitJob(t, 1), r1))
	<-g.started
	assert.Equal(t, 0, inv.Idle())
	assert.False(t, inv.TryInvoke(waitJob(t, 2), newChanReceiver()), "no idle node left")

	close(g.release)
	o := r1.wait(t)
	require.NoError(t, o.err)
	assert.Equal(t, "node-1", o.result.NodeID)
	assert.Equal(t, int64(1), o.result.Spec.JobID)

	assert.Eventually(t, func() bool { return inv.Idle() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocalInvokerNotifyWhenFree(t *testing.T) {
	env := newTestEnv(t)
	g := newGate()
	g.register(env.registry)
	inv := NewLocalInvoker([]*Node{env.node})
	defer inv.Close()

	// Free invoker: fires right away.
	fired := make(chan string, 4)
	inv.NotifyWhenFree(func() { fired <- "immediate" })
	select {
	case got := <-fired:
		assert.Equal(t, "immediate", got)
	case <-time.After(time.Second):
		t.Fatal("notification for a free invoker did not fire")
	}

	r := newChanReceiver()
	require.True(t, inv.TryInvoke(waitJob(t, 1), r))
	<-g.started

	// Busy invoker: single slot, last registration wins.
	inv.NotifyWhenFree(func() { fired <- "first" })
	inv.NotifyWhenFree(func() { fired <- "second" })
	select {
	case got := <-fired:
		t.Fatalf("notification %q fired while busy", got)
	case <-time.After(20 * time.Millisecond):
	}

	close(g.release)
	r.wait(t)
	select {
	case got := <-fired:
		assert.Equal(t, "second", got)
	case <-time.After(time.Second):
		t.Fatal("notification did not fire on release")
	}
	select {
	case got := <-fired:
		t.Fatalf("unexpected extra notification %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLocalInvokerFatalJob(t *testing.T) {
	env := newTestEnv(t)
	inv := NewLocalInvoker([]*Node{env.node})
	defer inv.Close()

	r := newChanReceiver()
	require.True(t, inv.TryInvoke(mustJob(t, testSpec, domain.JobItem{FunctionID: "unknown"}), r))
	o := r.wait(t)
	assert.ErrorIs(t, o.err, domain.ErrFatal)
	assert.Nil(t, o.result)
}

func TestLocalInvokerClose(t *testing.T) {
	env := newTestEnv(t)
	g := newGate()
	g.register(env.registry)
	inv := NewLocalInvoker([]*Node{env.node, NewNode("node-2", env.registry, StoreSource(env.store))})

	r := newChanReceiver()
	require.True(t, inv.TryInvoke(waitJob(t, 1), r))
	<-g.started

	inv.Close()
	inv.Close()
	select {
	case <-inv.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.False(t, inv.TryInvoke(waitJob(t, 2), newChanReceiver()))

	o := r.wait(t)
	assert.ErrorIs(t, o.err, ErrInvokerClosed)
	inv.Wait()
}

func TestLocalInvokerCloseDoesNotWaitForStuckFunction(t *testing.T) {
	env := newTestEnv(t)
	started, release := make(chan struct{}), make(chan struct{})
	env.registry.MustRegister("stuck", function.Func(func(context.Context, function.Inputs, []domain.ValueID) (function.Outputs, error) {
		close(started)
		<-release // ignores cancellation
		return function.Outputs{}, nil
	}))
	inv := NewLocalInvoker([]*Node{env.node})

	r := newChanReceiver()
	require.True(t, inv.TryInvoke(mustJob(t, testSpec, domain.JobItem{FunctionID: "stuck", TargetID: "T"}), r))
	<-started

	inv.Close()
	select {
	case o := <-r.ch:
		assert.ErrorIs(t, o.err, ErrInvokerClosed)
		assert.Nil(t, o.result)
	case <-time.After(time.Second):
		t.Fatal("receiver not failed on Close")
	}

	close(release)
	inv.Wait()
	select {
	case o := <-r.ch:
		t.Fatalf("second outcome delivered: %+v", o)
	case <-time.After(20 * time.Millisecond):
	}
}

type panickyReceiver struct {
	once sync.Once
	done chan struct{}
}

func (p *panickyReceiver) OnCompleted(*domain.JobResult) {
	p.once.Do(func() { close(p.done) })
	panic("receiver bug")
}
func (p *panickyReceiver) OnFailed(Invoker, error) {}

func TestLocalInvokerSurvivesReceiverPanic(t *testing.T) {
	env := newTestEnv(t)
	inv := NewLocalInvoker([]*Node{env.node})
	defer inv.Close()

	p := &panickyReceiver{done: make(chan struct{})}
	require.True(t, inv.TryInvoke(mustJob(t, testSpec, domain.JobItem{FunctionID: "sum", TargetID: "T"}), p))
	<-p.done
	inv.Wait()

	r := newChanReceiver()
	require.True(t, inv.TryInvoke(mustJob(t, testSpec, domain.JobItem{FunctionID: "sum", TargetID: "T"}), r))
	require.NoError(t, r.wait(t).err)
}
