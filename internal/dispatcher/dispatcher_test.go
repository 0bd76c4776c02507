package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/function"
)

// fakeInvoker accepts up to capacity jobs and hands them to the test
// through calls.
type fakeInvoker struct {
	id    string
	caps  []string
	calls chan call

	mu       sync.Mutex
	capacity int
	rejects  int
	notify   func()
	done     chan struct{}
}

type call struct {
	job *domain.Job
	r   executor.Receiver
}

func newFake(id string, capacity int, caps ...string) *fakeInvoker {
	return &fakeInvoker{
		id:       id,
		caps:     caps,
		capacity: capacity,
		calls:    make(chan call, 32),
		done:     make(chan struct{}),
	}
}

func (f *fakeInvoker) ID() string                        { return f.id }
func (f *fakeInvoker) Capabilities() domain.Capabilities { return domain.NewCapabilities(f.caps...) }

func (f *fakeInvoker) TryInvoke(job *domain.Job, r executor.Receiver) bool {
	f.mu.Lock()
	if f.capacity <= 0 {
		f.rejects++
		f.mu.Unlock()
		return false
	}
	f.capacity--
	f.mu.Unlock()
	f.calls <- call{job: job, r: r}
	return true
}

func (f *fakeInvoker) NotifyWhenFree(fn func()) {
	f.mu.Lock()
	if f.capacity > 0 {
		f.notify = nil
		f.mu.Unlock()
		go fn()
		return
	}
	f.notify = fn
	f.mu.Unlock()
}

// release gives back one unit of capacity and fires the notification.
func (f *fakeInvoker) release() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacity++
	fn := f.notify
	f.notify = nil
	return fn
}

func (f *fakeInvoker) complete(c call) {
	fn := f.release()
	c.r.OnCompleted(successResult(c.job, f.id))
	if fn != nil {
		fn()
	}
}

func (f *fakeInvoker) fail(c call, err error) {
	fn := f.release()
	c.r.OnFailed(f, err)
	if fn != nil {
		fn()
	}
}

func (f *fakeInvoker) rejected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejects
}

func (f *fakeInvoker) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("invoker %s got no job", f.id)
		return call{}
	}
}

func (f *fakeInvoker) idle(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("invoker %s unexpectedly got job %s", f.id, c.job.Spec)
	case <-time.After(50 * time.Millisecond):
	}
}

// closingInvoker is a fakeInvoker that can go away.
type closingInvoker struct{ *fakeInvoker }

func (c closingInvoker) Done() <-chan struct{} { return c.done }

func successResult(job *domain.Job, node string) *domain.JobResult {
	items := make([]domain.ResultItem, len(job.Items))
	for i, item := range job.Items {
		items[i] = domain.SuccessItem(item, nil)
	}
	return &domain.JobResult{Spec: job.Spec, Items: items, NodeID: node}
}

type results struct {
	ch chan *domain.JobResult
}

func newResults() *results {
	return &results{ch: make(chan *domain.JobResult, 16)}
}

func (r *results) OnResult(result *domain.JobResult) { r.ch <- result }

func (r *results) wait(t *testing.T) *domain.JobResult {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
		return nil
	}
}

func (r *results) none(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.ch:
		t.Fatalf("unexpected result %s from %s", res.Spec, res.NodeID)
	case <-time.After(50 * time.Millisecond):
	}
}

func testJob(t *testing.T, id int64, required ...string) *domain.Job {
	t.Helper()
	spec := domain.JobSpecification{ViewName: "V", CalcConfig: "C", CycleID: 1, JobID: id}
	job, err := domain.NewJob(spec, []domain.JobItem{{
		FunctionID: "copy", TargetID: "T", Inputs: []domain.ValueID{"X"}, DesiredOutputs: []domain.ValueID{"Y"},
	}}, domain.CacheShared, required...)
	require.NoError(t, err)
	return job
}

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := New(cfg, WithJobLogger(nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d
}

func TestDispatchPendingUntilRegistered(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	res := newResults()
	job := testJob(t, 1)

	require.NoError(t, d.Dispatch(job, res))
	assert.Equal(t, 1, d.Stats().Pending)
	res.none(t)

	a := newFake("A", 1)
	require.NoError(t, d.RegisterInvoker(a))
	c := a.next(t)
	assert.Equal(t, job.Spec, c.job.Spec)
	assert.Equal(t, 0, d.Stats().Pending)
	assert.Equal(t, 1, d.Stats().InFlight)

	a.complete(c)
	got := res.wait(t)
	assert.Equal(t, "A", got.NodeID)
	assert.Equal(t, job.Spec, got.Spec)
	assert.Equal(t, 0, d.Stats().InFlight)
}

func TestDispatchRoundRobin(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	invokers := []*fakeInvoker{newFake("A", 10), newFake("B", 10), newFake("C", 10)}
	for _, inv := range invokers {
		require.NoError(t, d.RegisterInvoker(inv))
	}

	res := newResults()
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, d.Dispatch(testJob(t, i), res))
	}

	assert.Equal(t, int64(1), invokers[0].next(t).job.Spec.JobID)
	assert.Equal(t, int64(2), invokers[1].next(t).job.Spec.JobID)
	assert.Equal(t, int64(3), invokers[2].next(t).job.Spec.JobID)
	assert.Equal(t, int64(4), invokers[0].next(t).job.Spec.JobID)
}

func TestDispatchSkipsRejectingInvoker(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	full := newFake("A", 0)
	free := newFake("B", 5)
	require.NoError(t, d.RegisterInvoker(full))
	require.NoError(t, d.RegisterInvoker(free))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	require.NoError(t, d.Dispatch(testJob(t, 2), res))

	free.complete(free.next(t))
	free.complete(free.next(t))
	res.wait(t)
	res.wait(t)
	assert.Equal(t, 2, full.rejected())
	full.idle(t)
}

func TestDispatchPendingFIFO(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	a := newFake("A", 0)
	require.NoError(t, d.RegisterInvoker(a))

	res := newResults()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, d.Dispatch(testJob(t, i), res))
	}
	assert.Equal(t, 3, d.Stats().Pending)

	if fn := a.release(); fn != nil {
		fn()
	}
	for want := int64(1); want <= 3; want++ {
		c := a.next(t)
		assert.Equal(t, want, c.job.Spec.JobID)
		a.complete(c)
		assert.Equal(t, want, res.wait(t).Spec.JobID)
	}
}

func TestDispatchRetriesElsewhereThenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxJobAttempts = 2
	d := newTestDispatcher(t, cfg)
	a := newFake("A", 5)
	b := newFake("B", 5)
	require.NoError(t, d.RegisterInvoker(a))
	require.NoError(t, d.RegisterInvoker(b))

	res := newResults()
	job := testJob(t, 1)
	require.NoError(t, d.Dispatch(job, res))

	a.fail(a.next(t), errors.New("node crashed"))
	b.fail(b.next(t), errors.New("node crashed again"))

	got := res.wait(t)
	assert.True(t, got.DispatchFailed())
	assert.Equal(t, domain.DispatchFailedNodeID, got.NodeID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, domain.StatusDispatchFailed, got.Items[0].Status)
	assert.Contains(t, got.Items[0].Failure.Message, ErrAttemptsExhausted.Error())
	res.none(t)
	assert.Equal(t, 0, d.Stats().Pending)
}

func TestDispatchTimeoutDiscardsLateResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxJobExecutionTime = 50 * time.Millisecond
	d := newTestDispatcher(t, cfg)
	a := newFake("A", 1)
	b := newFake("B", 1)
	require.NoError(t, d.RegisterInvoker(a))
	require.NoError(t, d.RegisterInvoker(b))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))

	slow := a.next(t)
	retried := b.next(t)
	a.complete(slow)
	res.none(t)

	b.complete(retried)
	assert.Equal(t, "B", res.wait(t).NodeID)
	res.none(t)
}

func TestDispatchFatalNotRetried(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	a := newFake("A", 5)
	b := newFake("B", 5)
	require.NoError(t, d.RegisterInvoker(a))
	require.NoError(t, d.RegisterInvoker(b))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	a.fail(a.next(t), fmt.Errorf("%w: unknown function", domain.ErrFatal))

	got := res.wait(t)
	assert.True(t, got.DispatchFailed())
	assert.Contains(t, got.Items[0].Failure.Message, "unknown function")
	b.idle(t)
}

func TestDispatchRejectsBadInput(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	res := newResults()

	assert.ErrorIs(t, d.Dispatch(nil, res), domain.ErrEmptyJob)
	assert.ErrorIs(t, d.Dispatch(&domain.Job{}, res), domain.ErrEmptyJob)
	assert.ErrorIs(t, d.Dispatch(testJob(t, 1), nil), ErrNoReceiver)
}

func TestDispatchDuplicateSpec(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	a := newFake("A", 1)
	require.NoError(t, d.RegisterInvoker(a))
	res := newResults()

	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	assert.ErrorIs(t, d.Dispatch(testJob(t, 1), res), ErrDuplicateJob)

	a.complete(a.next(t))
	res.wait(t)
	require.NoError(t, d.Dispatch(testJob(t, 1), res))
}

func TestDispatchPendingTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxJobPendingTime = 50 * time.Millisecond
	d := newTestDispatcher(t, cfg)
	res := newResults()

	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	got := res.wait(t)
	assert.True(t, got.DispatchFailed())
	assert.Contains(t, got.Items[0].Failure.Message, ErrPendingTimeout.Error())
	assert.Equal(t, 0, d.Stats().Pending)
}

func TestDispatchCapabilities(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	plain := newFake("A", 5)
	gpu := newFake("B", 5, "gpu")
	require.NoError(t, d.RegisterInvoker(plain))
	require.NoError(t, d.RegisterInvoker(gpu))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1, "gpu"), res))
	gpu.complete(gpu.next(t))
	assert.Equal(t, "B", res.wait(t).NodeID)
	plain.idle(t)
	assert.Equal(t, 0, plain.rejected())
}

func TestDispatchCircuitBreakerSkipsInvoker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker = circuitbreaker.Config{
		ErrorPct:       50,
		MinRequests:    1,
		WindowDuration: time.Minute,
		OpenDuration:   time.Hour,
	}
	d := newTestDispatcher(t, cfg)
	a := newFake("A", 5)
	b := newFake("B", 5)
	require.NoError(t, d.RegisterInvoker(a))
	require.NoError(t, d.RegisterInvoker(b))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	a.fail(a.next(t), errors.New("boom"))
	b.complete(b.next(t))
	assert.Equal(t, "B", res.wait(t).NodeID)
	assert.Equal(t, "open", d.Stats().Breakers["A"])

	require.NoError(t, d.Dispatch(testJob(t, 2), res))
	b.complete(b.next(t))
	assert.Equal(t, "B", res.wait(t).NodeID)
	a.idle(t)
}

func TestRegisterInvokerDuplicate(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	require.NoError(t, d.RegisterInvoker(newFake("A", 1)))
	assert.ErrorIs(t, d.RegisterInvoker(newFake("A", 1)), ErrDuplicateInvoker)
	assert.Equal(t, []string{"A"}, d.Stats().Invokers)
}

func TestDeregisterInvoker(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	a := newFake("A", 5)
	b := newFake("B", 5)
	require.NoError(t, d.RegisterInvoker(a))
	require.NoError(t, d.RegisterInvoker(b))

	assert.True(t, d.DeregisterInvoker(a))
	assert.False(t, d.DeregisterInvoker(a))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	b.complete(b.next(t))
	assert.Equal(t, "B", res.wait(t).NodeID)
	a.idle(t)
}

func TestInvokerDoneDeregisters(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	inv := closingInvoker{newFake("A", 1)}
	require.NoError(t, d.RegisterInvoker(inv))
	assert.Equal(t, []string{"A"}, d.Stats().Invokers)

	close(inv.done)
	require.Eventually(t, func() bool {
		return len(d.Stats().Invokers) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownFailsPendingJobs(t *testing.T) {
	d := New(DefaultConfig(), WithJobLogger(nil))
	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	got := res.wait(t)
	assert.True(t, got.DispatchFailed())
	assert.Contains(t, got.Items[0].Failure.Message, ErrShutdown.Error())
	assert.ErrorIs(t, d.Dispatch(testJob(t, 2), res), ErrShutdown)
	assert.ErrorIs(t, d.RegisterInvoker(newFake("A", 1)), ErrShutdown)
	assert.True(t, d.Stats().Closed)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	d := New(DefaultConfig(), WithJobLogger(nil))
	a := newFake("A", 1)
	require.NoError(t, d.RegisterInvoker(a))
	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	c := a.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)

	a.complete(c)
	assert.Equal(t, "A", res.wait(t).NodeID)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestReceiverPanicIsRecovered(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	a := newFake("A", 5)
	require.NoError(t, d.RegisterInvoker(a))

	require.NoError(t, d.Dispatch(testJob(t, 1), ResultFunc(func(*domain.JobResult) {
		panic("receiver bug")
	})))
	a.complete(a.next(t))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 2), res))
	a.complete(a.next(t))
	assert.Equal(t, int64(2), res.wait(t).Spec.JobID)
}

func TestDispatchWithLocalInvoker(t *testing.T) {
	reg := function.NewRegistry()
	function.RegisterBuiltins(reg)
	shared := cache.NewInMemoryCache()
	defer shared.Close()
	store := cache.NewValueStore(shared, nil, 0)

	spec := domain.JobSpecification{ViewName: "V", CalcConfig: "C", CycleID: 1, JobID: 1}
	ctx := context.Background()
	require.NoError(t, store.Cache(spec).Put(ctx, "X", []byte("v"), domain.CacheShared))

	local := executor.NewLocalInvoker([]*executor.Node{
		executor.NewNode("node-1", reg, executor.StoreSource(store)),
	})
	defer local.Close()

	d := newTestDispatcher(t, DefaultConfig())
	require.NoError(t, d.RegisterInvoker(local))

	res := newResults()
	require.NoError(t, d.Dispatch(testJob(t, 1), res))
	got := res.wait(t)

	assert.Equal(t, spec, got.Spec)
	assert.Equal(t, "node-1", got.NodeID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, domain.StatusSuccess, got.Items[0].Status)

	v, err := store.Cache(spec).Get(ctx, "Y")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}
