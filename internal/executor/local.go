package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// ErrInvokerClosed is reported to receivers of jobs interrupted by Close.
var ErrInvokerClosed = errors.New("invoker closed")

// task is an accepted job. Its receiver is answered once, by the run or
// by Close, whichever claims it first.
type task struct {
	job      *domain.Job
	r        Receiver
	answered atomic.Bool
}

func (t *task) claim() bool {
	return t.answered.CompareAndSwap(false, true)
}

// LocalInvoker runs jobs on in-process nodes. Its capacity is the number
// of idle nodes; each accepted job runs on its own goroutine.
type LocalInvoker struct {
	id   string
	caps []string

	mu      sync.Mutex
	idle    []*Node
	size    int
	running map[*task]struct{}
	notify  func()
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewLocalInvoker wraps nodes. It panics if nodes is empty.
func NewLocalInvoker(nodes []*Node, opts ...LocalOption) *LocalInvoker {
	if len(nodes) == 0 {
		panic("executor: local invoker needs at least one node")
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &LocalInvoker{
		id:     "local-" + uuid.New().String()[:8],
		idle:    append([]*Node(nil), nodes...),
		size:    len(nodes),
		running: make(map[*task]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalInvoker) ID() string { return l.id }

func (l *LocalInvoker) Capabilities() domain.Capabilities {
	return domain.NewCapabilities(l.caps...)
}

// Size returns the number of nodes.
func (l *LocalInvoker) Size() int { return l.size }

// Idle returns the number of nodes free to take a job.
func (l *LocalInvoker) Idle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0
	}
	return len(l.idle)
}

func (l *LocalInvoker) TryInvoke(job *domain.Job, r Receiver) bool {
	l.mu.Lock()
	if l.closed || len(l.idle) == 0 {
		l.mu.Unlock()
		return false
	}
	node := l.idle[len(l.idle)-1]
	l.idle = l.idle[:len(l.idle)-1]
	t := &task{job: job, r: r}
	l.running[t] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	metrics.IncBusyNodes()
	go l.run(node, t)
	return true
}

func (l *LocalInvoker) run(node *Node, t *task) {
	defer l.wg.Done()

	job, r := t.job, t.r
	ctx := l.ctx
	if cr, ok := r.(ContextReceiver); ok {
		ctx = trace.ContextWithSpan(ctx, trace.SpanFromContext(cr.Context()))
	}
	result, err := l.execute(ctx, node, job)
	metrics.DecBusyNodes()
	notify := l.release(node, t)

	if !t.claim() {
		// Close already failed the receiver.
		logging.Op().Debug("dropping outcome of a job interrupted by close", "node", node.ID(), "spec", job.Spec.String())
		return
	}
	if err != nil {
		if l.ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrInvokerClosed, err)
		}
		deliver(func() { r.OnFailed(l, err) })
	} else {
		deliver(func() { r.OnCompleted(result) })
	}
	if notify != nil {
		deliver(notify)
	}
}

// execute runs the job, converting a panic outside the per-item recovery
// into an error so the receiver is always called.
func (l *LocalInvoker) execute(ctx context.Context, node *Node, job *domain.Job) (result *domain.JobResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Op().Error("node panicked", "node", node.ID(), "spec", job.Spec.String(),
				"panic", rec, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("node %s panicked: %v", node.ID(), rec)
		}
	}()
	return node.Execute(ctx, job)
}

// release returns node to the idle list and takes the pending free
// notification, if any.
func (l *LocalInvoker) release(node *Node, t *task) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, t)
	l.idle = append(l.idle, node)
	if l.closed {
		return nil
	}
	fn := l.notify
	l.notify = nil
	return fn
}

func (l *LocalInvoker) NotifyWhenFree(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if len(l.idle) > 0 {
		l.notify = nil
		l.mu.Unlock()
		safeGo(fn)
		return
	}
	l.notify = fn
	l.mu.Unlock()
}

// Done is closed by Close.
func (l *LocalInvoker) Done() <-chan struct{} {
	return l.done
}

// Close stops accepting jobs and cancels running ones. Their receivers get
// OnFailed with ErrInvokerClosed right away; a function that ignores the
// cancellation keeps its node busy until it returns, and its outcome is
// dropped.
func (l *LocalInvoker) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.notify = nil
	running := make([]*task, 0, len(l.running))
	for t := range l.running {
		running = append(running, t)
	}
	l.mu.Unlock()

	l.cancel()
	close(l.done)
	for _, t := range running {
		if t.claim() {
			deliver(func() { t.r.OnFailed(l, fmt.Errorf("%w: job %s interrupted", ErrInvokerClosed, t.job.Spec)) })
		}
	}
}

// Wait blocks until every accepted job has returned from its node.
func (l *LocalInvoker) Wait() {
	l.wg.Wait()
}

// deliver calls a receiver, logging instead of propagating its panic.
func deliver(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("recovered panic in job receiver", "panic", r)
		}
	}()
	f()
}
