// Package remote connects nodes running in other processes, hosts or
// micro-VMs to a dispatcher. On the dispatcher side every node connection
// is an Invoker; on the node side an Agent feeds received jobs to local
// nodes and sends their results back.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/wire"
)

var (
	// ErrConnectionClosed is reported for every job still waiting on a
	// connection when it goes away.
	ErrConnectionClosed = errors.New("remote connection closed")
	// ErrHandshake is returned when a node does not open with ready.
	ErrHandshake = errors.New("remote handshake failed")
	// ErrWriteTimeout closes a connection whose node stopped reading.
	ErrWriteTimeout = errors.New("write to node timed out")
	// ErrNoCapacity is sent back by an agent for a job that arrives while
	// every local node is busy.
	ErrNoCapacity = wire.ErrNoCapacity
)

const (
	dirIn  = "in"
	dirOut = "out"
)

// DefaultWriteTimeout bounds the write of one message to a node.
const DefaultWriteTimeout = 30 * time.Second

// outboxSize bounds the messages queued for a node's writer.
const outboxSize = 64

// Invoker is the dispatcher's handle on one node connection. Its capacity
// is the credit granted by the node's ready messages minus the jobs sent
// and not yet answered.
//
// Jobs are written by a per-connection goroutine, so TryInvoke never waits
// on the network. A write that fails or exceeds the write timeout closes
// the connection and fails every waiting job.
type Invoker struct {
	id           string
	nodeID       string
	caps         domain.Capabilities
	conn         wire.Conn
	writeTimeout time.Duration
	outbox       chan *wire.Message

	mu       sync.Mutex
	capacity int
	waiting  map[domain.JobSpecification][]executor.Receiver
	notify   func()
	closed   bool // no more jobs; set on send errors and shutdown
	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ executor.Invoker = (*Invoker)(nil)
	_ executor.Closer  = (*Invoker)(nil)
)

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d > 0 {
			i.writeTimeout = d
		}
	}
}

// NewInvoker wraps conn after its ready handshake message and starts its
// writer. The writer stops when the connection closes.
func NewInvoker(conn wire.Conn, ready *wire.Message, opts ...InvokerOption) *Invoker {
	nodeID := ready.NodeID
	if nodeID == "" {
		nodeID = conn.RemoteAddr()
	}
	i := &Invoker{
		id:           nodeID + "@" + uuid.New().String()[:8],
		nodeID:       nodeID,
		caps:         domain.NewCapabilities(ready.Capabilities...),
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		outbox:       make(chan *wire.Message, outboxSize),
		capacity:     ready.Capacity,
		waiting:      make(map[domain.JobSpecification][]executor.Receiver),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	go i.writeLoop()
	return i
}

// ID is the node id plus a per-connection suffix, so a reconnecting node
// never collides with its previous connection.
func (i *Invoker) ID() string { return i.id }

// NodeID is the id the node announced.
func (i *Invoker) NodeID() string { return i.nodeID }

func (i *Invoker) Capabilities() domain.Capabilities { return i.caps }

// Capacity returns the number of jobs the node can take right now.
func (i *Invoker) Capacity() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.capacity
}

// Waiting returns the number of jobs sent and not yet answered.
func (i *Invoker) Waiting() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, rs := range i.waiting {
		n += len(rs)
	}
	return n
}

// TryInvoke takes a slot of the node's credit and queues the job for the
// writer. It returns false when there is no credit, the connection is
// closed or the outbox is full.
func (i *Invoker) TryInvoke(job *domain.Job, r executor.Receiver) bool {
	ctx := context.Background()
	if cr, ok := r.(executor.ContextReceiver); ok {
		ctx = cr.Context()
	}
	m := wire.JobMessage(job, observability.ExtractTraceContext(ctx))

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed || i.capacity <= 0 {
		return false
	}
	select {
	case i.outbox <- m:
	default:
		logging.Op().Warn("node outbox full, rejecting job", "invoker", i.id, "spec", job.Spec.String())
		return false
	}
	i.capacity--
	i.waiting[job.Spec] = append(i.waiting[job.Spec], r)
	return true
}

func (i *Invoker) writeLoop() {
	for {
		select {
		case <-i.done:
			return
		case m := <-i.outbox:
			if err := i.write(m); err != nil {
				logging.Op().Warn("sending to node failed", "invoker", i.id, "message", m.String(), "error", err)
				i.shutdown(fmt.Errorf("send %s: %w", m, err))
				return
			}
			metrics.RecordRemoteMessage(string(m.Type), dirOut)
		}
	}
}

// write sends m, shutting the connection down if the node does not take
// it within the write timeout.
func (i *Invoker) write(m *wire.Message) error {
	timeout := fmt.Errorf("%w after %s", ErrWriteTimeout, i.writeTimeout)
	timer := time.AfterFunc(i.writeTimeout, func() { i.shutdown(timeout) })
	err := i.conn.Send(m)
	if !timer.Stop() {
		return timeout
	}
	return err
}

// takeWaiting pops the oldest receiver waiting for spec and, when
// restore is set, gives back its slot. Must be called under i.mu.
func (i *Invoker) takeWaiting(spec domain.JobSpecification, restore bool) executor.Receiver {
	rs := i.waiting[spec]
	if len(rs) == 0 {
		return nil
	}
	r := rs[0]
	if len(rs) == 1 {
		delete(i.waiting, spec)
	} else {
		i.waiting[spec] = rs[1:]
	}
	if restore {
		i.capacity++
	}
	return r
}

func (i *Invoker) NotifyWhenFree(fn func()) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	if i.capacity > 0 {
		i.notify = nil
		i.mu.Unlock()
		go safeCall(fn)
		return
	}
	i.notify = fn
	i.mu.Unlock()
}

// takeNotify returns the pending notification if there is capacity. Must
// be called under i.mu.
func (i *Invoker) takeNotify() func() {
	if i.capacity <= 0 || i.notify == nil {
		return nil
	}
	fn := i.notify
	i.notify = nil
	return fn
}

// Done is closed when the connection is gone.
func (i *Invoker) Done() <-chan struct{} {
	return i.done
}

// Close closes the connection. Waiting receivers get OnFailed with
// ErrConnectionClosed.
func (i *Invoker) Close() {
	i.shutdown(errors.New("closed by dispatcher"))
}

// Serve reads messages until the connection fails or ctx is done, then
// fails the jobs still waiting. It is safe to call TryInvoke while Serve
// runs.
func (i *Invoker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { i.conn.Close() })
	defer stop()

	log := logging.Op().With("invoker", i.id)
	for {
		m, err := i.conn.Receive()
		if err != nil {
			i.shutdown(err)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		metrics.RecordRemoteMessage(string(m.Type), dirIn)
		if err := m.Validate(); err != nil {
			log.Warn("ignoring invalid message", "error", err)
			continue
		}

		switch m.Type {
		case wire.TypeReady:
			i.mu.Lock()
			i.capacity += m.Capacity
			fn := i.takeNotify()
			i.mu.Unlock()
			log.Debug("node granted capacity", "capacity", m.Capacity)
			if fn != nil {
				safeCall(fn)
			}
		case wire.TypeResult:
			i.answer(m.Result.Spec, true, func(r executor.Receiver) { r.OnCompleted(m.Result) }, log)
		case wire.TypeFailure:
			// A node without an idle node had no slot for the job; its
			// credit was overstated by one.
			i.answer(*m.Spec, !m.NoCapacity, func(r executor.Receiver) { r.OnFailed(i, m.Err()) }, log)
		default:
			log.Warn("ignoring unexpected message", "type", m.Type)
		}
	}
}

func (i *Invoker) answer(spec domain.JobSpecification, restore bool, call func(executor.Receiver), log *slog.Logger) {
	i.mu.Lock()
	r := i.takeWaiting(spec, restore)
	var fn func()
	if r != nil {
		fn = i.takeNotify()
	}
	i.mu.Unlock()

	if r == nil {
		log.Warn("ignoring answer for a job not sent on this connection", "spec", spec.String())
		return
	}
	safeCall(func() { call(r) })
	if fn != nil {
		safeCall(fn)
	}
}

func (i *Invoker) shutdown(cause error) {
	i.mu.Lock()
	if i.waiting == nil {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.notify = nil
	waiting := i.waiting
	i.waiting = nil
	i.mu.Unlock()

	i.conn.Close()
	i.doneOnce.Do(func() { close(i.done) })

	err := fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	n := 0
	for _, rs := range waiting {
		for _, r := range rs {
			safeCall(func() { r.OnFailed(i, err) })
			n++
		}
	}
	logging.Op().Info("node connection closed", "invoker", i.id, "failed_jobs", n, "cause", cause)
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("recovered panic in remote callback", "panic", r)
		}
	}()
	fn()
}
