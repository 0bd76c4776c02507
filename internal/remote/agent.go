package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/wire"
)

// AgentConfig configures the node side of a connection.
type AgentConfig struct {
	// Address of the dispatcher: "tcp://host:port", "vsock://cid:port",
	// or a gRPC target when GRPC is set.
	Address string
	GRPC    bool
	// Codec name, see wire.GetCodec.
	Codec string
	// NodeID announced in ready messages. Defaults to the invoker id.
	NodeID string

	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	DialTimeout time.Duration
}

func (c *AgentConfig) applyDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Agent connects a LocalInvoker to a remote dispatcher and keeps the
// connection up, reconnecting with exponential backoff.
type Agent struct {
	cfg   AgentConfig
	codec wire.Codec
	local *executor.LocalInvoker

	mu      sync.Mutex
	current *session
	running int // jobs accepted from any session and not yet answered
}

type session struct {
	conn wire.Conn
}

// NewAgent returns an agent serving jobs on local.
func NewAgent(cfg AgentConfig, local *executor.LocalInvoker) (*Agent, error) {
	if cfg.Address == "" {
		return nil, errors.New("remote: agent needs a dispatcher address")
	}
	codec, err := wire.GetCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = local.ID()
	}
	return &Agent{cfg: cfg, codec: codec, local: local}, nil
}

// Run connects and serves jobs until ctx is done. Connection failures are
// retried forever; Run returns nil once ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.MinBackoff
	b.MaxInterval = a.cfg.MaxBackoff

	log := logging.Op().With("node", a.cfg.NodeID, "dispatcher", a.cfg.Address)
	for attempt := 1; ; attempt++ {
		conn, err := a.dial(ctx)
		if err == nil {
			log.Info("connected to dispatcher", "codec", a.codec.Name())
			b.Reset()
			attempt = 0
			err = a.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("dispatcher connection lost", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := b.NextBackOff()
		if err != nil && attempt > 0 {
			log.Warn("connecting to dispatcher failed", "attempt", attempt, "delay", delay, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (a *Agent) dial(ctx context.Context) (wire.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	if a.cfg.GRPC {
		return wire.DialGRPC(ctx, strings.TrimPrefix(a.cfg.Address, "tcp://"), a.codec)
	}
	return wire.Dial(ctx, a.cfg.Address, a.codec)
}

// serve runs one session: the ready handshake, then jobs until the
// connection fails.
func (a *Agent) serve(ctx context.Context, conn wire.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	sess := &session{conn: conn}
	a.mu.Lock()
	free := max(a.local.Size()-a.running, 0)
	err := a.send(conn, wire.Ready(a.cfg.NodeID, free, a.local.Capabilities().Tags()))
	if err == nil {
		a.current = sess
	}
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	defer func() {
		a.mu.Lock()
		if a.current == sess {
			a.current = nil
		}
		a.mu.Unlock()
	}()

	log := logging.Op().With("node", a.cfg.NodeID)
	for {
		m, err := conn.Receive()
		if err != nil {
			return err
		}
		metrics.RecordRemoteMessage(string(m.Type), dirIn)
		if err := m.Validate(); err != nil {
			log.Warn("ignoring invalid message", "error", err)
			continue
		}
		if m.Type != wire.TypeJob {
			log.Warn("ignoring unexpected message", "type", m.Type)
			continue
		}
		a.accept(sess, m)
	}
}

func (a *Agent) accept(sess *session, m *wire.Message) {
	ctx := context.Background()
	if m.Trace != nil {
		ctx = observability.InjectTraceContext(ctx, *m.Trace)
	}
	r := &replier{a: a, sess: sess, spec: m.Job.Spec, ctx: ctx}

	a.mu.Lock()
	a.running++
	a.mu.Unlock()
	if a.local.TryInvoke(m.Job, r) {
		return
	}
	a.mu.Lock()
	a.running--
	a.mu.Unlock()

	logging.Op().Warn("rejecting job, no idle node", "node", a.cfg.NodeID, "spec", m.Job.Spec.String())
	if err := a.send(sess.conn, wire.FailureMessage(m.Job.Spec, ErrNoCapacity)); err != nil {
		sess.conn.Close()
	}
}

// finish answers a job on the session it came from. When that session is
// gone the answer is dropped and the freed node is granted to the current
// session instead.
func (a *Agent) finish(sess *session, m *wire.Message) {
	a.mu.Lock()
	a.running--
	cur := a.current
	a.mu.Unlock()

	if cur == sess {
		if err := a.send(sess.conn, m); err != nil {
			logging.Op().Warn("sending answer failed", "node", a.cfg.NodeID, "type", m.Type, "error", err)
			sess.conn.Close()
		}
		return
	}
	logging.Op().Debug("dropping answer for a closed connection", "node", a.cfg.NodeID, "type", m.Type)
	if cur != nil {
		if err := a.send(cur.conn, wire.Ready(a.cfg.NodeID, 1, nil)); err != nil {
			cur.conn.Close()
		}
	}
}

func (a *Agent) send(conn wire.Conn, m *wire.Message) error {
	if err := conn.Send(m); err != nil {
		return err
	}
	metrics.RecordRemoteMessage(string(m.Type), dirOut)
	return nil
}

// replier forwards the outcome of a job to the dispatcher.
type replier struct {
	a    *Agent
	sess *session
	spec domain.JobSpecification
	ctx  context.Context
}

var _ executor.ContextReceiver = (*replier)(nil)

func (r *replier) Context() context.Context { return r.ctx }

func (r *replier) OnCompleted(result *domain.JobResult) {
	r.a.finish(r.sess, wire.ResultMessage(result))
}

func (r *replier) OnFailed(_ executor.Invoker, err error) {
	r.a.finish(r.sess, wire.FailureMessage(r.spec, err))
}
