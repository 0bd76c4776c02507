package executor

import (
	"context"

	"github.com/oriys/quasar/internal/domain"
)

// Receiver is told the outcome of a job accepted by an Invoker. Exactly
// one of its methods is called, exactly once, per accepted job.
type Receiver interface {
	OnCompleted(result *domain.JobResult)
	OnFailed(inv Invoker, err error)
}

// ContextReceiver is a Receiver carrying the context of the dispatch, so
// invokers can continue its trace.
type ContextReceiver interface {
	Receiver
	Context() context.Context
}

// Invoker is the dispatcher's view of one executor or pool of executors,
// in process or behind a connection.
type Invoker interface {
	ID() string

	// TryInvoke never blocks. It returns false when the job cannot be
	// taken right now (no capacity, disconnected, closed); the caller must
	// not assume the job was queued. After true the receiver is called
	// exactly once.
	TryInvoke(job *domain.Job, r Receiver) bool

	Capabilities() domain.Capabilities

	// NotifyWhenFree registers fn to run the next time the invoker has
	// capacity. There is a single slot: a second registration before the
	// first fires replaces it. If the invoker already has capacity, fn
	// runs right away. fn runs at most once; callers re-register.
	NotifyWhenFree(fn func())
}

// Closer is implemented by invokers that can go away on their own, such as
// remote connections. Done is closed once the invoker accepts no more work.
type Closer interface {
	Done() <-chan struct{}
}
