package executor

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/oriys/quasar/internal/logging"
)

var nodeSeq atomic.Int64

// NewNodeID returns a process-unique node identifier of the form
// host/pid/n.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s/%d/%d", host, os.Getpid(), nodeSeq.Add(1))
}

// LocalOption configures a LocalInvoker.
type LocalOption func(*LocalInvoker)

// WithInvokerID sets the invoker id reported to the dispatcher.
func WithInvokerID(id string) LocalOption {
	return func(l *LocalInvoker) {
		if id != "" {
			l.id = id
		}
	}
}

// WithCapabilities sets the capability tags the invoker advertises.
func WithCapabilities(tags ...string) LocalOption {
	return func(l *LocalInvoker) {
		l.caps = nil
		for _, t := range tags {
			if t != "" {
				l.caps = append(l.caps, t)
			}
		}
	}
}

// safeGo runs f in a new goroutine with panic recovery so that a failure
// in background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
