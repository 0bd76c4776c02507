// Package wire defines the messages exchanged between the dispatcher and
// remote nodes, their codecs and the transports carrying them.
//
// A node connects and announces its capacity with a ready message. The
// dispatcher sends one job message per accepted job; the node answers
// each with exactly one result message, or a failure message when it
// could not produce a result at all. Further ready messages add capacity.
package wire

import (
	"errors"
	"fmt"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/observability"
)

var (
	// ErrInvalidMessage is returned for messages missing their payload.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNoCapacity is the failure a node sends for a job that arrived
	// while all of its nodes were busy. The job was never run and the
	// node's credit for it is void.
	ErrNoCapacity = errors.New("node has no free capacity")
)

// MessageType identifies the kind of a message.
type MessageType string

const (
	TypeReady   MessageType = "ready"
	TypeJob     MessageType = "job"
	TypeResult  MessageType = "result"
	TypeFailure MessageType = "failure"
)

// Message is the single envelope of the protocol. Which fields are set
// depends on Type.
type Message struct {
	Type MessageType `json:"type" msgpack:"type"`

	// ready
	NodeID       string   `json:"node_id,omitempty" msgpack:"node_id,omitempty"`
	Capacity     int      `json:"capacity,omitempty" msgpack:"capacity,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`

	// job
	Job   *domain.Job                 `json:"job,omitempty" msgpack:"job,omitempty"`
	Trace *observability.TraceContext `json:"trace,omitempty" msgpack:"trace,omitempty"`

	// result
	Result *domain.JobResult `json:"result,omitempty" msgpack:"result,omitempty"`

	// failure
	Spec  *domain.JobSpecification `json:"spec,omitempty" msgpack:"spec,omitempty"`
	Error string                   `json:"error,omitempty" msgpack:"error,omitempty"`
	Fatal bool                     `json:"fatal,omitempty" msgpack:"fatal,omitempty"`
	// NoCapacity marks a job rejected for lack of an idle node.
	NoCapacity bool `json:"no_capacity,omitempty" msgpack:"no_capacity,omitempty"`
}

// Ready announces capacity additional job slots.
func Ready(nodeID string, capacity int, capabilities []string) *Message {
	return &Message{Type: TypeReady, NodeID: nodeID, Capacity: capacity, Capabilities: capabilities}
}

// JobMessage carries a job and, when tracing, its trace context.
func JobMessage(job *domain.Job, tc observability.TraceContext) *Message {
	m := &Message{Type: TypeJob, Job: job}
	if tc.TraceParent != "" {
		m.Trace = &tc
	}
	return m
}

// ResultMessage carries the result of a job.
func ResultMessage(result *domain.JobResult) *Message {
	return &Message{Type: TypeResult, Result: result}
}

// FailureMessage reports that the job of spec produced no result. Errors
// wrapping domain.ErrFatal are flagged so the dispatcher does not retry,
// errors wrapping ErrNoCapacity so it does not count the node's slot as
// freed.
func FailureMessage(spec domain.JobSpecification, err error) *Message {
	return &Message{
		Type:       TypeFailure,
		Spec:       &spec,
		Error:      err.Error(),
		Fatal:      errors.Is(err, domain.ErrFatal),
		NoCapacity: errors.Is(err, ErrNoCapacity),
	}
}

// Err rebuilds the error of a failure message.
func (m *Message) Err() error {
	switch {
	case m.Fatal:
		return fmt.Errorf("%w: %s", domain.ErrFatal, m.Error)
	case m.NoCapacity:
		return fmt.Errorf("%w: %s", ErrNoCapacity, m.Error)
	}
	return errors.New(m.Error)
}

// Validate checks that the payload of the message type is present.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeReady:
		if m.Capacity < 0 {
			return fmt.Errorf("%w: negative capacity %d", ErrInvalidMessage, m.Capacity)
		}
	case TypeJob:
		if m.Job == nil {
			return fmt.Errorf("%w: job message without job", ErrInvalidMessage)
		}
	case TypeResult:
		if m.Result == nil {
			return fmt.Errorf("%w: result message without result", ErrInvalidMessage)
		}
	case TypeFailure:
		if m.Spec == nil {
			return fmt.Errorf("%w: failure message without spec", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

func (m *Message) String() string {
	switch m.Type {
	case TypeReady:
		return fmt.Sprintf("ready(%s, %d)", m.NodeID, m.Capacity)
	case TypeJob:
		if m.Job != nil {
			return "job(" + m.Job.Spec.String() + ")"
		}
	case TypeResult:
		if m.Result != nil {
			return "result(" + m.Result.Spec.String() + ")"
		}
	case TypeFailure:
		if m.Spec != nil {
			return "failure(" + m.Spec.String() + ")"
		}
	}
	return string(m.Type)
}
