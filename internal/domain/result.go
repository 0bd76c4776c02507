package domain

import (
	"fmt"
	"time"
)

// DispatchFailedNodeID is the node id carried by results the dispatcher
// synthesizes when no executor ever completed the job.
const DispatchFailedNodeID = "dispatch-failed"

// ItemStatus is the outcome of one job item.
type ItemStatus int

const (
	StatusSuccess ItemStatus = iota
	StatusMissingInputs
	StatusFunctionThrew
	StatusFunctionFailed
	// StatusDispatchFailed marks items of a result synthesized by the
	// dispatcher; no function was run for them.
	StatusDispatchFailed
	// StatusSuppressed marks items not run because their function is
	// blacklisted after earlier failures.
	StatusSuppressed
)

func (s ItemStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusMissingInputs:
		return "missing_inputs"
	case StatusFunctionThrew:
		return "function_threw"
	case StatusFunctionFailed:
		return "function_failed"
	case StatusDispatchFailed:
		return "dispatch_failed"
	case StatusSuppressed:
		return "suppressed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// FailureDetail describes why an item failed.
type FailureDetail struct {
	Type    string `json:"type" msgpack:"type"`
	Message string `json:"message" msgpack:"message"`
	Stack   string `json:"stack" msgpack:"stack"`
}

func (d *FailureDetail) Error() string {
	if d.Type == "" {
		return d.Message
	}
	return d.Type + ": " + d.Message
}

// ResultItem is the outcome of one JobItem. MissingInputs is populated only
// for StatusMissingInputs and Failure only for the failure statuses.
type ResultItem struct {
	Status         ItemStatus     `json:"status" msgpack:"status"`
	Item           JobItem        `json:"item" msgpack:"item"`
	MissingInputs  []ValueID      `json:"missing_inputs" msgpack:"missing_inputs"`
	MissingOutputs []ValueID      `json:"missing_outputs" msgpack:"missing_outputs"`
	Failure        *FailureDetail `json:"failure,omitempty" msgpack:"failure,omitempty"`
}

// SuccessItem reports a successful invocation. missingOutputs lists
// required outputs the function did not produce.
func SuccessItem(item JobItem, missingOutputs []ValueID) ResultItem {
	return ResultItem{Status: StatusSuccess, Item: item, MissingOutputs: missingOutputs}
}

func MissingInputsItem(item JobItem, missing []ValueID) ResultItem {
	return ResultItem{Status: StatusMissingInputs, Item: item, MissingInputs: missing}
}

func ThrewItem(item JobItem, detail FailureDetail) ResultItem {
	return ResultItem{Status: StatusFunctionThrew, Item: item, Failure: &detail}
}

func FailedItem(item JobItem, detail FailureDetail) ResultItem {
	return ResultItem{Status: StatusFunctionFailed, Item: item, Failure: &detail}
}

// SuppressedItem reports an item skipped by a function blacklist. None of
// its outputs were produced.
func SuppressedItem(item JobItem, reason string) ResultItem {
	return ResultItem{
		Status:         StatusSuppressed,
		Item:           item,
		MissingOutputs: append([]ValueID(nil), item.DesiredOutputs...),
		Failure:        &FailureDetail{Type: "Suppressed", Message: reason},
	}
}

func DispatchFailedItem(item JobItem, reason string) ResultItem {
	return ResultItem{
		Status:  StatusDispatchFailed,
		Item:    item,
		Failure: &FailureDetail{Type: "DispatchFailure", Message: reason},
	}
}

// JobResult is the outcome of a whole job. Items has the same order and
// length as the job's items.
type JobResult struct {
	Spec     JobSpecification `json:"spec" msgpack:"spec"`
	Duration time.Duration    `json:"duration" msgpack:"duration"`
	Items    []ResultItem     `json:"items" msgpack:"items"`
	NodeID   string           `json:"node_id" msgpack:"node_id"`
}

// NewDispatchFailure synthesizes the terminal result for a job that no
// executor completed.
func NewDispatchFailure(job *Job, duration time.Duration, reason string) *JobResult {
	if duration < 0 {
		duration = 0
	}
	items := make([]ResultItem, len(job.Items))
	for i, item := range job.Items {
		items[i] = DispatchFailedItem(item, reason)
	}
	return &JobResult{
		Spec:     job.Spec,
		Duration: duration,
		Items:    items,
		NodeID:   DispatchFailedNodeID,
	}
}

// DispatchFailed reports whether the result was synthesized by the
// dispatcher.
func (r *JobResult) DispatchFailed() bool {
	return r.NodeID == DispatchFailedNodeID
}

// Counts returns the number of items per status.
func (r *JobResult) Counts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for _, item := range r.Items {
		counts[item.Status]++
	}
	return counts
}

// Capabilities is the set of tags an invoker advertises.
type Capabilities map[string]struct{}

// NewCapabilities builds a capability set from tags.
func NewCapabilities(tags ...string) Capabilities {
	c := make(Capabilities, len(tags))
	for _, t := range tags {
		if t != "" {
			c[t] = struct{}{}
		}
	}
	return c
}

// Satisfies reports whether every required tag is present. The empty
// requirement is always satisfied.
func (c Capabilities) Satisfies(required []string) bool {
	for _, t := range required {
		if _, ok := c[t]; !ok {
			return false
		}
	}
	return true
}

// Tags returns the tags in no particular order.
func (c Capabilities) Tags() []string {
	tags := make([]string, 0, len(c))
	for t := range c {
		tags = append(tags, t)
	}
	return tags
}
