package domain

import (
	"errors"
	"fmt"
)

// ErrEmptyJob is returned when a job is built without any items.
var ErrEmptyJob = errors.New("job has no items")

// ErrFatal marks configuration errors that abort a job outright. The
// dispatcher never retries a failure wrapping it.
var ErrFatal = errors.New("fatal job error")

// JobSpecification identifies one dispatchable unit of work. It is the
// correlation key for every result and is comparable, so it can be used
// directly as a map key.
type JobSpecification struct {
	ViewName   string `json:"view_name" msgpack:"view_name" yaml:"view"`
	CalcConfig string `json:"calc_config" msgpack:"calc_config" yaml:"config"`
	CycleID    int64  `json:"cycle_id" msgpack:"cycle_id" yaml:"cycle"`
	JobID      int64  `json:"job_id" msgpack:"job_id" yaml:"job"`
}

func (s JobSpecification) String() string {
	return fmt.Sprintf("%s/%s/%d/%d", s.ViewName, s.CalcConfig, s.CycleID, s.JobID)
}

// ValueID identifies a value in the value cache.
type ValueID string

// CachePolicy tells the executor where produced values are written.
type CachePolicy string

const (
	// CacheShared writes outputs to the cache shared by all nodes.
	CacheShared CachePolicy = "shared"
	// CachePrivate keeps outputs in the executing node's private cache.
	CachePrivate CachePolicy = "private"
)

// IsValid reports whether the policy is one of the known values.
// The empty policy is treated as shared.
func (p CachePolicy) IsValid() bool {
	switch p {
	case "", CacheShared, CachePrivate:
		return true
	}
	return false
}

// JobItem is a single function invocation inside a job.
type JobItem struct {
	FunctionID     string    `json:"function_id" msgpack:"function_id" yaml:"function"`
	TargetID       string    `json:"target_id" msgpack:"target_id" yaml:"target"`
	Inputs         []ValueID `json:"inputs" msgpack:"inputs" yaml:"inputs"`
	DesiredOutputs []ValueID `json:"desired_outputs" msgpack:"desired_outputs" yaml:"outputs"`
}

func (i JobItem) String() string {
	return fmt.Sprintf("%s(%s)", i.FunctionID, i.TargetID)
}

// Job is a specification plus its ordered items. Jobs are never mutated
// once built and may be shared between goroutines without copying.
type Job struct {
	Spec                 JobSpecification `json:"spec" msgpack:"spec"`
	Items                []JobItem        `json:"items" msgpack:"items"`
	CachePolicy          CachePolicy      `json:"cache_policy" msgpack:"cache_policy"`
	RequiredCapabilities []string         `json:"required_capabilities" msgpack:"required_capabilities"`
}

// NewJob builds a job, copying the supplied slices so later changes made
// by the caller are not observed by executors.
func NewJob(spec JobSpecification, items []JobItem, policy CachePolicy, required ...string) (*Job, error) {
	if len(items) == 0 {
		return nil, ErrEmptyJob
	}
	if !policy.IsValid() {
		return nil, fmt.Errorf("invalid cache policy %q", policy)
	}
	copied := make([]JobItem, len(items))
	for i, item := range items {
		copied[i] = JobItem{
			FunctionID:     item.FunctionID,
			TargetID:       item.TargetID,
			Inputs:         append([]ValueID{}, item.Inputs...),
			DesiredOutputs: append([]ValueID{}, item.DesiredOutputs...),
		}
	}
	var caps []string
	if len(required) > 0 {
		caps = append(caps, required...)
	}
	return &Job{
		Spec:                 spec,
		Items:                copied,
		CachePolicy:          policy,
		RequiredCapabilities: caps,
	}, nil
}

// Validate checks the structural invariants of a job received from
// elsewhere (e.g. decoded off the wire).
func (j *Job) Validate() error {
	if j == nil || len(j.Items) == 0 {
		return ErrEmptyJob
	}
	if !j.CachePolicy.IsValid() {
		return fmt.Errorf("invalid cache policy %q", j.CachePolicy)
	}
	return nil
}

// RequiredValues returns every value id consumed by any item of the job
// or desired by the caller. Outputs outside this set are not written back.
func (j *Job) RequiredValues() map[ValueID]struct{} {
	required := make(map[ValueID]struct{})
	for _, item := range j.Items {
		for _, id := range item.Inputs {
			required[id] = struct{}{}
		}
		for _, id := range item.DesiredOutputs {
			required[id] = struct{}{}
		}
	}
	return required
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%d items)", j.Spec, len(j.Items))
}
