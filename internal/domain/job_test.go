package domain

import (
	"errors"
	"testing"
	"time"
)

func testItems() []JobItem {
	return []JobItem{
		{FunctionID: "sum", TargetID: "T1", Inputs: []ValueID{"a", "b"}, DesiredOutputs: []ValueID{"c"}},
		{FunctionID: "copy", TargetID: "T2", Inputs: []ValueID{"c"}, DesiredOutputs: []ValueID{"d"}},
	}
}

func TestNewJobRejectsEmpty(t *testing.T) {
	_, err := NewJob(JobSpecification{ViewName: "V"}, nil, CacheShared)
	if !errors.Is(err, ErrEmptyJob) {
		t.Fatalf("NewJob(nil items) error = %v, want ErrEmptyJob", err)
	}
}

func TestNewJobRejectsUnknownPolicy(t *testing.T) {
	if _, err := NewJob(JobSpecification{}, testItems(), CachePolicy("bogus")); err == nil {
		t.Fatal("expected error for unknown cache policy")
	}
}

func TestNewJobCopiesItems(t *testing.T) {
	items := testItems()
	job, err := NewJob(JobSpecification{ViewName: "V", CalcConfig: "C", CycleID: 1, JobID: 1}, items, CachePrivate, "gpu")
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	items[0].Inputs[0] = "mutated"
	items[1].FunctionID = "mutated"
	if job.Items[0].Inputs[0] != "a" {
		t.Fatalf("job input changed with caller slice: %q", job.Items[0].Inputs[0])
	}
	if job.Items[1].FunctionID != "copy" {
		t.Fatalf("job function changed with caller slice: %q", job.Items[1].FunctionID)
	}
	if len(job.RequiredCapabilities) != 1 || job.RequiredCapabilities[0] != "gpu" {
		t.Fatalf("RequiredCapabilities = %v", job.RequiredCapabilities)
	}
}

func TestRequiredValues(t *testing.T) {
	job, err := NewJob(JobSpecification{}, testItems(), CacheShared)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	got := job.RequiredValues()
	for _, id := range []ValueID{"a", "b", "c", "d"} {
		if _, ok := got[id]; !ok {
			t.Fatalf("RequiredValues missing %q", id)
		}
	}
	if len(got) != 4 {
		t.Fatalf("len(RequiredValues) = %d, want 4", len(got))
	}
}

func TestJobSpecificationIsMapKey(t *testing.T) {
	m := map[JobSpecification]int{}
	m[JobSpecification{ViewName: "V", CalcConfig: "C", CycleID: 1, JobID: 1}] = 1
	m[JobSpecification{ViewName: "V", CalcConfig: "C", CycleID: 1, JobID: 2}] = 2
	if m[JobSpecification{ViewName: "V", CalcConfig: "C", CycleID: 1, JobID: 1}] != 1 {
		t.Fatal("lookup by equal specification failed")
	}
	if len(m) != 2 {
		t.Fatalf("len = %d, want 2", len(m))
	}
}

func TestCapabilitiesSatisfies(t *testing.T) {
	caps := NewCapabilities("gpu", "linux", "")
	tests := []struct {
		required []string
		want     bool
	}{
		{nil, true},
		{[]string{}, true},
		{[]string{"gpu"}, true},
		{[]string{"gpu", "linux"}, true},
		{[]string{"gpu", "windows"}, false},
		{[]string{""}, false},
	}
	for _, tt := range tests {
		if got := caps.Satisfies(tt.required); got != tt.want {
			t.Fatalf("Satisfies(%v) = %v, want %v", tt.required, got, tt.want)
		}
	}
	if !NewCapabilities().Satisfies(nil) {
		t.Fatal("empty capabilities should satisfy empty requirement")
	}
}

func TestItemStatusString(t *testing.T) {
	tests := []struct {
		s    ItemStatus
		want string
	}{
		{StatusSuccess, "success"},
		{StatusMissingInputs, "missing_inputs"},
		{StatusFunctionThrew, "function_threw"},
		{StatusFunctionFailed, "function_failed"},
		{StatusDispatchFailed, "dispatch_failed"},
		{StatusSuppressed, "suppressed"},
		{ItemStatus(42), "status(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Fatalf("String(%d) = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestNewDispatchFailure(t *testing.T) {
	job, _ := NewJob(JobSpecification{ViewName: "V", JobID: 7}, testItems(), CacheShared)
	r := NewDispatchFailure(job, -time.Second, "attempts exhausted")
	if !r.DispatchFailed() || r.NodeID != DispatchFailedNodeID {
		t.Fatalf("NodeID = %q, want sentinel", r.NodeID)
	}
	if r.Duration != 0 {
		t.Fatalf("Duration = %v, want 0", r.Duration)
	}
	if r.Spec != job.Spec {
		t.Fatalf("Spec = %v, want %v", r.Spec, job.Spec)
	}
	if len(r.Items) != len(job.Items) {
		t.Fatalf("len(Items) = %d, want %d", len(r.Items), len(job.Items))
	}
	for i, item := range r.Items {
		if item.Status != StatusDispatchFailed {
			t.Fatalf("item %d status = %v", i, item.Status)
		}
		if item.Failure == nil || item.Failure.Message != "attempts exhausted" {
			t.Fatalf("item %d failure = %+v", i, item.Failure)
		}
		if item.Item.FunctionID != job.Items[i].FunctionID {
			t.Fatalf("item %d order not preserved", i)
		}
	}
	if got := r.Counts()[StatusDispatchFailed]; got != 2 {
		t.Fatalf("Counts()[dispatch_failed] = %d, want 2", got)
	}
}
