package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/function"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
)

// ValueCache is the value cache of one cycle and calculation
// configuration. Get returns an error matching cache.ErrNotFound for an
// absent value.
type ValueCache interface {
	Get(ctx context.Context, id domain.ValueID) ([]byte, error)
	Put(ctx context.Context, id domain.ValueID, value []byte, policy domain.CachePolicy) error
}

// CacheSource hands out the value cache a job reads and writes.
type CacheSource interface {
	Cache(spec domain.JobSpecification) ValueCache
}

// CacheSourceFunc adapts a function to CacheSource.
type CacheSourceFunc func(spec domain.JobSpecification) ValueCache

func (f CacheSourceFunc) Cache(spec domain.JobSpecification) ValueCache { return f(spec) }

// StoreSource exposes a cache.ValueStore as a CacheSource.
func StoreSource(store *cache.ValueStore) CacheSource {
	return CacheSourceFunc(func(spec domain.JobSpecification) ValueCache {
		return store.Cache(spec)
	})
}

// Node executes jobs one at a time against a function registry and a
// value cache. A Node is not safe for concurrent Execute calls; the
// LocalInvoker hands each node at most one job.
type Node struct {
	id        string
	functions *function.Registry
	caches    CacheSource
	blacklist Blacklist
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithBlacklist makes the node skip items b suppresses and report the
// items whose function threw to it.
func WithBlacklist(b Blacklist) NodeOption {
	return func(n *Node) { n.blacklist = b }
}

// NewNode creates a node. An empty id is replaced by NewNodeID().
func NewNode(id string, functions *function.Registry, caches CacheSource, opts ...NodeOption) *Node {
	if id == "" {
		id = NewNodeID()
	}
	n := &Node{id: id, functions: functions, caches: caches}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) ID() string { return n.id }

// Execute runs every item of job in order and returns one result item per
// job item. Item level problems are reported in the result. An error is
// returned only when no result can be produced: an unknown function
// (wrapping domain.ErrFatal, checked before anything runs) or ctx being
// cancelled while the job runs.
func (n *Node) Execute(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "node.execute",
		append(observability.JobAttributes(job.Spec),
			observability.AttrNodeID.String(n.id),
			observability.AttrItems.Int(len(job.Items)))...)
	defer span.End()

	fns := make([]function.Function, len(job.Items))
	for i, item := range job.Items {
		fn, err := n.functions.Resolve(item.FunctionID)
		if err != nil {
			err = fmt.Errorf("job %s item %d: %w", job.Spec, i, err)
			observability.SetSpanError(span, err)
			return nil, err
		}
		fns[i] = fn
	}

	values := n.caches.Cache(job.Spec)
	required := job.RequiredValues()
	items := make([]domain.ResultItem, len(job.Items))
	for i, item := range job.Items {
		if err := ctx.Err(); err != nil {
			observability.SetSpanError(span, err)
			return nil, err
		}
		items[i] = n.executeItem(ctx, values, fns[i], item, job.CachePolicy, required)
	}
	// A cancellation during the last item leaves its outcome unreliable.
	if err := ctx.Err(); err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	result := &domain.JobResult{
		Spec:     job.Spec,
		Duration: time.Since(start),
		Items:    items,
		NodeID:   n.id,
	}
	logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).Debug("executed job",
		"spec", job.Spec.String(),
		"node", n.id,
		"items", len(items),
		"duration", result.Duration)
	observability.SetSpanOK(span)
	return result, nil
}

func (n *Node) executeItem(ctx context.Context, values ValueCache, fn function.Function, item domain.JobItem,
	policy domain.CachePolicy, required map[domain.ValueID]struct{}) (res domain.ResultItem) {

	ctx, span := observability.StartSpan(ctx, "node.item",
		observability.AttrFunction.String(item.FunctionID),
		observability.AttrTarget.String(item.TargetID))
	defer func() {
		span.SetAttributes(observability.AttrItemStatus.String(res.Status.String()))
		span.End()
	}()

	if n.blacklist != nil && n.blacklist.Blacklisted(ctx, item) {
		return domain.SuppressedItem(item, fmt.Sprintf("function %s is blacklisted", item.FunctionID))
	}

	inputs := make(map[domain.ValueID][]byte, len(item.Inputs))
	var missing []domain.ValueID
	for _, id := range item.Inputs {
		v, err := values.Get(ctx, id)
		switch {
		case err == nil:
			inputs[id] = v
		case errors.Is(err, cache.ErrNotFound):
			missing = append(missing, id)
		default:
			return domain.FailedItem(item, errorDetail(fmt.Errorf("read input %s: %w", id, err)))
		}
	}
	if len(missing) > 0 {
		return domain.MissingInputsItem(item, missing)
	}

	start := time.Now()
	out, detail := invoke(ctx, fn, function.Inputs{Target: item.TargetID, Values: inputs}, item.DesiredOutputs)
	metrics.RecordItemDuration(item.FunctionID, time.Since(start))
	if detail != nil {
		if n.blacklist != nil {
			n.blacklist.Failed(ctx, item)
		}
		return domain.ThrewItem(item, *detail)
	}
	if out == nil {
		return domain.FailedItem(item, domain.FailureDetail{
			Type:    "NoOutputs",
			Message: fmt.Sprintf("function %s produced no outputs for %s", item.FunctionID, item.TargetID),
		})
	}

	ids := make([]domain.ValueID, 0, len(out))
	for id := range out {
		if _, ok := required[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := values.Put(ctx, id, out[id], policy); err != nil {
			return domain.FailedItem(item, errorDetail(fmt.Errorf("write output %s: %w", id, err)))
		}
	}

	var missingOutputs []domain.ValueID
	for _, id := range item.DesiredOutputs {
		if _, ok := out[id]; !ok {
			missingOutputs = append(missingOutputs, id)
		}
	}
	return domain.SuccessItem(item, missingOutputs)
}

// invoke calls fn, turning a returned error or a panic into a failure
// detail.
func invoke(ctx context.Context, fn function.Function, in function.Inputs, desired []domain.ValueID) (out function.Outputs, detail *domain.FailureDetail) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			detail = &domain.FailureDetail{
				Type:    fmt.Sprintf("panic(%T)", r),
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	out, err := fn.Execute(ctx, in, desired)
	if err != nil {
		d := errorDetail(err)
		return nil, &d
	}
	return out, nil
}

func errorDetail(err error) domain.FailureDetail {
	return domain.FailureDetail{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}
