package apply

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/gitops-tools/pkg/sets"
	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/cli-utils/pkg/object"
	"sigs.k8s.io/controller-runtime/pkg/client"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
	"github.com/gitops-tools/appsync-controller/controllers/diff"
)

// DefaultBackoff bounds the per-resource retries on transient cluster
// errors.
var DefaultBackoff = wait.Backoff{
	Steps:    4,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// Executor applies the changes from a diff Result against the target
// cluster.
//
// Each resource operation is retried independently, a resource that
// exhausts its retries is recorded as Failed but does not stop unrelated
// resources in the same cycle from being applied.
type Executor struct {
	Client client.Client
	logr.Logger

	Registry *diff.Registry
	Backoff  wait.Backoff
}

// NewExecutor creates and returns a new Executor with the default backoff.
func NewExecutor(l logr.Logger, c client.Client, registry *diff.Registry) *Executor {
	return &Executor{
		Client:   c,
		Logger:   l,
		Registry: registry,
		Backoff:  DefaultBackoff,
	}
}

// Execute applies the diff Result, ordering operations by kind priority.
//
// An empty diff performs zero cluster mutations. Cancellation of the context
// stops new operations from being issued but does not roll back already
// applied ones. The returned error is non-nil only when the cycle as a whole
// was aborted, per-resource failures are recorded on the results.
func (e *Executor) Execute(ctx context.Context, app *syncv1.Application, result *diff.Result) ([]syncv1.ResourceResult, error) {
	applies, removals := splitChanges(result.Changes)
	e.sortByPriority(applies, false)
	// Removals run last, children before the namespaces that hold them.
	e.sortByPriority(removals, true)

	results := []syncv1.ResourceResult{}
	for _, change := range append(applies, removals...) {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := e.applyChange(ctx, change)
		results = append(results, res)
	}

	for _, orphan := range result.Orphans {
		results = append(results, resourceResult(orphan, syncv1.ActionOrphaned, nil))
	}
	for _, unchanged := range result.Unchanged {
		results = append(results, resourceResult(unchanged, syncv1.ActionUnchanged, nil))
	}

	return results, nil
}

func (e *Executor) applyChange(ctx context.Context, change diff.Change) syncv1.ResourceResult {
	switch change.Op {
	case diff.Add:
		return e.create(ctx, change.Object)
	case diff.Modify:
		return e.update(ctx, change.Object)
	case diff.Remove:
		return e.delete(ctx, change.Object)
	}

	return resourceResult(change.Object, syncv1.ActionFailed, fmt.Errorf("unknown change kind %q", change.Op))
}

func (e *Executor) create(ctx context.Context, desired *unstructured.Unstructured) syncv1.ResourceResult {
	err := e.withRetry(ctx, func() error {
		if err := e.Client.Create(ctx, desired.DeepCopy()); err != nil {
			// Reapplying an already-applied change is a no-op, fall
			// through to the update path instead.
			if apierrors.IsAlreadyExists(err) {
				return e.patchExisting(ctx, desired)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return resourceResult(desired, syncv1.ActionFailed, err)
	}

	return resourceResult(desired, syncv1.ActionCreated, nil)
}

func (e *Executor) update(ctx context.Context, desired *unstructured.Unstructured) syncv1.ResourceResult {
	err := e.withRetry(ctx, func() error {
		return e.patchExisting(ctx, desired)
	})
	if err != nil {
		return resourceResult(desired, syncv1.ActionFailed, err)
	}

	return resourceResult(desired, syncv1.ActionConfigured, nil)
}

// patchExisting loads the live object and patches it with the desired
// content. The patch always carries the full merged payload, not just spec,
// so kinds that keep their payload elsewhere (ConfigMap data, Role rules)
// converge too. A conflict from a concurrent external mutation triggers
// exactly one immediate re-read and reapply, repeated conflicts fail the
// resource.
func (e *Executor) patchExisting(ctx context.Context, desired *unstructured.Unstructured) error {
	patchOnce := func() error {
		existing := &unstructured.Unstructured{}
		existing.SetGroupVersionKind(desired.GroupVersionKind())
		if err := e.Client.Get(ctx, client.ObjectKeyFromObject(desired), existing); err != nil {
			return fmt.Errorf("failed to load existing resource: %w", err)
		}

		merged := copyDesiredContent(existing, desired)
		if err := e.Client.Patch(ctx, merged, client.MergeFrom(existing)); err != nil {
			return err
		}

		return nil
	}

	err := patchOnce()
	if apierrors.IsConflict(err) {
		e.Logger.Info("conflict applying resource, re-reading and retrying once",
			"id", object.UnstructuredToObjMetadata(desired).String())
		err = patchOnce()
		if apierrors.IsConflict(err) {
			return fmt.Errorf("%s: %w", syncv1.ApplyConflictReason, err)
		}
	}

	return err
}

func (e *Executor) delete(ctx context.Context, live *unstructured.Unstructured) syncv1.ResourceResult {
	err := e.withRetry(ctx, func() error {
		return client.IgnoreNotFound(e.Client.Delete(ctx, live))
	})
	if err != nil {
		return resourceResult(live, syncv1.ActionFailed, err)
	}

	return resourceResult(live, syncv1.ActionPruned, nil)
}

// withRetry retries op on transient cluster errors with exponential backoff,
// honouring server-signalled delays over the computed backoff step.
func (e *Executor) withRetry(ctx context.Context, op func() error) error {
	backoff := e.Backoff
	var lastErr error
	for {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if backoff.Steps <= 1 {
			return lastErr
		}

		delay := backoff.Step()
		if seconds, ok := apierrors.SuggestsClientDelay(lastErr); ok {
			if suggested := time.Duration(seconds) * time.Second; suggested > delay {
				delay = suggested
			}
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}

func isTransient(err error) bool {
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) || apierrors.IsInternalError(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func splitChanges(changes []diff.Change) ([]diff.Change, []diff.Change) {
	applies := []diff.Change{}
	removals := []diff.Change{}
	for _, c := range changes {
		if c.Op == diff.Remove {
			removals = append(removals, c)
			continue
		}
		applies = append(applies, c)
	}

	return applies, removals
}

func (e *Executor) sortByPriority(changes []diff.Change, reverse bool) {
	sort.SliceStable(changes, func(i, j int) bool {
		pi := e.Registry.Priority(changes[i].Object.GetKind())
		pj := e.Registry.Priority(changes[j].Object.GetKind())
		if pi != pj {
			if reverse {
				return pi > pj
			}
			return pi < pj
		}
		return object.UnstructuredToObjMetadata(changes[i].Object).String() <
			object.UnstructuredToObjMetadata(changes[j].Object).String()
	})
}

// copyDesiredContent merges the desired configuration into a copy of the
// existing object, preserving the existing metadata identity and status.
func copyDesiredContent(existing, desired *unstructured.Unstructured) *unstructured.Unstructured {
	result := unstructured.Unstructured{}
	existing.DeepCopyInto(&result)

	disallowedKeys := sets.New("status", "metadata", "kind", "apiVersion")

	for k, v := range desired.Object {
		if !disallowedKeys.Has(k) {
			result.Object[k] = v
		}
	}

	result.SetAnnotations(desired.GetAnnotations())
	result.SetLabels(desired.GetLabels())

	return &result
}

func resourceResult(obj *unstructured.Unstructured, action syncv1.ResourceAction, err error) syncv1.ResourceResult {
	res := syncv1.ResourceResult{
		ID:      object.UnstructuredToObjMetadata(obj).String(),
		Version: obj.GroupVersionKind().Version,
		Action:  action,
	}
	if err != nil {
		res.Action = syncv1.ActionFailed
		res.Error = err.Error()
	}

	return res
}
