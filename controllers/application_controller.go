package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	"github.com/fluxcd/pkg/apis/meta"
	runtimeCtrl "github.com/fluxcd/pkg/runtime/controller"
	"github.com/fluxcd/pkg/runtime/predicates"
	"github.com/gitops-tools/pkg/sets"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/cli-utils/pkg/object"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	ctrlsource "sigs.k8s.io/controller-runtime/pkg/source"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
	"github.com/gitops-tools/appsync-controller/controllers/apply"
	"github.com/gitops-tools/appsync-controller/controllers/diff"
	"github.com/gitops-tools/appsync-controller/controllers/observe"
	"github.com/gitops-tools/appsync-controller/controllers/render"
	"github.com/gitops-tools/appsync-controller/controllers/source"
)

const (
	defaultInterval = 3 * time.Minute
	defaultTimeout  = 10 * time.Minute
	maxHistory      = 5
)

// EventRecorder records events for an Application.
type EventRecorder interface {
	Event(object runtime.Object, eventtype, reason, message string)
}

// ApplicationReconciler reconciles an Application object by fetching its
// source, rendering the manifests, diffing against live state and applying
// the changes.
type ApplicationReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	Fetcher  *source.Fetcher
	Observer *observe.Observer
	Differ   *diff.Differ
	Executor *apply.Executor

	Metrics       runtimeCtrl.Metrics
	EventRecorder EventRecorder

	inflight inflightTracker
}

//+kubebuilder:rbac:groups=sync.gitops.tools,resources=applications,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=sync.gitops.tools,resources=applications/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=source.toolkit.fluxcd.io,resources=gitrepositories,verbs=get;list;watch

// Reconcile runs one reconciliation cycle for the Application, moving the
// current state of the cluster closer to the desired state in its source.
func (r *ApplicationReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var app syncv1.Application
	if err := r.Client.Get(ctx, req.NamespacedName, &app); err != nil {
		if client.IgnoreNotFound(err) == nil {
			r.Fetcher.Invalidate(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if !app.ObjectMeta.DeletionTimestamp.IsZero() {
		r.Fetcher.Invalidate(req.NamespacedName)
		return ctrl.Result{}, nil
	}

	r.Metrics.RecordSuspend(ctx, &app, app.Spec.Suspend)
	if app.Spec.Suspend {
		logger.Info("reconciliation is suspended for this application")
		return ctrl.Result{}, nil
	}

	// At most one cycle per Application, a concurrent trigger queues behind
	// the running cycle.
	if !r.inflight.tryAcquire(req.NamespacedName) {
		logger.Info("reconciliation already in progress, requeuing")
		return ctrl.Result{RequeueAfter: time.Second}, nil
	}
	defer r.inflight.release(req.NamespacedName)

	if v, ok := app.GetAnnotations()[syncv1.RefreshAnnotation]; ok && v != app.Status.LastHandledRefreshAt {
		logger.Info("refresh requested, discarding cached bundle")
		r.Fetcher.Invalidate(req.NamespacedName)
		app.Status.LastHandledRefreshAt = v
	}

	if !r.shouldReconcile(&app) {
		return ctrl.Result{}, nil
	}

	reconcileStart := time.Now()
	defer r.Metrics.RecordDuration(ctx, &app, reconcileStart)

	cycleCtx, cancel := context.WithTimeout(ctx, r.timeout(&app))
	defer cancel()

	syncResult, inventory, err := r.reconcileCycle(cycleCtx, &app)
	if err != nil && syncResult == nil {
		// Failures before the executor runs still record an attempt.
		syncResult = &syncv1.SyncResult{
			State:     syncv1.SyncStateError,
			Revision:  app.Status.LastAttemptedRevision,
			Timestamp: metav1.Now(),
			Message:   err.Error(),
		}
	}

	app.Status.Phase = syncv1.PhaseIdle
	if v, ok := meta.ReconcileAnnotationValue(app.GetAnnotations()); ok {
		app.Status.SetLastHandledReconcileRequest(v)
	}
	if syncResult != nil {
		app.Status.Sync = syncResult
		app.Status.History = pushHistory(app.Status.History, *syncResult)
		if syncResult.State == syncv1.SyncStateSynced {
			app.Status.LastSyncedRevision = syncResult.Revision
		}
	}

	if err != nil {
		reason := classifyError(err)
		// The previous known-good inventory and revision are preserved so a
		// transient failure does not erase history.
		syncv1.SetApplicationReadiness(&app, metav1.ConditionFalse, reason, err.Error())
		if patchErr := r.patchStatus(ctx, req, app.Status); patchErr != nil {
			logger.Error(patchErr, "failed to update status after error")
		}
		r.EventRecorder.Event(&app, corev1.EventTypeWarning, reason, err.Error())
		r.Metrics.RecordReadiness(ctx, &app)

		// Errors are never terminal for the Application, only for this
		// cycle. Returning the error requeues the next attempt.
		return ctrl.Result{}, err
	}

	if syncResult.State == syncv1.SyncStateError {
		if inventory != nil && len(inventory.Entries) > 0 {
			app.Status.Inventory = inventory
		}
		syncv1.SetApplicationReadiness(&app, metav1.ConditionFalse, syncv1.ReconciliationFailedReason, syncResult.Message)
		if patchErr := r.patchStatus(ctx, req, app.Status); patchErr != nil {
			logger.Error(patchErr, "failed to update status after partial failure")
		}
		r.EventRecorder.Event(&app, corev1.EventTypeWarning, syncv1.ReconciliationFailedReason, syncResult.Message)
		r.Metrics.RecordReadiness(ctx, &app)

		return r.nextAttempt(&app), nil
	}

	syncv1.SetReadyWithInventory(&app, inventory, syncv1.ReconciliationSucceededReason, syncResult.Message)
	if patchErr := r.patchStatus(ctx, req, app.Status); patchErr != nil {
		logger.Error(patchErr, "failed to update status")
		return ctrl.Result{}, patchErr
	}
	r.EventRecorder.Event(&app, corev1.EventTypeNormal, syncv1.ReconciliationSucceededReason, syncResult.Message)
	r.Metrics.RecordReadiness(ctx, &app)

	return r.nextAttempt(&app), nil
}

// reconcileCycle runs the fetch, render, diff and sync pipeline for one
// Application.
func (r *ApplicationReconciler) reconcileCycle(ctx context.Context, app *syncv1.Application) (*syncv1.SyncResult, *syncv1.ResourceInventory, error) {
	r.recordPhase(ctx, app, syncv1.PhaseFetching)
	bundle, err := r.Fetcher.Fetch(ctx, app)
	if err != nil {
		return nil, nil, err
	}
	app.Status.LastAttemptedRevision = bundle.Revision

	r.recordPhase(ctx, app, syncv1.PhaseRendering)
	desired, err := render.Render(app, bundle)
	if err != nil {
		return nil, nil, err
	}

	r.recordPhase(ctx, app, syncv1.PhaseDiffing)
	live, err := r.Observer.Observe(ctx, desired)
	if err != nil {
		return nil, nil, err
	}

	inventoryLive, err := r.Observer.ObserveRefs(ctx, previousRefs(app, desired))
	if err != nil {
		return nil, nil, err
	}

	diffResult, err := r.Differ.Diff(app, desired, live, inventoryLive)
	if err != nil {
		return nil, nil, err
	}

	r.recordPhase(ctx, app, syncv1.PhaseSyncing)
	results, execErr := r.Executor.Execute(ctx, app, diffResult)

	syncResult := summarize(bundle.Revision, results, execErr)
	inventory, err := buildInventory(app, desired, results, inventoryLive)
	if err != nil {
		return syncResult, nil, err
	}

	return syncResult, inventory, execErr
}

// shouldReconcile returns true when a cycle should run now: automated
// Applications always run, manual Applications only on a new operator
// trigger or a spec change.
func (r *ApplicationReconciler) shouldReconcile(app *syncv1.Application) bool {
	if app.Spec.SyncPolicy.Automated {
		return true
	}
	if v, ok := meta.ReconcileAnnotationValue(app.GetAnnotations()); ok && v != app.Status.GetLastHandledReconcileRequest() {
		return true
	}

	return app.Status.ObservedGeneration != app.GetGeneration()
}

func (r *ApplicationReconciler) nextAttempt(app *syncv1.Application) ctrl.Result {
	if !app.Spec.SyncPolicy.Automated {
		return ctrl.Result{}
	}
	interval := app.Spec.Interval.Duration
	if interval == 0 {
		interval = defaultInterval
	}

	return ctrl.Result{RequeueAfter: interval}
}

func (r *ApplicationReconciler) timeout(app *syncv1.Application) time.Duration {
	if app.Spec.Timeout != nil {
		return app.Spec.Timeout.Duration
	}

	return defaultTimeout
}

func (r *ApplicationReconciler) recordPhase(ctx context.Context, app *syncv1.Application, phase syncv1.SyncPhase) {
	app.Status.Phase = phase
	if err := r.patchStatus(ctx, ctrl.Request{NamespacedName: client.ObjectKeyFromObject(app)}, app.Status); err != nil {
		log.FromContext(ctx).Error(err, "failed to record phase", "phase", phase)
	}
	r.EventRecorder.Event(app, eventv1.EventTypeTrace, "Reconciling", string(phase))
}

func (r *ApplicationReconciler) patchStatus(ctx context.Context, req ctrl.Request, newStatus syncv1.ApplicationStatus) error {
	var app syncv1.Application
	if err := r.Get(ctx, req.NamespacedName, &app); err != nil {
		return err
	}

	patch := client.MergeFrom(app.DeepCopy())
	app.Status = newStatus

	return r.Status().Patch(ctx, &app, patch)
}

// SetupWithManager sets up the controller with the Manager. External
// triggers (manual syncs, webhook notifications) arrive as GenericEvents on
// the triggers channel. concurrency bounds the shared worker pool, cycles
// for distinct Applications run in parallel up to this limit.
func (r *ApplicationReconciler) SetupWithManager(mgr ctrl.Manager, triggers <-chan event.GenericEvent, concurrency int) error {
	b := ctrl.NewControllerManagedBy(mgr).
		For(&syncv1.Application{}, builder.WithPredicates(
			predicate.Or(predicate.GenerationChangedPredicate{}, predicates.ReconcileRequestedPredicate{}))).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency})

	if triggers != nil {
		b = b.WatchesRawSource(&ctrlsource.Channel{Source: triggers}, &handler.EnqueueRequestForObject{})
	}

	return b.Complete(r)
}

// previousRefs returns the inventory entries that are no longer part of the
// desired set, the candidates for pruning.
func previousRefs(app *syncv1.Application, desired []*unstructured.Unstructured) []syncv1.ResourceRef {
	if app.Status.Inventory == nil {
		return nil
	}

	desiredIDs := sets.New[string]()
	for _, obj := range desired {
		desiredIDs.Insert(object.UnstructuredToObjMetadata(obj).String())
	}

	refs := []syncv1.ResourceRef{}
	for _, ref := range app.Status.Inventory.Entries {
		if !desiredIDs.Has(ref.ID) {
			refs = append(refs, ref)
		}
	}

	return refs
}

func summarize(revision string, results []syncv1.ResourceResult, execErr error) *syncv1.SyncResult {
	failures := 0
	orphans := 0
	for _, res := range results {
		switch res.Action {
		case syncv1.ActionFailed:
			failures++
		case syncv1.ActionOrphaned:
			orphans++
		}
	}

	result := &syncv1.SyncResult{
		Revision:  revision,
		Timestamp: metav1.Now(),
		Resources: results,
	}

	switch {
	case execErr != nil:
		result.State = syncv1.SyncStateError
		result.Message = fmt.Sprintf("sync aborted: %s", execErr)
	case failures > 0:
		result.State = syncv1.SyncStateError
		result.Message = fmt.Sprintf("%d of %d resources failed to apply", failures, len(results))
	case orphans > 0:
		result.State = syncv1.SyncStateOutOfSync
		result.Message = fmt.Sprintf("%d resources no longer in the source, pruning is disabled", orphans)
	default:
		result.State = syncv1.SyncStateSynced
		result.Message = fmt.Sprintf("%d resources synced", len(results))
	}

	return result
}

// buildInventory computes the new inventory: the desired resources that were
// applied (or already existed), plus previously applied resources still live
// and not pruned in this cycle.
func buildInventory(app *syncv1.Application, desired []*unstructured.Unstructured, results []syncv1.ResourceResult, inventoryLive map[object.ObjMetadata]*unstructured.Unstructured) (*syncv1.ResourceInventory, error) {
	previous := sets.New[syncv1.ResourceRef]()
	if app.Status.Inventory != nil {
		previous.Insert(app.Status.Inventory.Entries...)
	}

	failed := sets.New[string]()
	pruned := sets.New[string]()
	for _, res := range results {
		switch res.Action {
		case syncv1.ActionFailed:
			failed.Insert(res.ID)
		case syncv1.ActionPruned:
			pruned.Insert(res.ID)
		}
	}

	liveIDs := sets.New[string]()
	for key := range inventoryLive {
		liveIDs.Insert(key.String())
	}

	entries := sets.New[syncv1.ResourceRef]()
	for _, obj := range desired {
		ref, err := syncv1.ResourceRefFromObject(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to update inventory: %w", err)
		}
		// A resource that failed to apply and did not previously exist has
		// nothing in the cluster to track.
		if failed.Has(ref.ID) && !previous.Has(ref) {
			continue
		}
		entries.Insert(ref)
	}

	for _, ref := range previous.List() {
		if pruned.Has(ref.ID) {
			continue
		}
		if liveIDs.Has(ref.ID) {
			entries.Insert(ref)
		}
	}

	return &syncv1.ResourceInventory{Entries: entries.SortedList(func(x, y syncv1.ResourceRef) bool {
		return x.ID < y.ID
	})}, nil
}

func pushHistory(history []syncv1.SyncResult, result syncv1.SyncResult) []syncv1.SyncResult {
	history = append([]syncv1.SyncResult{result}, history...)
	if len(history) > maxHistory {
		history = history[:maxHistory]
	}

	return history
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return syncv1.TimeoutReason
	case source.IsRevisionNotFound(err):
		return syncv1.RevisionNotFoundReason
	case source.IsUnreachable(err):
		return syncv1.SourceUnreachableReason
	case errors.As(err, &render.Error{}):
		return syncv1.RenderFailedReason
	case observe.IsPermissionDenied(err):
		return syncv1.PermissionDeniedReason
	case observe.IsClusterUnreachable(err):
		return syncv1.ClusterUnreachableReason
	}

	return syncv1.ReconciliationFailedReason
}
