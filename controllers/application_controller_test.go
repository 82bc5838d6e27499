package controllers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxcd/pkg/apis/meta"
	sourcev1 "github.com/fluxcd/source-controller/api/v1beta2"
	"github.com/go-logr/logr"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
	"github.com/gitops-tools/appsync-controller/controllers/apply"
	"github.com/gitops-tools/appsync-controller/controllers/diff"
	"github.com/gitops-tools/appsync-controller/controllers/observe"
	"github.com/gitops-tools/appsync-controller/controllers/source"
	"github.com/gitops-tools/appsync-controller/test"
)

const testNamespace = "default"

const deploymentManifest = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  replicas: 1
  selector:
    matchLabels:
      app: web
  template:
    metadata:
      labels:
        app: web
    spec:
      containers:
      - name: web
        image: nginx:latest
`

const serviceManifest = `apiVersion: v1
kind: Service
metadata:
  name: web
spec:
  selector:
    app: web
  ports:
  - port: 80
`

var deploymentGVK = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}

func TestReconcile_full_cycle(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
		"manifests/service.yaml":    serviceManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace})
	fx.createApplication(t, app)

	result, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	if result.RequeueAfter != app.Spec.Interval.Duration {
		t.Errorf("got RequeueAfter %v, want %v", result.RequeueAfter, app.Spec.Interval.Duration)
	}

	updated := fx.getApplication(t, app)
	assertApplicationCondition(t, updated, metav1.ConditionTrue, syncv1.ReconciliationSucceededReason)
	if updated.Status.Phase != syncv1.PhaseIdle {
		t.Errorf("got phase %q, want %q", updated.Status.Phase, syncv1.PhaseIdle)
	}
	if updated.Status.Sync == nil || updated.Status.Sync.State != syncv1.SyncStateSynced {
		t.Errorf("got sync %+v, want state %q", updated.Status.Sync, syncv1.SyncStateSynced)
	}
	if updated.Status.LastSyncedRevision != "main@sha1:ab1" {
		t.Errorf("got last synced revision %q", updated.Status.LastSyncedRevision)
	}
	test.AssertInventoryHasItems(t, updated, test.NewDeployment("web"), test.NewService("web"))

	deployment := &unstructured.Unstructured{}
	deployment.SetGroupVersionKind(deploymentGVK)
	test.AssertNoError(t, fx.client.Get(context.TODO(), types.NamespacedName{Name: "web", Namespace: testNamespace}, deployment))
	if owner := deployment.GetLabels()[syncv1.OwnerNameLabel]; owner != "demo-app" {
		t.Errorf("applied resource has owner label %q", owner)
	}
}

func TestReconcile_is_idempotent(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace})
	fx.createApplication(t, app)

	_, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)
	_, err = fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	updated := fx.getApplication(t, app)
	if updated.Status.Sync.State != syncv1.SyncStateSynced {
		t.Fatalf("got sync state %q after second cycle", updated.Status.Sync.State)
	}
	for _, res := range updated.Status.Sync.Resources {
		if res.Action != syncv1.ActionUnchanged {
			t.Errorf("second cycle recorded action %q for %s, want %q", res.Action, res.ID, syncv1.ActionUnchanged)
		}
	}
}

func TestReconcile_when_suspended(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace}, func(a *syncv1.Application) {
		a.Spec.Suspend = true
	})
	fx.createApplication(t, app)

	result, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	if !result.IsZero() {
		t.Errorf("suspended application requeued: %+v", result)
	}

	deployment := &unstructured.Unstructured{}
	deployment.SetGroupVersionKind(deploymentGVK)
	err = fx.client.Get(context.TODO(), types.NamespacedName{Name: "web", Namespace: testNamespace}, deployment)
	if err == nil {
		t.Error("suspended application still applied resources")
	}
}

func TestReconcile_mutual_exclusion(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace})
	fx.createApplication(t, app)

	// Another cycle for the same Application holds the token.
	if !fx.reconciler.inflight.tryAcquire(client.ObjectKeyFromObject(app)) {
		t.Fatal("failed to take the in-flight token")
	}
	defer fx.reconciler.inflight.release(client.ObjectKeyFromObject(app))

	result, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	if result.RequeueAfter != time.Second {
		t.Errorf("got RequeueAfter %v, want the trigger queued behind the running cycle", result.RequeueAfter)
	}

	deployment := &unstructured.Unstructured{}
	deployment.SetGroupVersionKind(deploymentGVK)
	if err := fx.client.Get(context.TODO(), types.NamespacedName{Name: "web", Namespace: testNamespace}, deployment); err == nil {
		t.Error("concurrent cycle applied resources")
	}
}

func TestReconcile_manual_policy(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace}, func(a *syncv1.Application) {
		// The fake client does not bump generations on create.
		a.ObjectMeta.Generation = 1
		a.Spec.SyncPolicy.Automated = false
	})
	fx.createApplication(t, app)

	// The first cycle runs, this generation has not been reconciled before.
	result, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)
	if !result.IsZero() {
		t.Errorf("manual application was requeued: %+v", result)
	}

	if fx.getApplication(t, app).Status.Sync == nil {
		t.Fatal("first manual cycle did not record a sync result")
	}

	// Without a new trigger or spec change, nothing runs.
	before := fx.getApplication(t, app)
	_, err = fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)
	after := fx.getApplication(t, app)
	if before.Status.Sync.Timestamp != after.Status.Sync.Timestamp {
		t.Error("manual application reconciled without a trigger")
	}

	// An operator sync request triggers a cycle.
	annotated := fx.getApplication(t, app)
	annotated.SetAnnotations(map[string]string{meta.ReconcileRequestAnnotation: "trigger-1"})
	test.AssertNoError(t, fx.client.Update(context.TODO(), annotated))

	_, err = fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	final := fx.getApplication(t, app)
	if final.Status.GetLastHandledReconcileRequest() != "trigger-1" {
		t.Errorf("got last handled reconcile request %q", final.Status.GetLastHandledReconcileRequest())
	}
}

func TestReconcile_with_missing_repository(t *testing.T) {
	fx := newFixture(t, nil)
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace}, func(a *syncv1.Application) {
		a.Spec.Source.RepositoryRef = "does-not-exist"
	})
	fx.createApplication(t, app)

	_, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	if err == nil {
		t.Fatal("expected an error for a missing repository")
	}

	updated := fx.getApplication(t, app)
	assertApplicationCondition(t, updated, metav1.ConditionFalse, syncv1.RevisionNotFoundReason)

	// A failure before anything is applied is still a recorded attempt.
	if updated.Status.Sync == nil {
		t.Fatal("no sync result recorded for the failed cycle")
	}
	if updated.Status.Sync.State != syncv1.SyncStateError {
		t.Errorf("got sync state %q, want %q", updated.Status.Sync.State, syncv1.SyncStateError)
	}
	if updated.Status.Sync.Message == "" {
		t.Error("sync result has no message")
	}
	if len(updated.Status.History) != 1 {
		t.Errorf("got %d history entries, want 1", len(updated.Status.History))
	}
}

func TestReconcile_with_render_failure(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/broken.yaml": "spec: {{ .Values.missing }}\n",
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace})
	fx.createApplication(t, app)

	_, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	if err == nil {
		t.Fatal("expected an error for a failing render")
	}

	updated := fx.getApplication(t, app)
	assertApplicationCondition(t, updated, metav1.ConditionFalse, syncv1.RenderFailedReason)
	if len(fx.eventRecorder.Events) == 0 {
		t.Error("no events recorded for the failed cycle")
	}
}

func TestReconcile_cycle_timeout(t *testing.T) {
	// Live-state reads are the only point that loads unstructured resources,
	// stalling them until the deadline simulates a slow cluster.
	fx := newFixtureWithInterceptors(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	}, interceptor.Funcs{
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			if _, ok := obj.(*unstructured.Unstructured); ok {
				<-ctx.Done()
				return ctx.Err()
			}
			return c.Get(ctx, key, obj, opts...)
		},
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace}, func(a *syncv1.Application) {
		a.Spec.Timeout = &metav1.Duration{Duration: 50 * time.Millisecond}
	})
	fx.createApplication(t, app)

	_, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	if err == nil {
		t.Fatal("expected an error for a timed out cycle")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got error %v, want a deadline error", err)
	}

	// The status write happens outside the cycle deadline.
	updated := fx.getApplication(t, app)
	assertApplicationCondition(t, updated, metav1.ConditionFalse, syncv1.TimeoutReason)
	if updated.Status.Sync == nil || updated.Status.Sync.State != syncv1.SyncStateError {
		t.Errorf("got sync %+v, want state %q", updated.Status.Sync, syncv1.SyncStateError)
	}

	// The in-flight token is released after the failed cycle.
	key := client.ObjectKeyFromObject(app)
	if !fx.reconciler.inflight.tryAcquire(key) {
		t.Error("in-flight token was not released")
	}
	fx.reconciler.inflight.release(key)
}

func TestReconcile_prunes_removed_resources(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
		"manifests/service.yaml":    serviceManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace}, func(a *syncv1.Application) {
		a.Spec.SyncPolicy.Prune = true
	})
	fx.createApplication(t, app)

	_, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)
	test.AssertInventoryHasItems(t, fx.getApplication(t, app), test.NewDeployment("web"), test.NewService("web"))

	// A new revision drops the Service.
	fx.updateArchive(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	}, "main@sha1:ab2")

	_, err = fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	updated := fx.getApplication(t, app)
	test.AssertInventoryHasItems(t, updated, test.NewDeployment("web"))

	svc := &unstructured.Unstructured{}
	svc.SetGroupVersionKind(schema.GroupVersionKind{Version: "v1", Kind: "Service"})
	if err := fx.client.Get(context.TODO(), types.NamespacedName{Name: "web", Namespace: testNamespace}, svc); err == nil {
		t.Error("removed resource was not pruned")
	}
}

func TestReconcile_orphans_without_prune(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
		"manifests/service.yaml":    serviceManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace})
	fx.createApplication(t, app)

	_, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	fx.updateArchive(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	}, "main@sha1:ab2")

	_, err = fx.reconciler.Reconcile(context.TODO(), requestFor(app))
	test.AssertNoError(t, err)

	updated := fx.getApplication(t, app)
	if updated.Status.Sync.State != syncv1.SyncStateOutOfSync {
		t.Errorf("got sync state %q, want %q", updated.Status.Sync.State, syncv1.SyncStateOutOfSync)
	}
	// The orphan is still live and stays in the inventory.
	test.AssertInventoryHasItems(t, updated, test.NewDeployment("web"), test.NewService("web"))

	svc := &unstructured.Unstructured{}
	svc.SetGroupVersionKind(schema.GroupVersionKind{Version: "v1", Kind: "Service"})
	test.AssertNoError(t, fx.client.Get(context.TODO(), types.NamespacedName{Name: "web", Namespace: testNamespace}, svc))
}

func TestReconcile_history_is_bounded(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"manifests/deployment.yaml": deploymentManifest,
	})
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: testNamespace})
	fx.createApplication(t, app)

	for i := 0; i < maxHistory+3; i++ {
		_, err := fx.reconciler.Reconcile(context.TODO(), requestFor(app))
		test.AssertNoError(t, err)
	}

	updated := fx.getApplication(t, app)
	if l := len(updated.Status.History); l != maxHistory {
		t.Errorf("got %d history entries, want %d", l, maxHistory)
	}
}

func TestReconcile_deleted_application(t *testing.T) {
	fx := newFixture(t, nil)

	result, err := fx.reconciler.Reconcile(context.TODO(), ctrl.Request{
		NamespacedName: types.NamespacedName{Name: "gone", Namespace: testNamespace},
	})
	test.AssertNoError(t, err)

	if !result.IsZero() {
		t.Errorf("deleted application requeued: %+v", result)
	}
}

type fixture struct {
	client        client.WithWatch
	reconciler    *ApplicationReconciler
	eventRecorder *test.FakeEventRecorder
	archiveDir    string
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()

	return newFixtureWithInterceptors(t, files, interceptor.Funcs{})
}

func newFixtureWithInterceptors(t *testing.T, files map[string]string, funcs interceptor.Funcs) *fixture {
	t.Helper()
	scheme := runtime.NewScheme()
	test.AssertNoError(t, clientgoscheme.AddToScheme(scheme))
	test.AssertNoError(t, sourcev1.AddToScheme(scheme))
	test.AssertNoError(t, syncv1.AddToScheme(scheme))

	archiveDir := t.TempDir()
	srv := test.StartFakeArchiveServer(t, archiveDir)

	objs := []client.Object{}
	if files != nil {
		digest := test.WriteArchive(t, archiveDir, "manifests.tar.gz", files)
		objs = append(objs, test.NewGitRepository(types.NamespacedName{Name: "demo-repo", Namespace: testNamespace},
			test.WithArtifact(srv.URL+"/manifests.tar.gz", "main@sha1:ab1", digest)))
	}

	cl := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&syncv1.Application{}, &sourcev1.GitRepository{}).
		WithInterceptorFuncs(funcs).
		Build()

	eventRecorder := &test.FakeEventRecorder{}
	fetcher := source.NewFetcher(logr.Discard(), cl, source.NewArtifactFetcher(1))
	t.Cleanup(func() {
		fetcher.Invalidate(types.NamespacedName{Name: "demo-app", Namespace: testNamespace})
	})

	registry, err := diff.NewRegistry()
	test.AssertNoError(t, err)

	reconciler := &ApplicationReconciler{
		Client:        cl,
		Scheme:        scheme,
		Fetcher:       fetcher,
		Observer:      observe.NewObserver(logr.Discard(), cl),
		Differ:        diff.NewDiffer(logr.Discard(), registry),
		Executor:      apply.NewExecutor(logr.Discard(), cl, registry),
		EventRecorder: eventRecorder,
	}

	return &fixture{
		client:        cl,
		reconciler:    reconciler,
		eventRecorder: eventRecorder,
		archiveDir:    archiveDir,
	}
}

func (f *fixture) createApplication(t *testing.T, app *syncv1.Application) {
	t.Helper()
	test.AssertNoError(t, f.client.Create(context.TODO(), app))
}

func (f *fixture) getApplication(t *testing.T, app *syncv1.Application) *syncv1.Application {
	t.Helper()
	updated := &syncv1.Application{}
	test.AssertNoError(t, f.client.Get(context.TODO(), client.ObjectKeyFromObject(app), updated))

	return updated
}

func (f *fixture) updateArchive(t *testing.T, files map[string]string, revision string) {
	t.Helper()
	digest := test.WriteArchive(t, f.archiveDir, "manifests.tar.gz", files)

	repo := &sourcev1.GitRepository{}
	test.AssertNoError(t, f.client.Get(context.TODO(), types.NamespacedName{Name: "demo-repo", Namespace: testNamespace}, repo))
	repo.Status.Artifact.Revision = revision
	repo.Status.Artifact.Digest = digest
	test.AssertNoError(t, f.client.Status().Update(context.TODO(), repo))
}

func requestFor(app *syncv1.Application) ctrl.Request {
	return ctrl.Request{NamespacedName: client.ObjectKeyFromObject(app)}
}

func assertApplicationCondition(t *testing.T, app *syncv1.Application, status metav1.ConditionStatus, reason string) {
	t.Helper()
	cond := apimeta.FindStatusCondition(app.Status.Conditions, meta.ReadyCondition)
	if cond == nil {
		t.Fatal("application has no Ready condition")
	}
	if cond.Status != status || cond.Reason != reason {
		t.Errorf("got condition %s/%s, want %s/%s", cond.Status, cond.Reason, status, reason)
	}
}
