package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
	"github.com/gitops-tools/appsync-controller/test"
)

func TestGetApplication(t *testing.T) {
	app := test.NewApplication(types.NamespacedName{Name: "demo-app", Namespace: "default"}, func(a *syncv1.Application) {
		a.Status.Phase = syncv1.PhaseIdle
		a.Status.LastSyncedRevision = "main@sha1:ab1"
		a.Status.Inventory = &syncv1.ResourceInventory{
			Entries: []syncv1.ResourceRef{
				{ID: "default_web_apps_Deployment", Version: "v1"},
			},
		}
	})
	server := newTestServer(newFakeClient(t, app))

	rec := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/v1/applications/default/demo-app", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["name"] != "demo-app" || body["namespace"] != "default" {
		t.Errorf("got application %v/%v", body["namespace"], body["name"])
	}
	if body["phase"] != string(syncv1.PhaseIdle) {
		t.Errorf("got phase %v, want %q", body["phase"], syncv1.PhaseIdle)
	}
	if body["lastSyncedRevision"] != "main@sha1:ab1" {
		t.Errorf("got last synced revision %v", body["lastSyncedRevision"])
	}
	resources, ok := body["resources"].([]any)
	if !ok || len(resources) != 1 {
		t.Fatalf("got resources %v, want 1 entry", body["resources"])
	}
	if entry := resources[0].(map[string]any); entry["id"] != "default_web_apps_Deployment" {
		t.Errorf("got resource %v", entry)
	}
}

func TestGetApplication_not_found(t *testing.T) {
	server := newTestServer(newFakeClient(t))

	rec := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/v1/applications/default/unknown", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusNotFound)
	}
	body := decodeBody(t, rec)
	if body["error"] != "application default/unknown not found" {
		t.Errorf("got error %v", body["error"])
	}
}

func TestListApplications(t *testing.T) {
	server := newTestServer(newFakeClient(t,
		test.NewApplication(types.NamespacedName{Name: "app-1", Namespace: "team-a"}),
		test.NewApplication(types.NamespacedName{Name: "app-2", Namespace: "team-b"}),
	))

	rec := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/v1/applications", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	if names := listedNames(t, rec); len(names) != 2 {
		t.Errorf("got applications %v, want both", names)
	}
}

func TestListApplications_filtered_by_namespace(t *testing.T) {
	server := newTestServer(newFakeClient(t,
		test.NewApplication(types.NamespacedName{Name: "app-1", Namespace: "team-a"}),
		test.NewApplication(types.NamespacedName{Name: "app-2", Namespace: "team-b"}),
	))

	rec := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/v1/applications?namespace=team-b", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	names := listedNames(t, rec)
	if len(names) != 1 || names[0] != "app-2" {
		t.Errorf("got applications %v, want only app-2", names)
	}
}

func TestListApplications_empty(t *testing.T) {
	server := newTestServer(newFakeClient(t))

	rec := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/v1/applications", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	items, ok := body["items"].([]any)
	if !ok || len(items) != 0 {
		t.Errorf("got items %v, want an empty list", body["items"])
	}
}

func newTestServer(cl client.Reader) *Server {
	return NewServer(cl, logr.Discard(), "127.0.0.1:0")
}

func newFakeClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	test.AssertNoError(t, clientgoscheme.AddToScheme(scheme))
	test.AssertNoError(t, syncv1.AddToScheme(scheme))

	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}

func doRequest(server *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %s", rec.Body, err)
	}

	return body
}

func listedNames(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	body := decodeBody(t, rec)
	items, ok := body["items"].([]any)
	if !ok {
		t.Fatalf("response has no items list: %v", body)
	}

	names := []string{}
	for _, item := range items {
		names = append(names, item.(map[string]any)["name"].(string))
	}

	return names
}
