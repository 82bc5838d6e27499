package test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/runtime"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
)

// AssertInventoryHasItems will ensure that each of the provided objects is
// listed in the Inventory of the provided Application.
func AssertInventoryHasItems(t *testing.T, app *syncv1.Application, objs ...runtime.Object) {
	t.Helper()
	if l := len(app.Status.Inventory.Entries); l != len(objs) {
		t.Errorf("expected %d items, got %v", len(objs), l)
	}
	entries := []syncv1.ResourceRef{}
	for _, obj := range objs {
		ref, err := syncv1.ResourceRefFromObject(obj)
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, ref)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	want := &syncv1.ResourceInventory{Entries: entries}
	if diff := cmp.Diff(want, app.Status.Inventory); diff != "" {
		t.Errorf("failed to get inventory:\n%s", diff)
	}
}
