package test

import (
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// ToUnstructured converts a typed object for comparison against rendered
// resources. The status is dropped, rendering never produces one.
func ToUnstructured(t *testing.T, obj runtime.Object) *unstructured.Unstructured {
	t.Helper()
	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	AssertNoError(t, err)
	delete(raw, "status")

	return &unstructured.Unstructured{Object: raw}
}
