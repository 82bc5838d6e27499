package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/cli-utils/pkg/object"
	"sigs.k8s.io/controller-runtime/pkg/client"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
)

// ClusterUnreachableError indicates that the target cluster API could not be
// read. It aborts the reconciliation cycle rather than being treated as an
// absent resource.
type ClusterUnreachableError struct {
	Err error
}

func (e ClusterUnreachableError) Error() string {
	return fmt.Sprintf("cluster unreachable: %s", e.Err)
}

func (e ClusterUnreachableError) Unwrap() error {
	return e.Err
}

// PermissionDeniedError indicates that the target cluster rejected a read
// for authorization reasons.
type PermissionDeniedError struct {
	Err error
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied reading cluster state: %s", e.Err)
}

func (e PermissionDeniedError) Unwrap() error {
	return e.Err
}

// IsClusterUnreachable returns true if the error indicates an unreachable
// cluster API.
func IsClusterUnreachable(err error) bool {
	return errors.As(err, &ClusterUnreachableError{})
}

// IsPermissionDenied returns true if the error indicates an authorization
// failure.
func IsPermissionDenied(err error) bool {
	return errors.As(err, &PermissionDeniedError{})
}

// Observer reads current resource state from the target cluster. It never
// mutates cluster state.
type Observer struct {
	Client client.Reader
	logr.Logger
}

// NewObserver creates and returns a new Observer.
func NewObserver(l logr.Logger, c client.Reader) *Observer {
	return &Observer{Client: c, Logger: l}
}

// Observe returns the live state for each of the desired resources, keyed by
// object metadata. Absent resources are omitted from the result.
func (o *Observer) Observe(ctx context.Context, desired []*unstructured.Unstructured) (map[object.ObjMetadata]*unstructured.Unstructured, error) {
	live := map[object.ObjMetadata]*unstructured.Unstructured{}
	for _, obj := range desired {
		existing, err := o.get(ctx, obj.GroupVersionKind().GroupVersion().String(), obj.GetKind(), client.ObjectKeyFromObject(obj))
		if err != nil {
			return nil, err
		}
		if existing == nil {
			continue
		}
		live[object.UnstructuredToObjMetadata(obj)] = existing
	}

	return live, nil
}

// ObserveRefs returns the live state for each inventory reference, keyed by
// object metadata. Absent resources are omitted.
func (o *Observer) ObserveRefs(ctx context.Context, refs []syncv1.ResourceRef) (map[object.ObjMetadata]*unstructured.Unstructured, error) {
	live := map[object.ObjMetadata]*unstructured.Unstructured{}
	for _, ref := range refs {
		u, err := syncv1.UnstructuredFromResourceRef(ref)
		if err != nil {
			return nil, err
		}
		existing, err := o.get(ctx, u.GroupVersionKind().GroupVersion().String(), u.GetKind(), client.ObjectKeyFromObject(u))
		if err != nil {
			return nil, err
		}
		if existing == nil {
			continue
		}
		live[object.UnstructuredToObjMetadata(u)] = existing
	}

	return live, nil
}

func (o *Observer) get(ctx context.Context, apiVersion, kind string, key client.ObjectKey) (*unstructured.Unstructured, error) {
	existing := &unstructured.Unstructured{}
	existing.SetAPIVersion(apiVersion)
	existing.SetKind(kind)

	if err := o.Client.Get(ctx, key, existing); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		if apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
			return nil, PermissionDeniedError{Err: err}
		}
		return nil, ClusterUnreachableError{Err: err}
	}

	return existing, nil
}
