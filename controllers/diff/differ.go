package diff

import (
	"sort"

	"github.com/gitops-tools/pkg/sets"
	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/cli-utils/pkg/object"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
)

// ChangeKind classifies a difference between desired and live state.
type ChangeKind string

const (
	Add    ChangeKind = "Add"
	Modify ChangeKind = "Modify"
	Remove ChangeKind = "Remove"
)

// Change is one difference between the desired and observed resource sets.
// Object holds the desired configuration for Add and Modify changes, and the
// live object for Remove changes.
type Change struct {
	Op     ChangeKind
	Object *unstructured.Unstructured
}

// Result is the structural difference between the desired sequence and the
// observed set, produced once per cycle and not persisted beyond it.
type Result struct {
	Changes []Change

	// Orphans are resources recorded in the inventory but no longer
	// desired, reported but untouched because pruning is disabled.
	Orphans []*unstructured.Unstructured

	// Unchanged are desired resources whose live state already matches.
	Unchanged []*unstructured.Unstructured
}

// Differ computes the difference between desired and live resource sets.
type Differ struct {
	Registry *Registry
	logr.Logger
}

// NewDiffer creates and returns a new Differ using the rules in the
// registry.
func NewDiffer(l logr.Logger, registry *Registry) *Differ {
	return &Differ{Registry: registry, Logger: l}
}

// Diff compares the desired sequence against the observed live state.
//
// live holds the observed state for desired resources, inventoryLive the
// observed state for previously applied inventory entries. Resources that do
// not carry the Application's ownership marker are never diffed or removed,
// whatever their name.
func (d *Differ) Diff(app *syncv1.Application, desired []*unstructured.Unstructured, live, inventoryLive map[object.ObjMetadata]*unstructured.Unstructured) (*Result, error) {
	result := &Result{}

	desiredKeys := sets.New[object.ObjMetadata]()
	for _, obj := range desired {
		key := object.UnstructuredToObjMetadata(obj)
		desiredKeys.Insert(key)

		liveObj, ok := live[key]
		if !ok {
			result.Changes = append(result.Changes, Change{Op: Add, Object: obj})
			continue
		}

		if !OwnedBy(liveObj, app) {
			d.Logger.Info("skipping resource without ownership marker", "id", key.String())
			continue
		}

		excluded, err := d.Registry.Excluded(liveObj)
		if err != nil {
			return nil, err
		}
		if excluded {
			continue
		}

		if d.changed(obj, liveObj) {
			result.Changes = append(result.Changes, Change{Op: Modify, Object: obj})
			continue
		}
		result.Unchanged = append(result.Unchanged, obj)
	}

	for key, liveObj := range inventoryLive {
		if desiredKeys.Has(key) {
			continue
		}
		if !OwnedBy(liveObj, app) {
			continue
		}
		if app.Spec.SyncPolicy.Prune {
			result.Changes = append(result.Changes, Change{Op: Remove, Object: liveObj})
			continue
		}
		result.Orphans = append(result.Orphans, liveObj)
	}

	sortChanges(result.Changes)
	sortObjects(result.Orphans)

	return result, nil
}

// changed compares the live object projected onto the desired object's field
// skeleton, after removing the ignored paths from both sides. Fields the
// desired configuration does not mention are not compared, which keeps
// server-populated defaults from showing up as drift.
func (d *Differ) changed(desired, live *unstructured.Unstructured) bool {
	ignore := d.Registry.IgnorePaths(desired.GetKind())
	desiredContent := pruneFields(desired, ignore)
	liveContent := pruneFields(live, ignore)

	return !cmp.Equal(desiredContent, projectOnto(liveContent, desiredContent))
}

// OwnedBy returns true if the object carries the Application's ownership
// marker.
func OwnedBy(obj *unstructured.Unstructured, app *syncv1.Application) bool {
	labels := obj.GetLabels()

	return labels[syncv1.OwnerNameLabel] == app.GetName() &&
		labels[syncv1.OwnerNamespaceLabel] == app.GetNamespace()
}

func pruneFields(obj *unstructured.Unstructured, ignorePaths [][]string) map[string]any {
	content := obj.DeepCopy().Object
	for _, path := range ignorePaths {
		unstructured.RemoveNestedField(content, path...)
	}

	return content
}

// projectOnto reduces the live content to the field skeleton of the desired
// content. Maps recurse, lists of equal length project element-wise, all
// other values are taken from live as-is.
func projectOnto(live, desired map[string]any) map[string]any {
	result := map[string]any{}
	for k, desiredValue := range desired {
		liveValue, ok := live[k]
		if !ok {
			continue
		}

		result[k] = projectValue(liveValue, desiredValue)
	}

	return result
}

func projectValue(live, desired any) any {
	if desiredMap, ok := desired.(map[string]any); ok {
		if liveMap, ok := live.(map[string]any); ok {
			return projectOnto(liveMap, desiredMap)
		}
		return live
	}

	desiredList, ok := desired.([]any)
	if !ok {
		return live
	}
	liveList, ok := live.([]any)
	if !ok || len(liveList) != len(desiredList) {
		return live
	}
	projected := make([]any, len(liveList))
	for i := range liveList {
		projected[i] = projectValue(liveList[i], desiredList[i])
	}

	return projected
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Op != changes[j].Op {
			return changes[i].Op < changes[j].Op
		}
		return object.UnstructuredToObjMetadata(changes[i].Object).String() <
			object.UnstructuredToObjMetadata(changes[j].Object).String()
	})
}

func sortObjects(objs []*unstructured.Unstructured) {
	sort.Slice(objs, func(i, j int) bool {
		return object.UnstructuredToObjMetadata(objs[i]).String() <
			object.UnstructuredToObjMetadata(objs[j]).String()
	})
}
