package v1alpha1

import (
	"github.com/fluxcd/pkg/apis/meta"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// ReconciliationSucceededReason represents the fact that
	// the reconciliation succeeded.
	ReconciliationSucceededReason string = "ReconciliationSucceeded"

	// ReconciliationFailedReason represents the fact that
	// the reconciliation failed.
	ReconciliationFailedReason string = "ReconciliationFailed"

	// SourceUnreachableReason indicates that the manifest source could not
	// be reached.
	SourceUnreachableReason string = "SourceUnreachable"

	// RevisionNotFoundReason indicates that the referenced revision does not
	// resolve to an artifact.
	RevisionNotFoundReason string = "RevisionNotFound"

	// RenderFailedReason indicates that rendering the manifest bundle
	// failed.
	RenderFailedReason string = "RenderError"

	// ClusterUnreachableReason indicates that the target cluster API could
	// not be reached.
	ClusterUnreachableReason string = "ClusterUnreachable"

	// PermissionDeniedReason indicates that the target cluster rejected a
	// read or write for authorization reasons.
	PermissionDeniedReason string = "PermissionDenied"

	// ApplyConflictReason indicates that a resource was concurrently
	// modified while it was being applied.
	ApplyConflictReason string = "ApplyConflict"

	// TimeoutReason indicates that the reconciliation cycle exceeded its
	// deadline.
	TimeoutReason string = "Timeout"
)

// SetApplicationReadiness sets the ready condition with the given status,
// reason and message.
func SetApplicationReadiness(app *Application, status metav1.ConditionStatus, reason, message string) {
	app.Status.ObservedGeneration = app.ObjectMeta.Generation
	newCondition := metav1.Condition{
		Type:    meta.ReadyCondition,
		Status:  status,
		Reason:  reason,
		Message: message,
	}
	apimeta.SetStatusCondition(&app.Status.Conditions, newCondition)
}

// SetReadyWithInventory updates the Application to reflect the new readiness
// and store the current inventory.
func SetReadyWithInventory(app *Application, inventory *ResourceInventory, reason, message string) {
	app.Status.Inventory = inventory

	if len(inventory.Entries) == 0 {
		app.Status.Inventory = nil
	}

	SetApplicationReadiness(app, metav1.ConditionTrue, reason, message)
}
