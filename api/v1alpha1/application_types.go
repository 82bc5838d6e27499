package v1alpha1

import (
	"github.com/fluxcd/pkg/apis/meta"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// OwnerNameLabel marks a resource as applied on behalf of the named
	// Application. Resources without this marker are never diffed or pruned,
	// whatever their name.
	OwnerNameLabel = "sync.gitops.tools/name"

	// OwnerNamespaceLabel holds the namespace of the owning Application.
	OwnerNamespaceLabel = "sync.gitops.tools/namespace"

	// RefreshAnnotation requests that the cached source bundle for the
	// Application is discarded before the next reconciliation.
	RefreshAnnotation = "sync.gitops.tools/refreshedAt"
)

// ApplicationSource identifies where the desired-state manifests come from.
type ApplicationSource struct {
	// RepositoryRef is the name of a GitRepository resource in the same
	// namespace that tracks the manifest repository.
	RepositoryRef string `json:"repositoryRef"`

	// Path is the directory within the repository to render manifests from.
	// Defaults to the repository root.
	// +optional
	Path string `json:"path,omitempty"`
}

// SyncPolicy configures when an Application is reconciled and whether
// resources removed from the source are pruned from the cluster.
type SyncPolicy struct {
	// Automated enables reconciliation on the configured interval and on
	// new-revision notifications. When false, cycles only run on an explicit
	// operator trigger.
	// +optional
	Automated bool `json:"automated,omitempty"`

	// Prune enables deletion of resources that are recorded in the inventory
	// but are no longer rendered from the source. When disabled, orphaned
	// resources are reported but left untouched.
	// +optional
	Prune bool `json:"prune,omitempty"`
}

// ApplicationSpec defines the desired state of Application.
type ApplicationSpec struct {
	// Source is the manifest source to reconcile from.
	Source ApplicationSource `json:"source"`

	// TargetNamespace is the namespace that rendered namespaced resources
	// default to. Defaults to the namespace of the Application.
	// +optional
	TargetNamespace string `json:"targetNamespace,omitempty"`

	// Values are parameters made available to the manifest templates.
	// +optional
	Values *apiextensionsv1.JSON `json:"values,omitempty"`

	// SyncPolicy controls automation and pruning.
	// +optional
	SyncPolicy SyncPolicy `json:"syncPolicy,omitempty"`

	// Interval between reconciliation attempts for automated Applications.
	// +optional
	Interval metav1.Duration `json:"interval,omitempty"`

	// Timeout is the deadline for one reconciliation cycle. A cycle
	// exceeding it is aborted with an Error status.
	// +optional
	Timeout *metav1.Duration `json:"timeout,omitempty"`

	// Suspend tells the controller to skip reconciliation of this
	// Application.
	// +optional
	Suspend bool `json:"suspend,omitempty"`
}

// SyncPhase is the stage a reconciliation cycle is in.
type SyncPhase string

const (
	PhaseIdle      SyncPhase = "Idle"
	PhaseFetching  SyncPhase = "Fetching"
	PhaseRendering SyncPhase = "Rendering"
	PhaseDiffing   SyncPhase = "Diffing"
	PhaseSyncing   SyncPhase = "Syncing"
)

// SyncState is the outcome of a reconciliation cycle.
type SyncState string

const (
	SyncStateSynced    SyncState = "Synced"
	SyncStateOutOfSync SyncState = "OutOfSync"
	SyncStateError     SyncState = "Error"
)

// ResourceAction describes what the sync executor did with one resource.
type ResourceAction string

const (
	ActionCreated    ResourceAction = "Created"
	ActionConfigured ResourceAction = "Configured"
	ActionUnchanged  ResourceAction = "Unchanged"
	ActionPruned     ResourceAction = "Pruned"
	ActionOrphaned   ResourceAction = "Orphaned"
	ActionFailed     ResourceAction = "Failed"
)

// ResourceResult records the action taken for a single resource during one
// cycle.
type ResourceResult struct {
	// ID is the string representation of the resource's metadata, in the
	// format '<namespace>_<name>_<group>_<kind>'.
	ID string `json:"id"`

	// Version is the API version of the resource's kind.
	// +optional
	Version string `json:"v,omitempty"`

	// Action taken for the resource.
	Action ResourceAction `json:"action"`

	// Error holds the failure message when Action is Failed.
	// +optional
	Error string `json:"error,omitempty"`
}

// SyncResult is the outcome of one reconciliation cycle for an Application.
type SyncResult struct {
	// State summarises the cycle.
	State SyncState `json:"state"`

	// Revision is the source revision the cycle reconciled against.
	// +optional
	Revision string `json:"revision,omitempty"`

	// Timestamp is when the cycle finished.
	Timestamp metav1.Time `json:"timestamp"`

	// Message holds a human-readable cause when State is Error.
	// +optional
	Message string `json:"message,omitempty"`

	// Resources are the per-resource actions taken during the cycle.
	// +optional
	Resources []ResourceResult `json:"resources,omitempty"`
}

// ApplicationStatus defines the observed state of Application.
type ApplicationStatus struct {
	meta.ReconcileRequestStatus `json:",inline"`

	// ObservedGeneration is the last generation reconciled.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions holds the conditions for the Application.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// Phase is the stage the current (or last) cycle is in.
	// +optional
	Phase SyncPhase `json:"phase,omitempty"`

	// Inventory contains references to the resources this Application has
	// applied, used to detect resources to prune.
	// +optional
	Inventory *ResourceInventory `json:"inventory,omitempty"`

	// LastAttemptedRevision is the revision of the last reconciliation
	// attempt.
	// +optional
	LastAttemptedRevision string `json:"lastAttemptedRevision,omitempty"`

	// LastSyncedRevision is the revision of the last cycle that completed
	// with a Synced state.
	// +optional
	LastSyncedRevision string `json:"lastSyncedRevision,omitempty"`

	// LastHandledRefreshAt holds the value of the most recently handled
	// refresh annotation.
	// +optional
	LastHandledRefreshAt string `json:"lastHandledRefreshAt,omitempty"`

	// Sync is the result of the most recent reconciliation cycle.
	// +optional
	Sync *SyncResult `json:"sync,omitempty"`

	// History holds the results of recent cycles, newest first.
	// +optional
	History []SyncResult `json:"history,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp",description=""
//+kubebuilder:printcolumn:name="State",type="string",JSONPath=".status.sync.state",description=""
//+kubebuilder:printcolumn:name="Revision",type="string",JSONPath=".status.lastSyncedRevision",description=""

// Application is the Schema for the applications API
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec,omitempty"`
	Status ApplicationStatus `json:"status,omitempty"`
}

// GetConditions returns the status conditions of the object.
func (a *Application) GetConditions() []metav1.Condition {
	return a.Status.Conditions
}

// SetConditions sets the status conditions on the object.
func (a *Application) SetConditions(conditions []metav1.Condition) {
	a.Status.Conditions = conditions
}

//+kubebuilder:object:root=true

// ApplicationList contains a list of Application
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Application `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Application{}, &ApplicationList{})
}
