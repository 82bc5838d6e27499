package setup

import (
	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	sourcev1 "github.com/fluxcd/source-controller/api/v1beta2"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
	//+kubebuilder:scaffold:imports
)

// NewScheme creates and returns a runtime.Scheme configured with the types
// the controller works with.
func NewScheme() (*runtime.Scheme, error) {
	builder := runtime.SchemeBuilder{
		clientgoscheme.AddToScheme,
		sourcev1.AddToScheme,
		syncv1.AddToScheme,
	}

	scheme := runtime.NewScheme()

	if err := builder.AddToScheme(scheme); err != nil {
		return nil, err
	}

	return scheme, nil
}
