package test

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
)

// NewApplication creates and returns a new Application with an automated
// sync policy.
func NewApplication(name types.NamespacedName, opts ...func(*syncv1.Application)) *syncv1.Application {
	app := &syncv1.Application{
		TypeMeta: metav1.TypeMeta{
			Kind:       "Application",
			APIVersion: "sync.gitops.tools/v1alpha1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name.Name,
			Namespace: name.Namespace,
		},
		Spec: syncv1.ApplicationSpec{
			Source: syncv1.ApplicationSource{
				RepositoryRef: "demo-repo",
				Path:          "./manifests",
			},
			TargetNamespace: name.Namespace,
			SyncPolicy: syncv1.SyncPolicy{
				Automated: true,
			},
			Interval: metav1.Duration{Duration: 3 * time.Minute},
		},
	}

	for _, opt := range opts {
		opt(app)
	}

	return app
}
