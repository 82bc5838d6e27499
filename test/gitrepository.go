package test

import (
	sourcemetav1 "github.com/fluxcd/source-controller/api/v1"
	sourcev1 "github.com/fluxcd/source-controller/api/v1beta2"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// NewGitRepository creates and returns a new GitRepository.
func NewGitRepository(name types.NamespacedName, opts ...func(*sourcev1.GitRepository)) *sourcev1.GitRepository {
	gr := &sourcev1.GitRepository{
		TypeMeta: metav1.TypeMeta{
			Kind:       "GitRepository",
			APIVersion: "source.toolkit.fluxcd.io/v1beta2",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name.Name,
			Namespace: name.Namespace,
		},
		Spec: sourcev1.GitRepositorySpec{
			URL: "https://github.com/example/example.git",
		},
	}

	for _, opt := range opts {
		opt(gr)
	}

	return gr
}

// WithArtifact configures the GitRepository with an available artifact.
func WithArtifact(url, revision, digest string) func(*sourcev1.GitRepository) {
	return func(gr *sourcev1.GitRepository) {
		gr.Status.Artifact = &sourcemetav1.Artifact{
			URL:      url,
			Revision: revision,
			Digest:   digest,
		}
	}
}

// WithRepositoryURL configures the clone URL of the GitRepository.
func WithRepositoryURL(url string) func(*sourcev1.GitRepository) {
	return func(gr *sourcev1.GitRepository) {
		gr.Spec.URL = url
	}
}
