package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fluxcd/pkg/http/fetch"
	"github.com/fluxcd/pkg/tar"
	sourcev1 "github.com/fluxcd/source-controller/api/v1beta2"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
)

// ArchiveFetcher implementations should get the URL, validate the contents
// against the digest and leave the unpacked version in the dir.
type ArchiveFetcher interface {
	Fetch(archiveURL, digest, dir string) error
}

// NewArtifactFetcher creates an ArchiveFetcher that downloads and unpacks
// source-controller artifacts, retrying transient failures.
func NewArtifactFetcher(retries int) ArchiveFetcher {
	return fetch.NewArchiveFetcher(retries, tar.UnlimitedUntarSize, tar.UnlimitedUntarSize, os.Getenv("SOURCE_CONTROLLER_LOCALHOST"))
}

// Bundle is an unpacked snapshot of the manifest source at a single revision.
type Bundle struct {
	// Revision is the immutable identifier of the snapshot.
	Revision string

	// Dir is the local directory holding the unpacked manifests.
	Dir string
}

// Fetcher resolves an Application's source reference to a GitRepository
// artifact and downloads it.
//
// The last successfully fetched Bundle is cached per Application, so polling
// that discovers no revision change does not re-download the archive.
type Fetcher struct {
	Client client.Reader
	logr.Logger

	Archive ArchiveFetcher

	mu     sync.Mutex
	cached map[client.ObjectKey]Bundle
}

// NewFetcher creates and returns a new Fetcher ready for use.
func NewFetcher(l logr.Logger, c client.Reader, archive ArchiveFetcher) *Fetcher {
	return &Fetcher{
		Client:  c,
		Logger:  l,
		Archive: archive,
		cached:  map[client.ObjectKey]Bundle{},
	}
}

// Fetch returns the manifest bundle for the Application at the latest
// revision of its source repository.
func (f *Fetcher) Fetch(ctx context.Context, app *syncv1.Application) (*Bundle, error) {
	repo, err := f.loadGitRepository(ctx, app)
	if err != nil {
		return nil, err
	}

	artifact := repo.Status.Artifact
	appKey := client.ObjectKeyFromObject(app)

	if bundle, ok := f.lookup(appKey, artifact.Revision); ok {
		f.Logger.V(1).Info("reusing cached bundle", "revision", artifact.Revision)
		return &bundle, nil
	}

	tempDir, err := os.MkdirTemp("", "bundle-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory for bundle: %w", err)
	}

	f.Logger.Info("fetching archive URL", "repoURL", repo.Spec.URL, "artifactURL", artifact.URL,
		"digest", artifact.Digest, "revision", artifact.Revision)

	if err := f.Archive.Fetch(artifact.URL, artifact.Digest, tempDir); err != nil {
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			f.Logger.Error(removeErr, "failed to remove temporary bundle directory")
		}
		return nil, UnreachableError{URL: artifact.URL, Err: err}
	}

	bundle := Bundle{Revision: artifact.Revision, Dir: tempDir}
	f.store(appKey, bundle)

	return &bundle, nil
}

// Invalidate drops the cached bundle for the Application, forcing the next
// Fetch to download the artifact again.
func (f *Fetcher) Invalidate(appKey client.ObjectKey) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if bundle, ok := f.cached[appKey]; ok {
		if err := os.RemoveAll(bundle.Dir); err != nil {
			f.Logger.Error(err, "failed to remove cached bundle directory", "dir", bundle.Dir)
		}
		delete(f.cached, appKey)
	}
}

func (f *Fetcher) lookup(appKey client.ObjectKey, revision string) (Bundle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bundle, ok := f.cached[appKey]
	if !ok || bundle.Revision != revision {
		return Bundle{}, false
	}
	if _, err := os.Stat(bundle.Dir); err != nil {
		delete(f.cached, appKey)
		return Bundle{}, false
	}

	return bundle, true
}

func (f *Fetcher) store(appKey client.ObjectKey, bundle Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if previous, ok := f.cached[appKey]; ok && previous.Dir != bundle.Dir {
		if err := os.RemoveAll(previous.Dir); err != nil {
			f.Logger.Error(err, "failed to remove stale bundle directory", "dir", previous.Dir)
		}
	}
	f.cached[appKey] = bundle
}

func (f *Fetcher) loadGitRepository(ctx context.Context, app *syncv1.Application) (*sourcev1.GitRepository, error) {
	repoName := client.ObjectKey{Name: app.Spec.Source.RepositoryRef, Namespace: app.GetNamespace()}

	var gr sourcev1.GitRepository
	if err := f.Client.Get(ctx, repoName, &gr); err != nil {
		if client.IgnoreNotFound(err) == nil {
			return nil, RevisionNotFoundError{Kind: "GitRepository", Name: repoName, Err: err}
		}
		return nil, UnreachableError{URL: repoName.String(), Err: err}
	}

	// No artifact? nothing to fetch...
	if gr.Status.Artifact == nil {
		f.Logger.Info("GitRepository does not have an artifact", "repository", repoName)
		return nil, RevisionNotFoundError{Kind: "GitRepository", Name: repoName}
	}

	return &gr, nil
}
