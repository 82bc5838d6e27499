package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	sourcemetav1 "github.com/fluxcd/source-controller/api/v1"
	sourcev1 "github.com/fluxcd/source-controller/api/v1beta2"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

func ignoreExists(err error) error {
	if errors.Is(err, fs.ErrExist) {
		return nil
	}

	return err
}

func copyFile(dst, src string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	buf, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, buf, st.Mode())
}

func copyTree(dst, src string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		// re-stat the path so that we can tell whether it is a symlink
		info, err = os.Lstat(path)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		targ := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return ignoreExists(os.Mkdir(targ, 0755))
		case info.Mode()&os.ModeSymlink != 0:
			referent, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(referent, targ)
		default:
			return copyFile(targ, path)
		}
	})
}

// localFetcher resolves "file://" archive URLs by copying the referenced
// directory instead of downloading a tarball.
type localFetcher struct {
	logger logr.Logger
}

func (l localFetcher) Fetch(archiveURL, digest, dir string) error {
	parsed, err := url.Parse(archiveURL)
	if err != nil {
		return err
	}
	l.logger.Info("setting up bundle", "archiveURL", archiveURL)

	return copyTree(dir, parsed.Path)
}

// localObjectReader resolves GitRepositories against a local directory tree,
// one subdirectory per repository name.
type localObjectReader struct {
	repositoryRoot string
	logger         logr.Logger
}

func (l localObjectReader) Get(ctx context.Context, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
	base, err := filepath.Abs(l.repositoryRoot)
	if err != nil {
		return err
	}

	l.logger.Info("reading from local filesystem", "base", base)

	repo, ok := obj.(*sourcev1.GitRepository)
	if !ok {
		return fmt.Errorf("filesystem access for %T not implemented", obj)
	}

	repo.Status.Artifact = &sourcemetav1.Artifact{
		URL:      "file://" + filepath.Join(base, key.Name),
		Revision: "local",
	}

	return nil
}

func (l localObjectReader) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	return errors.New("not implemented")
}
