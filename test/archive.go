package test

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteArchive writes a gzipped tarball containing the provided files into
// dir and returns its digest in the format used by artifact metadata.
func WriteArchive(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()

	f, err := os.Create(filepath.Join(dir, name))
	AssertNoError(t, err)

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for filename, content := range files {
		hdr := &tar.Header{
			Name: filename,
			Mode: 0644,
			Size: int64(len(content)),
		}
		AssertNoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		AssertNoError(t, err)
	}

	AssertNoError(t, tw.Close())
	AssertNoError(t, gz.Close())
	AssertNoError(t, f.Close())

	b, err := os.ReadFile(filepath.Join(dir, name))
	AssertNoError(t, err)

	return fmt.Sprintf("sha256:%x", sha256.Sum256(b))
}
