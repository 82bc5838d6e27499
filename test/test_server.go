package test

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// StartFakeArchiveServer serves dir over HTTP for the lifetime of the test,
// standing in for the source controller's artifact host.
func StartFakeArchiveServer(t *testing.T, dir string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	t.Cleanup(srv.Close)

	return srv
}
