package cmd

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/gitops-tools/appsync-controller/test"
)

func TestVerifyDigest(t *testing.T) {
	body := []byte("testing artifact body")

	err := verifyDigest(fmt.Sprintf("sha256:%x", sha256.Sum256(body)), body)

	test.AssertNoError(t, err)
}

func TestVerifyDigest_mismatch(t *testing.T) {
	body := []byte("testing artifact body")

	err := verifyDigest(fmt.Sprintf("sha256:%x", sha256.Sum256([]byte("other"))), body)

	test.AssertErrorMatch(t, "digest mismatch", err)
}

func TestVerifyDigest_with_invalid_digest(t *testing.T) {
	err := verifyDigest("not-a-digest", []byte("testing"))

	test.AssertErrorMatch(t, `invalid digest "not-a-digest"`, err)
}

func TestParseArtifactURL(t *testing.T) {
	svc, err := parseArtifactURL("http://source-controller.flux-system.svc.cluster.local./gitrepository/default/demo-repo/latest.tar.gz")
	test.AssertNoError(t, err)

	if svc.name != "source-controller" || svc.namespace != "flux-system" || svc.port != "80" {
		t.Errorf("parsed service %+v", svc)
	}
	if svc.path != "/gitrepository/default/demo-repo/latest.tar.gz" {
		t.Errorf("parsed path %q", svc.path)
	}
}

func TestParseArtifactURL_with_invalid_host(t *testing.T) {
	_, err := parseArtifactURL("http://example.com/archive.tar.gz")

	test.AssertErrorMatch(t, "invalid artifact URL", err)
}
