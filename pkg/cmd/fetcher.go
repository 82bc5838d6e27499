package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fluxcd/pkg/tar"
	"github.com/opencontainers/go-digest"
	_ "github.com/opencontainers/go-digest/blake3"
	corev1 "k8s.io/client-go/kubernetes/typed/core/v1"
)

// NewProxyArchiveFetcher creates a ProxyArchiveFetcher reading through the
// provided client.
func NewProxyArchiveFetcher(cl corev1.ServicesGetter) *ProxyArchiveFetcher {
	return &ProxyArchiveFetcher{
		Client:       cl,
		maxUntarSize: tar.UnlimitedUntarSize,
	}
}

// ProxyArchiveFetcher fetches artifact archives through the Kubernetes
// Service proxy, so URLs that only resolve inside the cluster are usable
// from the CLI.
type ProxyArchiveFetcher struct {
	Client corev1.ServicesGetter

	maxUntarSize int
}

// Fetch downloads the archive through the Service proxy, checks it against
// the advertised digest and unpacks it into dir.
func (p *ProxyArchiveFetcher) Fetch(archiveURL, dig, dir string) error {
	svc, err := parseArtifactURL(archiveURL)
	if err != nil {
		return err
	}

	wrapper := p.Client.Services(svc.namespace).ProxyGet(svc.scheme, svc.name, svc.port, svc.path, nil)
	b, err := wrapper.DoRaw(context.TODO())
	if err != nil {
		return err
	}

	if err := verifyDigest(dig, b); err != nil {
		return fmt.Errorf("failed to verify artifact %s: %w", archiveURL, err)
	}

	if err := tar.Untar(bytes.NewReader(b), dir, tar.WithMaxUntarSize(p.maxUntarSize)); err != nil {
		return fmt.Errorf("failed to extract archive: %w", err)
	}

	return nil
}

func verifyDigest(dig string, b []byte) error {
	want, err := digest.Parse(dig)
	if err != nil {
		return fmt.Errorf("invalid digest %q: %w", dig, err)
	}

	if got := want.Algorithm().FromBytes(b); got != want {
		return fmt.Errorf("digest mismatch, got %q want %q", got, want)
	}

	return nil
}

// parseArtifactURL splits a cluster-internal artifact URL of the form
// http://<name>.<namespace>.svc.cluster.local./<path> into the elements
// needed for a proxy request.
func parseArtifactURL(artifactURL string) (*service, error) {
	u, err := url.Parse(artifactURL)
	if err != nil {
		return nil, err
	}

	host := strings.Split(u.Hostname(), ".")
	if len(host) != 6 || host[2] != "svc" || u.Path == "/" {
		return nil, fmt.Errorf("invalid artifact URL %s", artifactURL)
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}

	return &service{
		scheme:    u.Scheme,
		namespace: host[1],
		name:      host[0],
		path:      u.Path,
		port:      port,
	}, nil
}

type service struct {
	scheme    string
	namespace string
	name      string
	path      string
	port      string
}
