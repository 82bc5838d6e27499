package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fluxcd/pkg/http/fetch"
	"github.com/fluxcd/pkg/tar"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	yamlserializer "k8s.io/apimachinery/pkg/runtime/serializer/yaml"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/yaml"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
	"github.com/gitops-tools/appsync-controller/controllers/render"
	"github.com/gitops-tools/appsync-controller/controllers/source"
	"github.com/gitops-tools/appsync-controller/pkg/setup"
)

// NewRenderCommand creates and returns a new Command that renders the
// manifests for an Application without applying them.
func NewRenderCommand() *cobra.Command {
	var disableClusterAccess bool
	var repositoryRoot string
	var useProxyFetch bool

	cmd := &cobra.Command{
		Use:   "render [filename]",
		Short: "Render the manifests for an Application from the CLI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return renderApplication(args[0], disableClusterAccess, useProxyFetch, repositoryRoot, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&disableClusterAccess, "disable-cluster-access", false, "Disable cluster access - sources are resolved from --repository-root instead")
	cmd.Flags().StringVar(&repositoryRoot, "repository-root", "", "Local directory containing a subdirectory per repository name, used with --disable-cluster-access")
	cmd.Flags().BoolVar(&useProxyFetch, "proxy-fetch", false, "Fetch artifacts through the Kubernetes Service proxy, for running outside the cluster")

	return cmd
}

func renderApplication(filename string, disableClusterAccess, useProxyFetch bool, repositoryRoot string, out io.Writer) error {
	scheme, err := setup.NewScheme()
	if err != nil {
		return err
	}

	app, err := readFileAsApplication(scheme, filename)
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}

	cl, archiveFetcher, err := makeClients(disableClusterAccess, useProxyFetch, repositoryRoot, scheme, logger)
	if err != nil {
		return err
	}

	fetcher := source.NewFetcher(logger, cl, archiveFetcher)
	defer fetcher.Invalidate(client.ObjectKeyFromObject(app))

	bundle, err := fetcher.Fetch(context.Background(), app)
	if err != nil {
		return err
	}

	rendered, err := render.Render(app, bundle)
	if err != nil {
		return err
	}

	return outputResources(out, rendered)
}

func makeClients(localOnly, useProxyFetch bool, repositoryRoot string, scheme *runtime.Scheme, logger logr.Logger) (client.Reader, source.ArchiveFetcher, error) {
	if localOnly {
		return localObjectReader{repositoryRoot: repositoryRoot, logger: logger}, localFetcher{logger: logger}, nil
	}

	cfg, err := config.GetConfig()
	if err != nil {
		return nil, nil, err
	}

	cl, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, nil, err
	}

	if useProxyFetch {
		clientset, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return nil, nil, err
		}

		return cl, NewProxyArchiveFetcher(clientset.CoreV1()), nil
	}

	return cl, fetch.NewArchiveFetcher(1, tar.UnlimitedUntarSize, tar.UnlimitedUntarSize, ""), nil
}

func outputResources(out io.Writer, resources []*unstructured.Unstructured) error {
	for _, r := range resources {
		if _, err := fmt.Fprintln(out, "---"); err != nil {
			return err
		}
		if err := marshalOutput(out, r); err != nil {
			return err
		}
	}

	return nil
}

func marshalOutput(out io.Writer, output runtime.Object) error {
	data, err := yaml.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %v", err)
	}

	_, err = fmt.Fprintf(out, "%s", data)
	if err != nil {
		return fmt.Errorf("failed to write data: %v", err)
	}

	return nil
}

func newLogger() (logr.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}

	return zapr.NewLogger(zapLog), nil
}

func readFileAsApplication(scheme *runtime.Scheme, filename string) (*syncv1.Application, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	return bytesToApplication(scheme, b)
}

func bytesToApplication(scheme *runtime.Scheme, b []byte) (*syncv1.Application, error) {
	m, _, err := yamlserializer.NewDecodingSerializer(unstructured.UnstructuredJSONScheme).Decode(b, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode application: %w", err)
	}

	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(m)
	if err != nil {
		return nil, err
	}

	u := &unstructured.Unstructured{Object: raw}
	newObj, err := scheme.New(u.GetObjectKind().GroupVersionKind())
	if err != nil {
		return nil, err
	}

	return newObj.(*syncv1.Application), scheme.Convert(u, newObj, nil)
}
