package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"dario.cat/mergo"
	securejoin "github.com/cyphar/filepath-securejoin"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	yamlserializer "k8s.io/apimachinery/pkg/runtime/serializer/yaml"
	"k8s.io/apimachinery/pkg/util/yaml"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
	"github.com/gitops-tools/appsync-controller/controllers/source"
)

var templateFuncs template.FuncMap = makeTemplateFunctions()

// Error indicates that rendering the manifest bundle failed. No partial
// output is retained.
type Error struct {
	Path string
	Err  error
}

func (e Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to render %q: %s", e.Path, e.Err)
	}
	return fmt.Sprintf("failed to render bundle: %s", e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Render expands the manifest files in the bundle into concrete resources
// for the Application.
//
// Files are processed in sorted path order and multi-document files in
// document order, so the same bundle and values always produce the same
// sequence. Namespaced resources without a namespace are defaulted to the
// Application's target namespace and all resources are stamped with the
// Application's ownership labels.
func Render(app *syncv1.Application, bundle *source.Bundle) ([]*unstructured.Unstructured, error) {
	dir, err := securejoin.SecureJoin(bundle.Dir, app.Spec.Source.Path)
	if err != nil {
		return nil, Error{Path: app.Spec.Source.Path, Err: err}
	}

	files, err := manifestFiles(dir)
	if err != nil {
		return nil, Error{Path: app.Spec.Source.Path, Err: err}
	}

	params, err := templateParams(app, bundle)
	if err != nil {
		return nil, Error{Err: err}
	}

	rendered := []*unstructured.Unstructured{}
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, Error{Path: file, Err: err}
		}

		relPath, err := filepath.Rel(bundle.Dir, file)
		if err != nil {
			return nil, Error{Path: file, Err: err}
		}

		objects, err := renderFile(app, relPath, b, params)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, objects...)
	}

	return rendered, nil
}

// manifestFiles returns the YAML files under dir in lexical path order.
func manifestFiles(dir string) ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk manifest directory: %w", err)
	}

	return files, nil
}

func templateParams(app *syncv1.Application, bundle *source.Bundle) (map[string]any, error) {
	values := map[string]any{}
	if app.Spec.Values != nil {
		if err := json.Unmarshal(app.Spec.Values.Raw, &values); err != nil {
			return nil, fmt.Errorf("failed to parse values: %w", err)
		}
	}

	return map[string]any{
		"Values":   values,
		"Revision": bundle.Revision,
		"Application": map[string]any{
			"Name":      app.GetName(),
			"Namespace": app.GetNamespace(),
		},
	}, nil
}

func renderFile(app *syncv1.Application, path string, b []byte, params map[string]any) ([]*unstructured.Unstructured, error) {
	t, err := template.New(path).
		Option("missingkey=error").
		Funcs(templateFuncs).Parse(string(b))
	if err != nil {
		return nil, Error{Path: path, Err: err}
	}

	var out bytes.Buffer
	if err := t.Execute(&out, params); err != nil {
		return nil, Error{Path: path, Err: err}
	}

	var objects []*unstructured.Unstructured
	decoder := yaml.NewYAMLOrJSONDecoder(bytes.NewReader(out.Bytes()), 100)
	for {
		var rawObj runtime.RawExtension
		if err := decoder.Decode(&rawObj); err != nil {
			if err != io.EOF {
				return nil, Error{Path: path, Err: err}
			}
			break
		}
		if len(bytes.TrimSpace(rawObj.Raw)) == 0 {
			continue
		}

		m, _, err := yamlserializer.NewDecodingSerializer(unstructured.UnstructuredJSONScheme).Decode(rawObj.Raw, nil, nil)
		if err != nil {
			return nil, Error{Path: path, Err: err}
		}

		unstructuredMap, err := runtime.DefaultUnstructuredConverter.ToUnstructured(m)
		if err != nil {
			return nil, Error{Path: path, Err: err}
		}
		delete(unstructuredMap, "status")
		uns := &unstructured.Unstructured{Object: unstructuredMap}

		// A misindented document can parse as a multiline scalar, leaving a
		// kind like "ConfigMap bad indent".
		if kind := uns.GetKind(); kind == "" || strings.ContainsAny(kind, " \t\n") {
			return nil, Error{Path: path, Err: fmt.Errorf("invalid kind %q", kind)}
		}

		if IsNamespacedObject(uns) && uns.GetNamespace() == "" {
			uns.SetNamespace(targetNamespace(app))
		}

		// Rendered labels are merged in, but the ownership marker is not
		// overridable.
		labels := map[string]string{
			syncv1.OwnerNameLabel:      app.GetName(),
			syncv1.OwnerNamespaceLabel: app.GetNamespace(),
		}
		renderedLabels := uns.GetLabels()
		if err := mergo.Merge(&labels, renderedLabels, mergo.WithOverride); err != nil {
			return nil, Error{Path: path, Err: fmt.Errorf("failed to merge rendered labels: %w", err)}
		}
		labels[syncv1.OwnerNameLabel] = app.GetName()
		labels[syncv1.OwnerNamespaceLabel] = app.GetNamespace()
		uns.SetLabels(labels)

		objects = append(objects, uns)
	}

	return objects, nil
}

func targetNamespace(app *syncv1.Application) string {
	if app.Spec.TargetNamespace != "" {
		return app.Spec.TargetNamespace
	}
	return app.GetNamespace()
}
