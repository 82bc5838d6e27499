package diff

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// KindRule configures diffing and apply behaviour for one resource kind.
// Rules can be loaded from configuration to extend the defaults without
// modifying the engine.
type KindRule struct {
	// Kind the rule applies to.
	Kind string `json:"kind"`

	// IgnorePaths are dot-separated field paths removed from both the
	// desired and live objects before comparison, for fields the cluster
	// mutates out-of-band.
	// +optional
	IgnorePaths []string `json:"ignorePaths,omitempty"`

	// ApplyPriority orders apply operations, lower values apply first.
	// +optional
	ApplyPriority *int `json:"applyPriority,omitempty"`

	// Exclude is a CEL expression evaluated with the live object bound to
	// "object". Resources for which it evaluates to true are excluded from
	// diffing entirely.
	// +optional
	Exclude string `json:"exclude,omitempty"`
}

// defaultPriority is used for kinds without an explicit apply priority.
const defaultPriority = 1000

// kindPriorities applies namespaces and CRDs before the resources that
// reference them, and workloads after their configuration.
var kindPriorities = map[string]int{
	"Namespace":                0,
	"CustomResourceDefinition": 1,
	"ResourceQuota":            2,
	"LimitRange":               3,
	"Secret":                   10,
	"ConfigMap":                11,
	"StorageClass":             12,
	"PersistentVolume":         13,
	"PersistentVolumeClaim":    14,
	"ServiceAccount":           20,
	"ClusterRole":              21,
	"ClusterRoleBinding":       22,
	"Role":                     23,
	"RoleBinding":              24,
	"Service":                  30,
	"DaemonSet":                40,
	"Deployment":               41,
	"StatefulSet":              42,
	"Job":                      43,
	"CronJob":                  44,
	"Ingress":                  50,
}

// globalIgnorePaths are removed for every kind: server-assigned identifiers
// and the status subresource.
var globalIgnorePaths = []string{
	"status",
	"metadata.uid",
	"metadata.resourceVersion",
	"metadata.generation",
	"metadata.creationTimestamp",
	"metadata.managedFields",
	"metadata.selfLink",
}

var defaultKindIgnorePaths = map[string][]string{
	"Service":        {"spec.clusterIP", "spec.clusterIPs", "spec.ipFamilies", "spec.ipFamilyPolicy", "spec.internalTrafficPolicy", "spec.sessionAffinity"},
	"ServiceAccount": {"secrets", "imagePullSecrets"},
}

type compiledRule struct {
	ignorePaths [][]string
	priority    *int
	exclude     cel.Program
}

// Registry maps resource kinds to their diff ignore-list, apply priority and
// optional exclusion expression.
type Registry struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules map[string]compiledRule
}

// NewRegistry creates a Registry populated with the default rules.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(cel.Variable("object", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	r := &Registry{
		env:   env,
		rules: map[string]compiledRule{},
	}
	for kind, paths := range defaultKindIgnorePaths {
		if err := r.Add(KindRule{Kind: kind, IgnorePaths: paths}); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Add registers a rule for a kind, merging with any existing rule for that
// kind.
func (r *Registry) Add(rule KindRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.rules[rule.Kind]
	for _, p := range rule.IgnorePaths {
		existing.ignorePaths = append(existing.ignorePaths, strings.Split(p, "."))
	}
	if rule.ApplyPriority != nil {
		existing.priority = rule.ApplyPriority
	}
	if rule.Exclude != "" {
		ast, issues := r.env.Compile(rule.Exclude)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("failed to compile exclude expression for kind %q: %w", rule.Kind, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("exclude expression for kind %q must evaluate to bool, got %s", rule.Kind, ast.OutputType())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fmt.Errorf("failed to build exclude program for kind %q: %w", rule.Kind, err)
		}
		existing.exclude = prg
	}
	r.rules[rule.Kind] = existing

	return nil
}

// IgnorePaths returns the field paths to remove before comparing resources
// of the kind.
func (r *Registry) IgnorePaths(kind string) [][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := [][]string{}
	for _, p := range globalIgnorePaths {
		paths = append(paths, strings.Split(p, "."))
	}
	paths = append(paths, r.rules[kind].ignorePaths...)

	return paths
}

// Priority returns the apply priority for the kind, lower applies first.
func (r *Registry) Priority(kind string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rule, ok := r.rules[kind]; ok && rule.priority != nil {
		return *rule.priority
	}
	if p, ok := kindPriorities[kind]; ok {
		return p
	}

	return defaultPriority
}

// Excluded reports whether the live object is excluded from diffing by the
// kind's exclusion expression.
func (r *Registry) Excluded(obj *unstructured.Unstructured) (bool, error) {
	r.mu.RLock()
	prg := r.rules[obj.GetKind()].exclude
	r.mu.RUnlock()

	if prg == nil {
		return false, nil
	}

	out, _, err := prg.Eval(map[string]any{"object": obj.Object})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate exclude expression for %s/%s: %w", obj.GetKind(), obj.GetName(), err)
	}
	excluded, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("exclude expression for %s returned non-bool value", obj.GetKind())
	}

	return excluded, nil
}
