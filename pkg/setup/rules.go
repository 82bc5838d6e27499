package setup

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/gitops-tools/appsync-controller/controllers/diff"
)

// LoadKindRules reads per-kind diff rules from a YAML file and returns a
// Registry configured with them. An empty filename returns a Registry with
// only the built-in defaults.
func LoadKindRules(filename string) (*diff.Registry, error) {
	registry, err := diff.NewRegistry()
	if err != nil {
		return nil, err
	}
	if filename == "" {
		return registry, nil
	}

	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read diff rules from %s: %w", filename, err)
	}

	var rules []diff.KindRule
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse diff rules from %s: %w", filename, err)
	}

	for _, rule := range rules {
		if err := registry.Add(rule); err != nil {
			return nil, fmt.Errorf("invalid diff rule for kind %q: %w", rule.Kind, err)
		}
	}

	return registry, nil
}
