package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadKindRules_with_no_filename(t *testing.T) {
	registry, err := LoadKindRules("")
	assert.NoError(t, err)

	// The built-in defaults are still present.
	assert.Equal(t, 0, registry.Priority("Namespace"))
}

func TestLoadKindRules(t *testing.T) {
	filename := writeRules(t, `
- kind: Certificate
  ignorePaths:
  - spec.renewBefore
  applyPriority: 5
- kind: ConfigMap
  exclude: '"managed-externally" in object.metadata.labels'
`)

	registry, err := LoadKindRules(filename)
	assert.NoError(t, err)

	assert.Equal(t, 5, registry.Priority("Certificate"))
	assert.Contains(t, registry.IgnorePaths("Certificate"), []string{"spec", "renewBefore"})
}

func TestLoadKindRules_with_missing_file(t *testing.T) {
	_, err := LoadKindRules(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.ErrorContains(t, err, "failed to read diff rules from")
}

func TestLoadKindRules_with_invalid_yaml(t *testing.T) {
	filename := writeRules(t, "{not yaml")

	_, err := LoadKindRules(filename)
	assert.ErrorContains(t, err, "failed to parse diff rules from")
}

func TestLoadKindRules_with_invalid_expression(t *testing.T) {
	filename := writeRules(t, `
- kind: ConfigMap
  exclude: 'object.metadata.name'
`)

	_, err := LoadKindRules(filename)
	assert.ErrorContains(t, err, `exclude expression for kind "ConfigMap"`)
}

func writeRules(t *testing.T, body string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(filename, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	return filename
}
