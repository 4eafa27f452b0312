package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is an operator-curated allowlist of task names a deployment
// permits. It does not carry implementations — those still come from
// Register calls in code — it only constrains which of the registered
// names a worker is willing to execute, so an operator can roll out a
// restricted worker fleet without a code change.
type Manifest struct {
	AllowedFuncs []string `yaml:"allowed_funcs"`
}

// LoadManifest reads and parses a YAML manifest file from path.
func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("op=registry.load_manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("op=registry.load_manifest: %w", err)
	}
	return m, nil
}

// Allows reports whether name is present in the manifest's allowlist. An
// empty manifest (no file loaded) allows everything.
func (m Manifest) Allows(name string) bool {
	if len(m.AllowedFuncs) == 0 {
		return true
	}
	for _, n := range m.AllowedFuncs {
		if n == name {
			return true
		}
	}
	return false
}
