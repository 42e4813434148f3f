// Package roles provides the role classifier and per-role capability
// allowlists enforced at dispatch time.
package roles

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/pkg/models"
)

// CapabilitySet is the allowlist of external actions a role's workers may
// perform. Allowlists are immutable for the lifetime of a run.
type CapabilitySet struct {
	// Actions are abstract capabilities (e.g. "read_files", "web_lookup").
	Actions []string `yaml:"actions"`
	// Commands are external command verbs the worker may invoke.
	Commands []string `yaml:"commands"`
	// WritePrefixes are path prefixes the role may write under.
	WritePrefixes []string `yaml:"write_prefixes"`
}

// Allows reports whether an action is in the allowlist.
func (c CapabilitySet) Allows(action string) bool {
	for _, a := range c.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Registry holds the capability allowlist for every role.
type Registry struct {
	mu   sync.RWMutex
	sets map[models.RoleTag]CapabilitySet
}

// rolesFile is the on-disk YAML structure for role configuration.
type rolesFile struct {
	Roles map[string]CapabilitySet `yaml:"roles"`
}

// NewRegistry returns a registry with built-in defaults for every role.
func NewRegistry() *Registry {
	return &Registry{sets: defaultCapabilities()}
}

// LoadRegistry reads role allowlists from a YAML file and overlays them
// on the defaults. Unknown role names in the file are rejected so a typo
// cannot silently widen a role.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles config: %w", err)
	}

	var file rolesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roles config: %w", err)
	}

	reg := NewRegistry()
	for name, set := range file.Roles {
		role := models.RoleTag(name)
		if !role.Valid() {
			return nil, fmt.Errorf("roles config: unknown role %q", name)
		}
		reg.sets[role] = set
	}
	return reg, nil
}

// Capabilities returns the allowlist for a role. Unknown roles get an
// empty set, which allows nothing.
func (r *Registry) Capabilities(role models.RoleTag) CapabilitySet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sets[role]
}

// defaultCapabilities are the built-in allowlists used when no YAML
// override is provided.
func defaultCapabilities() map[models.RoleTag]CapabilitySet {
	readOnly := CapabilitySet{
		Actions: []string{"read_files", "web_lookup"},
	}
	writing := CapabilitySet{
		Actions:       []string{"read_files", "write_files"},
		WritePrefixes: []string{"loom/outputs/"},
	}
	coding := CapabilitySet{
		Actions:       []string{"read_files", "write_files", "run_tests"},
		Commands:      []string{"go", "make"},
		WritePrefixes: []string{"loom/outputs/", "src/"},
	}

	return map[models.RoleTag]CapabilitySet{
		models.RoleResearcher: readOnly,
		models.RoleArchitect:  writing,
		models.RoleCoder:      coding,
		models.RoleReviewer:   readOnly,
		models.RoleAnalyst:    writing,
		models.RoleWriter:     writing,
		models.RoleDebugger:   coding,
		models.RoleEvaluator:  readOnly,
	}
}
