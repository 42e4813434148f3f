package roles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loomctl/loom/pkg/models"
)

func TestDefaultRegistryCoversAllRoles(t *testing.T) {
	reg := NewRegistry()
	for _, role := range models.AllRoles {
		set := reg.Capabilities(role)
		if len(set.Actions) == 0 {
			t.Errorf("role %s has no default capabilities", role)
		}
	}
}

func TestUnknownRoleAllowsNothing(t *testing.T) {
	reg := NewRegistry()
	set := reg.Capabilities(models.RoleTag("janitor"))
	if len(set.Actions) != 0 || set.Allows("read_files") {
		t.Error("unknown role must allow nothing")
	}
}

func TestLoadRegistryOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	content := `roles:
  coder:
    actions: [read_files, write_files]
    commands: [go]
    write_prefixes: [src/]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	coder := reg.Capabilities(models.RoleCoder)
	if len(coder.Commands) != 1 || coder.Commands[0] != "go" {
		t.Errorf("coder override not applied: %+v", coder)
	}
	if coder.Allows("run_tests") {
		t.Error("override should replace the default allowlist")
	}

	// Roles absent from the file keep their defaults.
	if !reg.Capabilities(models.RoleResearcher).Allows("web_lookup") {
		t.Error("researcher default lost after overlay")
	}
}

func TestLoadRegistryRejectsUnknownRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	content := "roles:\n  janitor:\n    actions: [everything]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("expected error for unknown role name")
	}
}

func TestKeywordClassifier(t *testing.T) {
	c := KeywordClassifier{}

	tests := []struct {
		description string
		want        models.RoleTag
	}{
		{"Research existing rate limiter libraries", models.RoleResearcher},
		{"Design the storage interface and schema", models.RoleArchitect},
		{"Implement the retry loop", models.RoleCoder},
		{"Review the generated module for correctness", models.RoleReviewer},
		{"Analyze the benchmark dataset", models.RoleAnalyst},
		{"Document the final API", models.RoleWriter},
		{"Debug the flaky integration run", models.RoleDebugger},
		{"Evaluate results against the goals", models.RoleEvaluator},
		{"Something entirely unrelated", models.RoleResearcher},
	}

	for _, tc := range tests {
		if got := c.Classify(tc.description); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.description, got, tc.want)
		}
	}
}
