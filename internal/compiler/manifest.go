// Package compiler turns a request into a task graph document plus a
// manifest describing the compiled plan.
package compiler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loomctl/loom/pkg/models"
)

// ErrManifestParse indicates the compiler's manifest output could not be
// parsed. The caller retries compilation once before treating this as
// fatal.
var ErrManifestParse = errors.New("manifest parse failed")

// ManifestEntry is one node tuple in a manifest.
type ManifestEntry struct {
	NodeID         models.NodeID
	Role           models.RoleTag
	Level          int
	ResultLocation string
}

// Manifest is the compiled plan summary: the run slug plus one entry per
// node, in the order the compiler emitted them.
type Manifest struct {
	Slug    string
	Entries []ManifestEntry
}

// ParseManifest parses the wire form `slug|id:role:level:loc;id:role:level:loc`.
// Any structural problem wraps ErrManifestParse.
func ParseManifest(raw string) (*Manifest, error) {
	raw = strings.TrimSpace(raw)

	slug, rest, found := strings.Cut(raw, "|")
	if !found || slug == "" {
		return nil, fmt.Errorf("%w: missing slug separator", ErrManifestParse)
	}
	if rest == "" {
		return nil, fmt.Errorf("%w: empty node list", ErrManifestParse)
	}

	m := &Manifest{Slug: slug}
	seen := make(map[models.NodeID]bool)

	for _, tuple := range strings.Split(rest, ";") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}

		// resultLocation may itself contain colons (e.g. absolute
		// paths on some systems), so split only the first three.
		parts := strings.SplitN(tuple, ":", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("%w: tuple %q has %d fields, want 4", ErrManifestParse, tuple, len(parts))
		}

		id := models.NodeID(parts[0])
		if id == "" {
			return nil, fmt.Errorf("%w: empty node ID in %q", ErrManifestParse, tuple)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrManifestParse, id)
		}
		seen[id] = true

		role := models.RoleTag(parts[1])
		if !role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q for node %s", ErrManifestParse, parts[1], id)
		}

		level, err := strconv.Atoi(parts[2])
		if err != nil || level < 0 {
			return nil, fmt.Errorf("%w: bad level %q for node %s", ErrManifestParse, parts[2], id)
		}

		m.Entries = append(m.Entries, ManifestEntry{
			NodeID:         id,
			Role:           role,
			Level:          level,
			ResultLocation: parts[3],
		})
	}

	if len(m.Entries) == 0 {
		return nil, fmt.Errorf("%w: no node tuples", ErrManifestParse)
	}
	return m, nil
}

// Format renders the manifest back to its wire form.
func (m *Manifest) Format() string {
	tuples := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		tuples = append(tuples, fmt.Sprintf("%s:%s:%d:%s", e.NodeID, e.Role, e.Level, e.ResultLocation))
	}
	return m.Slug + "|" + strings.Join(tuples, ";")
}

// Covers checks that the manifest names exactly the document's node set.
func (m *Manifest) Covers(doc *models.TaskGraphDocument) error {
	if len(m.Entries) != len(doc.Nodes) {
		return fmt.Errorf("manifest names %d nodes, document has %d", len(m.Entries), len(doc.Nodes))
	}
	for _, e := range m.Entries {
		if _, ok := doc.Nodes[e.NodeID]; !ok {
			return fmt.Errorf("manifest names unknown node %s", e.NodeID)
		}
	}
	return nil
}
