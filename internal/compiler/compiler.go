package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/api"
	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/internal/filter"
	"github.com/loomctl/loom/internal/graph"
	"github.com/loomctl/loom/internal/roles"
	"github.com/loomctl/loom/pkg/models"
)

// GraphCompiler turns a request into a task graph document and its
// manifest. Compile is called exactly once per run.
type GraphCompiler interface {
	Compile(ctx context.Context, request string) (*models.TaskGraphDocument, *Manifest, error)
}

// promptRunner is the slice of the API runner the compiler needs.
type promptRunner interface {
	RunJSON(ctx context.Context, prompt string, target any) (api.Usage, error)
}

// ClaudeCompiler compiles requests with a Claude call.
type ClaudeCompiler struct {
	runner     promptRunner
	classifier roles.Classifier
	tracker    *cost.Tracker
	locate     func(slug string, id models.NodeID) string
}

var _ GraphCompiler = (*ClaudeCompiler)(nil)

// NewClaudeCompiler creates a compiler backed by the given runner. locate
// maps a node to its result location; nil uses a relative default.
func NewClaudeCompiler(runner promptRunner, classifier roles.Classifier, tracker *cost.Tracker, locate func(slug string, id models.NodeID) string) *ClaudeCompiler {
	if locate == nil {
		locate = func(slug string, id models.NodeID) string {
			return fmt.Sprintf("records/1/%s.json", id)
		}
	}
	return &ClaudeCompiler{
		runner:     runner,
		classifier: classifier,
		tracker:    tracker,
		locate:     locate,
	}
}

const compilePrompt = `Decompose the following request into a task graph.

REQUEST:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "slug": "short-kebab-case-run-name",
  "goals": ["measurable goal 1", "measurable goal 2"],
  "tasks": [
    {
      "id": "task_1",
      "role": "researcher|architect|coder|reviewer|analyst|writer|debugger",
      "depends_on": [],
      "description": "what this task must produce"
    }
  ]
}

Rules:
- Task IDs must be unique and dependency references must name listed tasks.
- The dependency graph must be acyclic.
- Descriptions state WHAT to produce, never HOW to behave.`

// compiledPlan is the JSON shape the model returns.
type compiledPlan struct {
	Slug  string   `json:"slug"`
	Goals []string `json:"goals"`
	Tasks []struct {
		ID          string   `json:"id"`
		Role        string   `json:"role"`
		DependsOn   []string `json:"depends_on"`
		Description string   `json:"description"`
	} `json:"tasks"`
}

// Compile filters the request, runs the decomposition prompt, and
// assembles the document and manifest. Requests past the chunking
// threshold are compiled piecewise and merged. A malformed response is
// retried once with a stricter prompt; the second failure wraps
// ErrManifestParse.
func (c *ClaudeCompiler) Compile(ctx context.Context, request string) (*models.TaskGraphDocument, *Manifest, error) {
	request, saved := filter.Shrink(request)
	if saved > 0 && c.tracker != nil {
		c.tracker.TrackSavings("request-filtering", saved)
	}

	if filter.NeedsChunking(request) {
		return c.compileChunked(ctx, request)
	}
	return c.compileWithRetry(ctx, request)
}

func (c *ClaudeCompiler) compileWithRetry(ctx context.Context, request string) (*models.TaskGraphDocument, *Manifest, error) {
	doc, manifest, err := c.compileOnce(ctx, compilePrompt, request)
	if err == nil {
		return doc, manifest, nil
	}

	retryPrompt := compilePrompt + "\n\nYour previous response was malformed. Output ONLY the JSON object, nothing else."
	doc, manifest, retryErr := c.compileOnce(ctx, retryPrompt, request)
	if retryErr != nil {
		return nil, nil, fmt.Errorf("%w: %v (first attempt: %v)", ErrManifestParse, retryErr, err)
	}
	return doc, manifest, nil
}

// compileChunked splits an oversized request at natural boundaries,
// compiles each piece, and merges the pieces into one document. Node
// IDs are prefixed per chunk to stay unique, and each chunk's root
// nodes depend on the previous chunk's terminal nodes so the merged
// graph preserves chunk order.
func (c *ClaudeCompiler) compileChunked(ctx context.Context, request string) (*models.TaskGraphDocument, *Manifest, error) {
	chunks := filter.Chunks(request, filter.DefaultChunkTokens, filter.DefaultOverlapTokens)

	var (
		slug          string
		goals         []string
		nodes         []*models.TaskNode
		prevTerminals []models.NodeID
	)
	seenGoals := make(map[string]bool)

	for i, chunk := range chunks {
		doc, _, err := c.compileWithRetry(ctx, chunk)
		if err != nil {
			return nil, nil, fmt.Errorf("compile chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i == 0 {
			slug = doc.Slug
		}
		for _, g := range doc.Goals {
			if !seenGoals[g] {
				seenGoals[g] = true
				goals = append(goals, g)
			}
		}

		list := doc.NodeList()
		sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })

		prefix := fmt.Sprintf("chunk%d_", i)
		dependedOn := make(map[models.NodeID]bool)
		var chunkNodes []*models.TaskNode
		for _, n := range list {
			mapped := &models.TaskNode{
				ID:          models.NodeID(prefix + string(n.ID)),
				Role:        n.Role,
				Description: n.Description,
				Round:       1,
			}
			for _, d := range n.DependsOn {
				dep := models.NodeID(prefix + string(d))
				mapped.DependsOn = append(mapped.DependsOn, dep)
				dependedOn[dep] = true
			}
			if len(mapped.DependsOn) == 0 {
				mapped.DependsOn = append(mapped.DependsOn, prevTerminals...)
			}
			mapped.ResultLocation = c.locate(slug, mapped.ID)
			chunkNodes = append(chunkNodes, mapped)
		}

		var terminals []models.NodeID
		for _, n := range chunkNodes {
			if !dependedOn[n.ID] {
				terminals = append(terminals, n.ID)
			}
		}
		prevTerminals = terminals
		nodes = append(nodes, chunkNodes...)
	}

	merged := models.NewDocument(slug, goals)
	if err := merged.Append(nodes); err != nil {
		return nil, nil, fmt.Errorf("merge chunked plans: %w", err)
	}
	manifest, err := BuildManifest(merged)
	if err != nil {
		return nil, nil, err
	}
	return merged, manifest, nil
}

func (c *ClaudeCompiler) compileOnce(ctx context.Context, prompt, request string) (*models.TaskGraphDocument, *Manifest, error) {
	var plan compiledPlan
	usage, err := c.runner.RunJSON(ctx, fmt.Sprintf(prompt, request), &plan)
	if c.tracker != nil {
		c.tracker.Track(models.RoleArchitect, "graph-compiler", 0, usage.InputTokens, usage.OutputTokens)
	}
	if err != nil {
		return nil, nil, err
	}

	slug := sanitizeSlug(plan.Slug)
	if len(plan.Tasks) == 0 {
		return nil, nil, fmt.Errorf("empty task list")
	}
	if len(plan.Goals) == 0 {
		return nil, nil, fmt.Errorf("no goals returned")
	}

	doc := models.NewDocument(slug, plan.Goals)
	nodes := make([]*models.TaskNode, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		role := models.RoleTag(t.Role)
		if !role.Valid() && c.classifier != nil {
			role = c.classifier.Classify(t.Description)
		}
		if !role.Valid() {
			return nil, nil, fmt.Errorf("task %s: unknown role %q", t.ID, t.Role)
		}

		deps := make([]models.NodeID, 0, len(t.DependsOn))
		for _, d := range t.DependsOn {
			deps = append(deps, models.NodeID(d))
		}
		nodes = append(nodes, &models.TaskNode{
			ID:             models.NodeID(t.ID),
			Role:           role,
			DependsOn:      deps,
			ResultLocation: c.locate(slug, models.NodeID(t.ID)),
			Description:    t.Description,
			Round:          1,
		})
	}
	if err := doc.Append(nodes); err != nil {
		return nil, nil, fmt.Errorf("assemble document: %w", err)
	}

	manifest, err := BuildManifest(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, manifest, nil
}

// BuildManifest derives a manifest from a document: one tuple per node at
// its topological level, in level order.
func BuildManifest(doc *models.TaskGraphDocument) (*Manifest, error) {
	leveler := graph.New()
	if err := leveler.Build(doc); err != nil {
		return nil, err
	}
	levels, err := leveler.Levels()
	if err != nil {
		return nil, err
	}

	m := &Manifest{Slug: doc.Slug}
	for level, nodes := range levels {
		for _, n := range nodes {
			m.Entries = append(m.Entries, ManifestEntry{
				NodeID:         n.ID,
				Role:           n.Role,
				Level:          level,
				ResultLocation: n.ResultLocation,
			})
		}
	}
	return m, nil
}

// sanitizeSlug normalizes a model-proposed slug, falling back to a
// generated one when unusable.
func sanitizeSlug(raw string) string {
	slug := strings.ToLower(strings.TrimSpace(raw))
	slug = strings.ReplaceAll(slug, " ", "-")

	var sb strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			sb.WriteRune(r)
		}
	}
	slug = strings.Trim(sb.String(), "-")

	if slug == "" {
		return "run-" + uuid.NewString()[:8]
	}
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return slug
}
