package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Usage is the token usage of a single call, returned so callers can
// attribute spend to a role, node, and round.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Runner provides simple text-in/text-out Claude API calls for the
// compiler, strategist, and reporter.
type Runner struct {
	client *Client
}

// NewRunner creates a new API runner.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

// Run executes a prompt and returns the text response. No tools are
// provided.
func (r *Runner) Run(ctx context.Context, prompt string) (string, Usage, error) {
	return r.RunWithSystem(ctx, "", prompt)
}

// RunWithSystem executes a prompt with an optional system message.
func (r *Runner) RunWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     r.client.Model(),
		MaxTokens: 8192,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := r.client.sdk().Messages.New(ctx, params)
	if err != nil {
		return "", Usage{}, fmt.Errorf("API call failed: %w", err)
	}

	usage := Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	r.client.Tracker().Add(usage.InputTokens, usage.OutputTokens)

	var result strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result.WriteString(variant.Text)
		}
	}

	return result.String(), usage, nil
}

// RunJSON executes a prompt and parses the JSON response into the
// provided target. Surrounding prose is tolerated; the first balanced
// JSON region is extracted.
func (r *Runner) RunJSON(ctx context.Context, prompt string, target any) (Usage, error) {
	response, usage, err := r.Run(ctx, prompt)
	if err != nil {
		return usage, err
	}
	if err := ParseJSON(response, target); err != nil {
		return usage, err
	}
	return usage, nil
}

// ParseJSON extracts and unmarshals the JSON region of a model response.
func ParseJSON(response string, target any) error {
	jsonStart := strings.Index(response, "{")
	if jsonStart == -1 {
		jsonStart = strings.Index(response, "[")
	}
	jsonEnd := strings.LastIndex(response, "}")
	if jsonEnd == -1 {
		jsonEnd = strings.LastIndex(response, "]")
	}

	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return fmt.Errorf("no valid JSON found in response: %s", truncate(response, 200))
	}

	jsonStr := response[jsonStart : jsonEnd+1]
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("parse JSON: %w (response: %s)", err, truncate(jsonStr, 200))
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
