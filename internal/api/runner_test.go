package api

import (
	"testing"
)

func TestParseJSONObject(t *testing.T) {
	var out struct {
		Slug string `json:"slug"`
	}
	response := "Here is the plan:\n{\"slug\": \"auth-service\"}\nDone."
	if err := ParseJSON(response, &out); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Slug != "auth-service" {
		t.Errorf("unexpected slug: %q", out.Slug)
	}
}

func TestParseJSONArray(t *testing.T) {
	var out []string
	if err := ParseJSON(`["a", "b"]`, &out); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 2 || out[1] != "b" {
		t.Errorf("unexpected array: %v", out)
	}
}

func TestParseJSONNoJSON(t *testing.T) {
	var out map[string]any
	if err := ParseJSON("no structured content here", &out); err == nil {
		t.Fatal("expected error for response without JSON")
	}
}

func TestParseJSONMalformed(t *testing.T) {
	var out map[string]any
	if err := ParseJSON(`{"broken": `, &out); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestTokenTracker(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.Add(100, 50)
	tracker.Add(200, 25)

	in, out := tracker.Total()
	if in != 300 || out != 75 {
		t.Errorf("unexpected totals: %d/%d", in, out)
	}
	if tracker.Calls() != 2 {
		t.Errorf("expected 2 calls, got %d", tracker.Calls())
	}

	tracker.Reset()
	in, out = tracker.Total()
	if in != 0 || out != 0 || tracker.Calls() != 0 {
		t.Error("reset did not clear tracker")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	got := translateModelForBedrock("claude-sonnet-4-20250514")
	if got != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("unexpected translation: %s", got)
	}
	// Unknown models pass through.
	if got := translateModelForBedrock("custom-model"); got != "custom-model" {
		t.Errorf("expected passthrough, got %s", got)
	}
}
