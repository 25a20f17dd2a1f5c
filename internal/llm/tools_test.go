package llm

import (
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

func TestToAnthropicTools(t *testing.T) {
	t.Parallel()

	tools := []mcptypes.Tool{
		{
			Name:        "search_companies",
			Description: "Search companies by name",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"query": map[string]any{"type": "string"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name: "no_description",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
			},
		},
	}

	converted := ToAnthropicTools(tools)
	if len(converted) != 2 {
		t.Fatalf("got %d tools, want 2", len(converted))
	}

	first := converted[0].OfTool
	if first == nil {
		t.Fatal("expected OfTool variant")
	}
	if first.Name != "search_companies" {
		t.Errorf("Name = %q, want search_companies", first.Name)
	}
	if len(first.InputSchema.Required) != 1 || first.InputSchema.Required[0] != "query" {
		t.Errorf("Required = %v, want [query]", first.InputSchema.Required)
	}
	if !first.Description.Valid() {
		t.Error("expected description to be set")
	}

	second := converted[1].OfTool
	if second == nil {
		t.Fatal("expected OfTool variant")
	}
	if second.Description.Valid() {
		t.Error("expected empty description to stay unset")
	}
}

func TestToAnthropicToolsEmpty(t *testing.T) {
	t.Parallel()

	if got := ToAnthropicTools(nil); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}
