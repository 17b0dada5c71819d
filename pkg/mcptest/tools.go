package mcptest

import (
	"context"
	"fmt"
	"regexp"
)

// Tool is one callable tool of the reference site.
type Tool struct {
	Name        string
	Description string
	// Module must be enabled for the tool to be listed.
	Module   string
	Category string
	Write    bool
	// WriteKind classifies writes for config-only mode.
	WriteKind string
	Params    map[string]string
	Run       func(ctx context.Context, s *Site, args map[string]any) (map[string]any, error)
}

func (t Tool) schema() map[string]any {
	props := make(map[string]any, len(t.Params))
	for name, typ := range t.Params {
		props[name] = map[string]any{"type": typ}
	}
	return map[string]any{"type": "object", "properties": props}
}

var machineName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func defaultTools() []Tool {
	return []Tool{
		{
			Name:        "mcp_tools_get_site_status",
			Description: "Get site status including Drupal version and enabled modules.",
			Module:      "mcp_tools",
			Category:    "site_health",
			Run: func(_ context.Context, s *Site, _ map[string]any) (map[string]any, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				return map[string]any{
					"drupal_version": DrupalVersion,
					"modules":        len(s.modules),
					"config_only":    s.configOnly,
				}, nil
			},
		},
		{
			Name:        "mcp_cache_clear_all",
			Description: "Clear all caches.",
			Module:      "mcp_tools_cache",
			Category:    "cache",
			Write:       true,
			WriteKind:   WriteKindOps,
			Run: func(_ context.Context, s *Site, _ map[string]any) (map[string]any, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				s.cacheClears++
				return map[string]any{"cleared": "all"}, nil
			},
		},
		{
			Name:        "mcp_structure_create_content_type",
			Description: "Create a content type.",
			Module:      "mcp_tools_structure",
			Category:    "structure",
			Write:       true,
			WriteKind:   WriteKindConfig,
			Params: map[string]string{
				"id":          "string",
				"label":       "string",
				"description": "string",
				"create_body": "boolean",
			},
			Run: createContentType,
		},
	}
}

func createContentType(_ context.Context, s *Site, args map[string]any) (map[string]any, error) {
	id, _ := args["id"].(string)
	label, _ := args["label"].(string)
	if !machineName.MatchString(id) {
		return nil, fmt.Errorf("invalid content type id %q", id)
	}
	if label == "" {
		return nil, fmt.Errorf("label is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.contentTypes[id]
	s.contentTypes[id] = label
	return map[string]any{"id": id, "label": label, "existed": existed}, nil
}
