package protocol

import (
	"encoding/json"
	"strings"
)

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result of tools/call. Raw keeps the undecoded result
// so failures can report the full payload.
type CallToolResult struct {
	Content           []Content       `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

// Structured decodes structuredContent as an object.
func (r *CallToolResult) Structured() (map[string]any, bool) {
	if len(r.StructuredContent) == 0 {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(r.StructuredContent, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// Success reports whether structuredContent.success is truthy.
func (r *CallToolResult) Success() bool {
	v, ok := r.Field("success")
	return ok && Truthy(v)
}

// Field walks a dotted path into structuredContent, e.g. "data.drupal_version".
func (r *CallToolResult) Field(path string) (any, bool) {
	m, ok := r.Structured()
	if !ok {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Text joins the text content items.
func (r *CallToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Truthy applies loose truthiness to a decoded JSON value: false, null, 0,
// "" and empty containers are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
