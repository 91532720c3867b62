package cwl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntrypointKind distinguishes tools from workflows.
type EntrypointKind string

const (
	KindTool     EntrypointKind = "Tool"
	KindWorkflow EntrypointKind = "Workflow"
)

// Param is the common shape of an input or output declaration.
type Param struct {
	ID             string
	Type           string
	SecondaryFiles []SecondaryFileSchema
}

// Entrypoint is the tool or workflow being launched, reduced to the
// declarations the provisioner needs.
type Entrypoint struct {
	Kind    EntrypointKind
	Class   string // CommandLineTool, ExpressionTool or Workflow
	ID      string
	Path    string
	Inputs  []Param
	Outputs []Param
}

// Name returns the entrypoint name used to qualify engine output keys:
// the document id when present, else the descriptor file name without extension.
func (e *Entrypoint) Name() string {
	if e.ID != "" {
		return e.ID
	}
	base := filepath.Base(e.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadEntrypoint reads a CWL descriptor from disk.
func LoadEntrypoint(path string) (*Entrypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	ep, err := ParseEntrypoint(data)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", path, err)
	}
	ep.Path = path
	return ep, nil
}

// ParseEntrypoint extracts the entrypoint declarations from a CWL document.
// A $graph document resolves to its "main" process, then its first Workflow,
// then its first entry.
func ParseEntrypoint(data []byte) (*Entrypoint, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parse descriptor: empty document")
	}

	if graph, ok := raw["$graph"].([]any); ok {
		raw = selectMain(graph)
		if raw == nil {
			return nil, fmt.Errorf("parse descriptor: $graph has no process")
		}
	}

	class := stringField(raw, "class")
	ep := &Entrypoint{
		Class: class,
		ID:    NormalizeID(stringField(raw, "id")),
	}
	switch class {
	case "Workflow":
		ep.Kind = KindWorkflow
	case "CommandLineTool", "ExpressionTool":
		ep.Kind = KindTool
	default:
		return nil, fmt.Errorf("parse descriptor: unsupported class %q", class)
	}
	if ep.ID == "main" {
		ep.ID = ""
	}

	ep.Inputs = parseParams(raw["inputs"])
	ep.Outputs = parseParams(raw["outputs"])
	return ep, nil
}

// selectMain picks the process to launch from a $graph list.
func selectMain(graph []any) map[string]any {
	var first, workflow map[string]any
	for _, item := range graph {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if first == nil {
			first = m
		}
		if NormalizeID(stringField(m, "id")) == "main" {
			return m
		}
		if workflow == nil && stringField(m, "class") == "Workflow" {
			workflow = m
		}
	}
	if workflow != nil {
		return workflow
	}
	return first
}

// parseParams parses inputs or outputs in either array style
// ([{id: x, type: File}]) or map style ({x: {type: File}} / {x: File}).
// Array style keeps declaration order; map style is sorted by identifier.
func parseParams(v any) []Param {
	var params []Param
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id := NormalizeID(stringField(m, "id"))
			if id == "" {
				continue
			}
			params = append(params, paramFromMap(id, m))
		}
	case map[string]any:
		for _, id := range sortedKeys(val) {
			switch p := val[id].(type) {
			case string:
				params = append(params, Param{ID: NormalizeID(id), Type: p})
			case map[string]any:
				params = append(params, paramFromMap(NormalizeID(id), p))
			default:
				params = append(params, Param{ID: NormalizeID(id)})
			}
		}
	}
	return params
}

func paramFromMap(id string, m map[string]any) Param {
	typ := ""
	if s, ok := m["type"].(string); ok {
		typ = s
	} else if m["type"] != nil {
		typ = serializeType(m["type"])
	}
	return Param{
		ID:             id,
		Type:           typ,
		SecondaryFiles: ParseSecondaryFiles(m["secondaryFiles"]),
	}
}

// NormalizeID strips the "#" prefix and any process namespace from an
// identifier: "#main/reads" → "reads", "file.cwl#reads" → "reads".
func NormalizeID(id string) string {
	id = strings.TrimLeft(id, "#")
	if i := strings.LastIndex(id, "#"); i >= 0 {
		id = id[i+1:]
	}
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}

// serializeType renders a complex type as a compact tag such as "File[]".
func serializeType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if stringField(t, "type") == "array" {
			return serializeType(t["items"]) + "[]"
		}
		return stringField(t, "type")
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, serializeType(item))
		}
		return strings.Join(parts, "|")
	}
	return ""
}

// stringField safely extracts a string from a map.
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	// Handle YAML type coercion (e.g., id: 1 parsed as int).
	return fmt.Sprintf("%v", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
