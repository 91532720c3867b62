package param

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/gowe-launcher/pkg/model"
)

// LoadDocument reads and parses a JSON or YAML parameter document.
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrMalformedDocument, path, err)
	}
	return Decode(data)
}

// Decode parses a JSON or YAML parameter document. JSON documents keep
// their number literals as json.Number so unprovisioned values are written
// back exactly as given.
func Decode(data []byte) (Document, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedDocument, err)
	}
	if raw == nil {
		return Document{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, want a map", model.ErrMalformedDocument, raw)
	}
	return ParseDocument(m)
}

func decodeRaw(data []byte) (any, error) {
	var raw any
	if json.Valid(data) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ParseDocument converts a loosely-typed map into a Document.
func ParseDocument(raw map[string]any) (Document, error) {
	doc := make(Document, len(raw))
	for id, v := range raw {
		val, err := Parse(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", id, err)
		}
		doc[id] = val
	}
	return doc, nil
}

// Parse converts one loosely-typed value into a Value.
func Parse(v any) (Value, error) {
	switch val := v.(type) {
	case nil, string, bool, int, int64, uint64, float64, json.Number, time.Time:
		return Scalar{V: val}, nil
	case map[string]any:
		if isFileShape(val) {
			return parseFileRef(val)
		}
		return Opaque{V: val}, nil
	case []any:
		list := make(List, len(val))
		for i, item := range val {
			parsed, err := Parse(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = parsed
		}
		return list, nil
	default:
		return nil, fmt.Errorf("%w: %T", model.ErrUnrecognizedValueShape, v)
	}
}

// isFileShape reports whether m looks like a File or Directory reference.
func isFileShape(m map[string]any) bool {
	if class, ok := m["class"].(string); ok && (class == ClassFile || class == ClassDirectory) {
		return true
	}
	if _, ok := m["path"].(string); ok {
		return true
	}
	_, ok := m["location"].(string)
	return ok
}

func parseFileRef(m map[string]any) (*FileRef, error) {
	f := &FileRef{Extra: make(map[string]any)}
	for k, v := range m {
		switch k {
		case "class":
			if s, ok := v.(string); ok && s != "" {
				f.Class = s
				continue
			}
		case "path":
			if s, ok := v.(string); ok && s != "" {
				f.Path = s
				continue
			}
		case "location":
			if s, ok := v.(string); ok && s != "" {
				f.Location = s
				continue
			}
		case "metadata":
			if s, ok := v.(string); ok {
				f.Metadata = s
				f.HasMetadata = true
				continue
			}
		case "secondaryFiles":
			if list, ok := v.([]any); ok {
				f.HasSecondaryFiles = true
				for i, item := range list {
					sf, err := Parse(item)
					if err != nil {
						return nil, fmt.Errorf("secondaryFiles[%d]: %w", i, err)
					}
					if _, isList := sf.(List); isList {
						sf = Opaque{V: item}
					}
					f.SecondaryFiles = append(f.SecondaryFiles, sf)
				}
				continue
			}
		}
		f.Extra[k] = v
	}
	return f, nil
}
