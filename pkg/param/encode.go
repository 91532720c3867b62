package param

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Encode converts a Value back into plain maps, slices and scalars.
func Encode(v Value) any {
	switch val := v.(type) {
	case Scalar:
		return val.V
	case Opaque:
		return val.V
	case List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Encode(item)
		}
		return out
	case *FileRef:
		return encodeFileRef(val)
	}
	return nil
}

func encodeFileRef(f *FileRef) map[string]any {
	out := make(map[string]any, len(f.Extra)+5)
	for k, v := range f.Extra {
		out[k] = v
	}
	if f.Class != "" {
		out["class"] = f.Class
	}
	if f.Path != "" {
		out["path"] = f.Path
	}
	if f.Location != "" {
		out["location"] = f.Location
	}
	if f.HasMetadata {
		out["metadata"] = f.Metadata
	}
	if f.HasSecondaryFiles {
		sfs := make([]any, len(f.SecondaryFiles))
		for i, sf := range f.SecondaryFiles {
			sfs[i] = Encode(sf)
		}
		out["secondaryFiles"] = sfs
	}
	return out
}

// Raw returns the document as a plain map.
func (d Document) Raw() map[string]any {
	out := make(map[string]any, len(d))
	for id, v := range d {
		out[id] = Encode(v)
	}
	return out
}

// MarshalJSON encodes the document without HTML escaping so paths and URLs
// are written verbatim.
func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.Raw()); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteFile writes the document as indented JSON.
func (d Document) WriteFile(path string) error {
	data, err := d.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode parameter document: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write parameter document %s: %w", path, err)
	}
	return nil
}
