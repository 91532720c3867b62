// Package param models a parsed parameter document: the job file that gives
// concrete values to an entrypoint's inputs and destinations to its outputs.
//
// A document is a map from identifier to Value. A Value is one of Scalar,
// *FileRef, List or Opaque. Parsing is the only place that inspects raw
// YAML/JSON types; everything downstream switches on the Value variants.
package param

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/me/gowe-launcher/pkg/cwl"
)

// File classes recognised on a FileRef.
const (
	ClassFile      = "File"
	ClassDirectory = "Directory"
)

// Value is a node of a parameter document.
type Value interface {
	isValue()
}

// Scalar holds a string, number, bool or null.
type Scalar struct {
	V any
}

// FileRef is a File or Directory reference. Path and Location are kept
// separately so that a rewrite only touches the fields that were present.
type FileRef struct {
	Class    string
	Path     string
	Location string

	// SecondaryFiles preserves the document's secondaryFiles entries in order.
	// Entries that are not file references are carried as Opaque.
	SecondaryFiles    []Value
	HasSecondaryFiles bool

	// Metadata is the raw (base64) metadata string, if any.
	Metadata    string
	HasMetadata bool

	// Extra holds every other field of the map verbatim.
	Extra map[string]any
}

// List is an ordered sequence of values.
type List []Value

// Opaque is a value that is not a file reference, such as a record. It is
// passed through rewriting untouched.
type Opaque struct {
	V any
}

func (Scalar) isValue()   {}
func (*FileRef) isValue() {}
func (List) isValue()     {}
func (Opaque) isValue()   {}

// Ref returns the reference the file points at: path if set, else location.
func (f *FileRef) Ref() string {
	if f.Path != "" {
		return f.Path
	}
	return f.Location
}

// IsDirectory reports whether the reference has class Directory.
func (f *FileRef) IsDirectory() bool {
	return strings.EqualFold(f.Class, ClassDirectory)
}

// Basename returns the last path element of the reference, without any
// query string or fragment.
func (f *FileRef) Basename() string {
	if b, ok := f.Extra["basename"].(string); ok && b != "" {
		return b
	}
	return cwl.RefBasename(f.Ref())
}

// DecodedMetadata returns the metadata blob decoded from base64 as UTF-8 text.
func (f *FileRef) DecodedMetadata() (string, error) {
	if !f.HasMetadata {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(f.Metadata)
	if err != nil {
		return "", fmt.Errorf("decode metadata: %w", err)
	}
	return string(b), nil
}

// Secondaries returns the secondary files that are themselves file references.
func (f *FileRef) Secondaries() []*FileRef {
	var out []*FileRef
	for _, v := range f.SecondaryFiles {
		if sf, ok := v.(*FileRef); ok {
			out = append(out, sf)
		}
	}
	return out
}

// Clone returns a copy of f that can be modified without touching f.
// Extra values are shared; they are never mutated.
func (f *FileRef) Clone() *FileRef {
	c := *f
	if f.SecondaryFiles != nil {
		c.SecondaryFiles = make([]Value, len(f.SecondaryFiles))
		copy(c.SecondaryFiles, f.SecondaryFiles)
	}
	if f.Extra != nil {
		c.Extra = make(map[string]any, len(f.Extra))
		for k, v := range f.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Document is a parsed parameter document.
type Document map[string]Value
