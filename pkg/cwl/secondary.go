package cwl

import (
	"strings"
	"unicode/utf8"
)

// SecondaryFileSchema is one secondaryFiles entry of an input or output
// declaration.
type SecondaryFileSchema struct {
	Pattern  string
	Required any // bool, expression string, or nil (defaults to required)
}

// IsOptional reports whether a missing secondary file is acceptable.
// A trailing "?" on the pattern or required: false marks it optional.
func (s SecondaryFileSchema) IsOptional() bool {
	if strings.HasSuffix(s.Pattern, "?") {
		return true
	}
	if req, ok := s.Required.(bool); ok && !req {
		return true
	}
	return false
}

// Suffix returns the pattern without its optional "?" marker.
func (s SecondaryFileSchema) Suffix() string {
	return strings.TrimSuffix(s.Pattern, "?")
}

// SecondaryRef derives a secondary file reference from its primary.
// Each leading "^" strips one extension from the primary before the rest of
// the pattern is appended: ("sample.vcf.gz", "^.tbi") → "sample.vcf.tbi".
// Stripping stops early once the primary has no extension left.
func SecondaryRef(primary, pattern string) string {
	ref := primary
	for strings.HasPrefix(pattern, "^") {
		pattern = pattern[1:]
		ref = StripExtension(ref)
	}
	return ref + pattern
}

// MutateSecondaryFileName renames target the way an engine renamed a primary
// file into its secondary file.
//
// original and renamed are the engine's basenames for the primary and the
// secondary file. The part after their longest common prefix is the mutation:
// for "out.bam" → "out.bai" it is "m" → "i". The last occurrence of the
// original suffix in target is replaced with the renamed suffix. When target
// does not contain it, target's extension is dropped and the renamed suffix
// appended as a new extension.
func MutateSecondaryFileName(target, original, renamed string) string {
	prefix := commonPrefix(original, renamed)
	from := original[len(prefix):]
	to := renamed[len(prefix):]

	idx := strings.LastIndex(target, from)
	if idx == -1 {
		base := StripExtension(target)
		if strings.HasPrefix(to, ".") {
			return base + to
		}
		return base + "." + to
	}
	return target[:idx] + to
}

// commonPrefix returns the longest common prefix of a and b without splitting
// a multi-byte rune.
func commonPrefix(a, b string) string {
	n := 0
	for n < len(a) && n < len(b) {
		ra, sa := utf8.DecodeRuneInString(a[n:])
		rb, sb := utf8.DecodeRuneInString(b[n:])
		if ra != rb || sa != sb {
			break
		}
		n += sa
	}
	return a[:n]
}

// ParseSecondaryFiles parses a secondaryFiles field: a single pattern, a list
// of patterns, or {pattern, required} maps.
func ParseSecondaryFiles(v any) []SecondaryFileSchema {
	if v == nil {
		return nil
	}

	var result []SecondaryFileSchema

	switch sf := v.(type) {
	case string:
		result = append(result, SecondaryFileSchema{Pattern: sf})
	case []any:
		for _, item := range sf {
			switch s := item.(type) {
			case string:
				result = append(result, SecondaryFileSchema{Pattern: s})
			case map[string]any:
				result = append(result, SecondaryFileSchema{
					Pattern:  stringField(s, "pattern"),
					Required: s["required"],
				})
			}
		}
	case map[string]any:
		result = append(result, SecondaryFileSchema{
			Pattern:  stringField(sf, "pattern"),
			Required: sf["required"],
		})
	}

	return result
}
