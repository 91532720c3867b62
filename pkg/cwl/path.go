package cwl

import (
	"net/url"
	"strings"
)

// DecodeLocation URL-decodes a local file location.
// Locations may contain URL-encoded characters (e.g., %23 for #).
//
// Examples:
//   - "item %231.txt" → "item #1.txt"
//   - "file:///path/to/file.txt" → "file:///path/to/file.txt" (unchanged)
//   - "https://h/a%20b" → unchanged (remote URLs are left to their transport)
func DecodeLocation(loc string) string {
	if loc == "" {
		return loc
	}

	// For file:// URLs, decode the path portion.
	if strings.HasPrefix(loc, "file://") {
		path := loc[7:]
		if decoded, err := url.PathUnescape(path); err == nil {
			return "file://" + decoded
		}
		return loc
	}

	// For bare paths (no URL scheme), decode directly.
	if !strings.Contains(loc, "://") {
		if decoded, err := url.PathUnescape(loc); err == nil {
			return decoded
		}
	}

	return loc
}

// RefBasename returns the last element of a reference, ignoring any query
// string and trailing slashes. "s3://b/dir/reads.fq" → "reads.fq".
func RefBasename(ref string) string {
	_, p := ParseLocationScheme(ref)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// StripExtension removes one trailing extension from the last element of a
// reference. The dot must fall after the last "/".
// "s3://b/sample.vcf.gz" → "s3://b/sample.vcf"; "s3://b.c/file" is unchanged.
func StripExtension(ref string) string {
	slash := strings.LastIndex(ref, "/")
	dot := strings.LastIndex(ref, ".")
	if dot <= slash+1 {
		return ref
	}
	return ref[:dot]
}

// ReplaceBasename swaps the last element of a reference for name.
func ReplaceBasename(ref, name string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[:i+1] + name
	}
	return name
}

// JoinRef appends a child name to a directory reference.
func JoinRef(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimRight(dir, "/") + "/" + name
}
