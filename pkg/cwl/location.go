package cwl

import "strings"

// Supported URI schemes for File/Directory references.
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeS3    = "s3"
)

// ParseLocationScheme extracts the scheme from a location URI.
// Returns ("s3", "bucket/key.fq") for "s3://bucket/key.fq".
// Returns ("", raw) for bare strings with no scheme.
func ParseLocationScheme(location string) (scheme, path string) {
	if i := strings.Index(location, "://"); i > 0 {
		scheme = strings.ToLower(location[:i])
		path = location[i+3:]
		// Normalize: file:///path → /path
		if scheme == SchemeFile {
			path = "/" + strings.TrimLeft(path, "/")
		}
		return scheme, path
	}
	return "", location
}

// BuildLocation constructs a scheme://path URI.
func BuildLocation(scheme, path string) string {
	switch scheme {
	case "":
		return path
	case SchemeFile:
		return "file://" + path
	default:
		return scheme + "://" + path
	}
}

// IsLocal reports whether a location refers to the local filesystem.
func IsLocal(location string) bool {
	scheme, _ := ParseLocationScheme(location)
	return scheme == "" || scheme == SchemeFile
}
