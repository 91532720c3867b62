package cwlexpr

import (
	"fmt"
	"path"
	"strings"
)

// FileObject builds the CWL File object bound to self when a secondaryFiles
// expression is evaluated for ref.
func FileObject(ref string) map[string]any {
	trimmed := strings.TrimRight(ref, "/")
	basename := path.Base(trimmed)
	dirname := ""
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		dirname = trimmed[:i]
	}
	nameroot, nameext := basename, ""
	if i := strings.LastIndex(basename, "."); i > 0 {
		nameroot, nameext = basename[:i], basename[i:]
	}
	return map[string]any{
		"class":    "File",
		"path":     ref,
		"location": ref,
		"basename": basename,
		"dirname":  dirname,
		"nameroot": nameroot,
		"nameext":  nameext,
	}
}

// SecondaryNames evaluates a secondaryFiles expression against the primary
// reference and returns the secondary basenames it produces. An expression may
// return a string, a File object, or a list of either; null yields nothing.
func (e *Evaluator) SecondaryNames(pattern, primary string) ([]string, error) {
	val, err := e.Evaluate(pattern, FileObject(primary), nil)
	if err != nil {
		return nil, err
	}
	return namesFrom(val)
}

func namesFrom(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if val == "" {
			return nil, nil
		}
		return []string{val}, nil
	case map[string]any:
		for _, key := range []string{"basename", "path", "location"} {
			if s, ok := val[key].(string); ok && s != "" {
				return []string{path.Base(s)}, nil
			}
		}
		return nil, fmt.Errorf("secondary file object has no basename, path or location")
	case []any:
		var names []string
		for _, item := range val {
			n, err := namesFrom(item)
			if err != nil {
				return nil, err
			}
			names = append(names, n...)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("secondary file expression returned %T", v)
	}
}
