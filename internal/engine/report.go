package engine

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/me/gowe-launcher/pkg/model"
)

const preProcessingPrefix = "Pre-Processing "

// ExtractReport finds the engine output report in stdout: the first JSON
// object that follows marker. Without the marker the whole output is searched.
// A Cromwell-style {"outputs": {...}} wrapper is removed.
func ExtractReport(stdout, marker string) (map[string]any, error) {
	s := stdout
	if marker != "" {
		if i := strings.Index(stdout, marker); i >= 0 {
			s = stdout[i+len(marker):]
		}
	}

	for start := strings.IndexByte(s, '{'); start >= 0; {
		end := matchBrace(s, start)
		if end < 0 {
			break
		}
		var report map[string]any
		if err := json.Unmarshal([]byte(s[start:end+1]), &report); err == nil {
			return unwrapOutputs(report), nil
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, model.ErrNoReport
}

// matchBrace returns the index of the brace closing the one at start,
// ignoring braces inside JSON strings. It returns -1 when unbalanced.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func unwrapOutputs(report map[string]any) map[string]any {
	inner, ok := report["outputs"].(map[string]any)
	if !ok {
		return report
	}
	if _, isFile := inner["class"]; isFile {
		return report
	}
	return inner
}

// EntrypointName returns the name the engine keys its outputs by. It is the
// last path element, without extension, of a "Pre-Processing <path>" line in
// stdout, or fallback when there is none.
func EntrypointName(stdout, fallback string) string {
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		i := strings.Index(line, preProcessingPrefix)
		if i < 0 {
			continue
		}
		p := strings.TrimSpace(line[i+len(preProcessingPrefix):])
		if p == "" {
			continue
		}
		if j := strings.LastIndexAny(p, `/\`); j >= 0 {
			p = p[j+1:]
		}
		if k := strings.LastIndex(p, "."); k > 0 {
			p = p[:k]
		}
		if p != "" {
			return p
		}
	}
	return fallback
}
