package coordinator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// depRefRe matches a dependency output reference inside a parameter value.
var depRefRe = regexp.MustCompile(`<output_of_subtask:([a-zA-Z0-9_-]+)>`)

// substituteParams resolves dependency references in a parameter template
// against the outputs of completed dependencies. A string that is exactly one
// reference is replaced with the dependency's structured payload, preserving
// its type. References embedded in a longer string are spliced in textually;
// non-string payloads are re-encoded as JSON for that case. A reference to a
// missing output is a parameter-substitution failure.
func substituteParams(params map[string]any, outputs map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := substituteValue(v, outputs)
		if err != nil {
			return nil, hsp.WrapError(hsp.ErrCodeParameterSubstitution, err, "parameter %q", k)
		}
		out[k] = resolved
	}
	return out, nil
}

func substituteValue(v any, outputs map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return substituteString(val, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			resolved, err := substituteValue(inner, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			resolved, err := substituteValue(inner, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, outputs map[string]any) (any, error) {
	// Whole-value form keeps the structured payload.
	if m := depRefRe.FindStringSubmatch(s); m != nil && m[0] == s {
		output, ok := outputs[m[1]]
		if !ok {
			return nil, fmt.Errorf("no output available from subtask %q", m[1])
		}
		return output, nil
	}

	var resolveErr error
	replaced := depRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := depRefRe.FindStringSubmatch(ref)[1]
		output, ok := outputs[name]
		if !ok {
			resolveErr = fmt.Errorf("no output available from subtask %q", name)
			return ref
		}
		return stringify(output)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return replaced, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}

// referencedSubtasks lists the dependency names a parameter template refers
// to, used by planning validation to catch references to non-dependencies.
func referencedSubtasks(params map[string]any) []string {
	seen := map[string]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range depRefRe.FindAllStringSubmatch(val, -1) {
				seen[m[1]] = true
			}
		case map[string]any:
			for _, inner := range val {
				walk(inner)
			}
		case []any:
			for _, inner := range val {
				walk(inner)
			}
		}
	}
	for _, v := range params {
		walk(v)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
