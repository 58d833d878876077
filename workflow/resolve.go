package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\}`)

// Scope is what placeholders resolve against: node results first, then
// run variables.
type Scope struct {
	Results   map[string]any
	Variables map[string]any
}

// Lookup resolves a dotted path such as "fetch.body.title". The first
// segment names a node result or a variable; the rest walk maps and
// slices.
func (s Scope) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	root, ok := s.Results[parts[0]]
	if !ok {
		root, ok = s.Variables[parts[0]]
	}
	if !ok {
		return nil, false
	}
	return walk(root, parts[1:])
}

func walk(v any, path []string) (any, bool) {
	for _, key := range path {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[key]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, false
			}
			v = cur[i]
		default:
			return nil, false
		}
	}
	return v, true
}

// Resolve substitutes ${path} placeholders in value. A string that is
// exactly one placeholder becomes the referenced value with its type
// kept; embedded placeholders are formatted into the string. Maps and
// slices are copied and resolved recursively. Unresolved placeholders are
// left untouched.
func Resolve(value any, scope Scope) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, scope)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveString(item, scope)
		}
		return out
	default:
		return value
	}
}

// ResolveConfig is Resolve for a node config map.
func ResolveConfig(cfg map[string]any, scope Scope) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return Resolve(cfg, scope).(map[string]any)
}

func resolveString(s string, scope Scope) any {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if v, ok := scope.Lookup(s[m[2]:m[3]]); ok {
			return v
		}
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		v, ok := scope.Lookup(match[2 : len(match)-1])
		if !ok {
			return match
		}
		return format(v)
	})
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// References lists the first path segment of every placeholder in value.
func References(value any) []string {
	seen := map[string]bool{}
	var out []string
	var visit func(any)
	visit = func(v any) {
		switch x := v.(type) {
		case string:
			for _, m := range placeholder.FindAllStringSubmatch(x, -1) {
				root := strings.SplitN(m[1], ".", 2)[0]
				if !seen[root] {
					seen[root] = true
					out = append(out, root)
				}
			}
		case map[string]any:
			for _, item := range x {
				visit(item)
			}
		case []any:
			for _, item := range x {
				visit(item)
			}
		}
	}
	visit(value)
	return out
}
