package expressions

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rendis/querypilot/pkg/schema"
)

// Interpolate replaces ${{name}} and ${{name.field}} references in tpl
// with values from vars. Strings are inserted verbatim; anything else is
// JSON encoded. Unknown references are an error.
func Interpolate(tpl string, vars map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.Index(tpl[i:], "${{")
		if idx == -1 {
			result.WriteString(tpl[i:])
			break
		}
		result.WriteString(tpl[i : i+idx])
		start := i + idx + 3

		end := strings.Index(tpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference")
		}
		end += start

		ref := strings.TrimSpace(tpl[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty reference: ${{  }}")
		}
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation, "nested references are not allowed")
		}

		val, err := lookup(ref, vars)
		if err != nil {
			return "", err
		}
		result.WriteString(inline(val))
		i = end + 2
	}
	return result.String(), nil
}

func lookup(ref string, vars map[string]any) (any, error) {
	parts := strings.Split(ref, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, missing(ref, vars)
		}
		if cur, ok = m[p]; !ok {
			return nil, missing(ref, vars)
		}
	}
	return cur, nil
}

func missing(ref string, vars map[string]any) error {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return schema.NewErrorf(schema.ErrCodeValidation,
		"unknown reference ${{%s}}; available: %s", ref, strings.Join(names, ", ")).
		WithDetails(map[string]any{"reference": ref, "available": names})
}

func inline(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.RawMessage:
		return string(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
