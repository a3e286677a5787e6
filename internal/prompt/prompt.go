// Package prompt renders {{name}} placeholder templates from
// invocation variables, with dotted-path lookup into nested objects.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// MissingVariableError reports template placeholders with no binding.
// Rendering fails before any model call is made.
type MissingVariableError struct {
	Names []string
}

func (e *MissingVariableError) Error() string {
	return "missing template variables: " + strings.Join(e.Names, ", ")
}

// Render substitutes {{name}} placeholders from variables.
// Names may use dots to reach into nested objects, e.g.
// {{context.previousError.message}}.
func Render(template string, variables map[string]interface{}) (string, error) {
	var missing []string
	seen := make(map[string]bool)

	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookupPath(variables, name)
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return match
		}
		return stringify(value)
	})

	if len(missing) > 0 {
		return "", &MissingVariableError{Names: missing}
	}
	return rendered, nil
}

func lookupPath(variables map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = variables
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
