// Package validation checks tool arguments against the input schema a tool
// advertises.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ggoodman/mcp-quote-server/mcp"
)

// FormatChecker reports whether a string satisfies a named format.
type FormatChecker func(string) bool

// DefaultFormats are applied to string properties carrying a matching
// "format" keyword. The schema engine treats format as an annotation only.
var DefaultFormats = map[string]FormatChecker{
	"email": Email,
}

// Arguments validates decoded tool arguments.
type Arguments struct {
	resolved *jsonschema.Resolved
	formats  map[string]propFormat // property -> format
}

type propFormat struct {
	name  string
	check FormatChecker
}

// Compile resolves s for validation. Properties whose format has no checker
// in formats are validated structurally only.
func Compile(s mcp.ToolInputSchema, formats map[string]FormatChecker) (*Arguments, error) {
	if s.Type != "object" {
		return nil, fmt.Errorf("input schema type must be object, got %q", s.Type)
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return nil, fmt.Errorf("required property missing: %s", name)
		}
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var js jsonschema.Schema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	resolved, err := js.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}

	a := &Arguments{resolved: resolved, formats: map[string]propFormat{}}
	for name, p := range s.Properties {
		if p.Type != "string" || p.Format == "" {
			continue
		}
		if fn, ok := formats[p.Format]; ok {
			a.formats[name] = propFormat{name: p.Format, check: fn}
		}
	}
	return a, nil
}

// Validate checks args and returns a single error naming every failing
// property. A nil map is validated as an empty object.
func (a *Arguments) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := a.resolved.Validate(args); err != nil {
		return err
	}

	var bad []string
	for name, f := range a.formats {
		v, ok := args[name].(string)
		if !ok {
			continue
		}
		if !f.check(v) {
			bad = append(bad, name)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	msgs := make([]string, len(bad))
	for i, name := range bad {
		msgs[i] = fmt.Sprintf("%s: value does not match format %q", name, a.formats[name].name)
	}
	return errors.New(strings.Join(msgs, "; "))
}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9_'+\-.]*[A-Za-z0-9_+\-]@([A-Za-z0-9][A-Za-z0-9\-]*\.)+[A-Za-z]{2,}$`)

// Email reports whether s has the shape local@domain.tld. The local part may
// not start with a dot and no part may contain consecutive dots.
func Email(s string) bool {
	if strings.HasPrefix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	return emailPattern.MatchString(s)
}
