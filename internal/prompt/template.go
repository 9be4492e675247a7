package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of placeholder names to values for template rendering.
type Vars map[string]string

// MissingPlaceholderError reports placeholders a template needed but the
// caller did not supply.
type MissingPlaceholderError struct {
	Template string
	Names    []string
}

func (e *MissingPlaceholderError) Error() string {
	if e.Template == "" {
		return fmt.Sprintf("missing template variables: %s", strings.Join(e.Names, ", "))
	}
	return fmt.Sprintf("template %s: missing template variables: %s", e.Template, strings.Join(e.Names, ", "))
}

// Template is one fixed instruction pattern: a system instruction plus a
// parameterized human instruction. Templates are immutable once built.
type Template struct {
	Name     string
	System   string
	Human    string
	Required []string
}

// Render checks that every required placeholder is present, then expands the
// system and human patterns into a two-message sequence.
func (t Template) Render(vars Vars) ([]Message, error) {
	var missing []string
	for _, name := range t.Required {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingPlaceholderError{Template: t.Name, Names: missing}
	}

	system, err := Render(t.System, vars)
	if err != nil {
		return nil, t.named(err)
	}
	human, err := Render(t.Human, vars)
	if err != nil {
		return nil, t.named(err)
	}
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleHuman, Content: human},
	}, nil
}

// Placeholders lists every {{name}} referenced by the template, sorted.
func (t Template) Placeholders() []string {
	seen := make(map[string]bool)
	for _, text := range []string{t.System, t.Human} {
		for _, m := range varRe.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = true
		}
		for _, m := range ifOpenRe.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t Template) named(err error) error {
	if mp, ok := err.(*MissingPlaceholderError); ok {
		return &MissingPlaceholderError{Template: t.Name, Names: mp.Names}
	}
	return fmt.Errorf("template %s: %w", t.Name, err)
}

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value. Missing variables cause a
// *MissingPlaceholderError. {{#if variable}}...{{/if}} blocks are included
// only if the variable is non-empty. Substituted values are not re-scanned,
// so source code containing braces passes through untouched.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		m := varRe.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		varName := m[1]
		if val, ok := vars[varName]; ok {
			return val
		}
		missing = append(missing, varName)
		return match // leave placeholder for error reporting
	})

	if len(missing) > 0 {
		return "", &MissingPlaceholderError{Names: missing}
	}

	return expanded, nil
}

// processConditionals handles {{#if var}}...{{/if}} blocks, supporting nesting.
// It processes innermost blocks first by finding the last {{#if before each {{/if}}.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		// The last {{#if ...}} before this {{/if}} is the innermost one.
		prefix := result[:closeIdx]
		openLocs := ifOpenRe.FindAllStringIndex(prefix, -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}

		lastOpen := openLocs[len(openLocs)-1]
		openStart := lastOpen[0]
		openEnd := lastOpen[1]

		openTag := prefix[openStart:openEnd]
		m := ifOpenRe.FindStringSubmatch(openTag)
		if m == nil {
			return "", fmt.Errorf("failed to parse conditional tag: %s", openTag)
		}
		varName := m[1]

		body := result[openEnd:closeIdx]
		closeEnd := closeIdx + len(ifCloseStr)

		var replacement string
		if val, ok := vars[varName]; ok && val != "" {
			replacement = body
		}

		result = result[:openStart] + replacement + result[closeEnd:]
	}

	if ifOpenRe.MatchString(result) {
		loc := ifOpenRe.FindString(result)
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}

	return result, nil
}
