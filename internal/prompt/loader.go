package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// override is the on-disk shape of a template override file.
type override struct {
	System string `yaml:"system"`
	Human  string `yaml:"human"`
}

// overrideFile returns the override filename for a template name.
func overrideFile(name string) string {
	return name + ".yaml"
}

// LoadSet returns the built-in set with any <name>.yaml overrides found in dir
// applied on top. An empty dir, or a dir that does not exist, yields the
// built-in set. Overrides keep the built-in required placeholders.
func LoadSet(dir string) (Set, error) {
	set := Builtin()
	if dir == "" {
		return set, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return set, nil
	}

	for _, name := range Names {
		path := filepath.Join(dir, overrideFile(name))
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Set{}, fmt.Errorf("read template override %s: %w", path, err)
		}

		var o override
		if err := yaml.Unmarshal(data, &o); err != nil {
			return Set{}, fmt.Errorf("parse template override %s: %w", path, err)
		}

		t, _ := set.Get(name)
		if strings.TrimSpace(o.System) != "" {
			t.System = o.System
		}
		if strings.TrimSpace(o.Human) != "" {
			t.Human = o.Human
		}
		set = set.with(t)
	}
	return set, nil
}

// InstallBuiltin writes the built-in templates to dir as editable overrides,
// skipping any file that already exists. It returns the paths it wrote.
func InstallBuiltin(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}

	set := Builtin()
	var written []string
	for _, name := range Names {
		path := filepath.Join(dir, overrideFile(name))
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		t, _ := set.Get(name)
		data, err := yaml.Marshal(override{System: t.System, Human: t.Human})
		if err != nil {
			return written, fmt.Errorf("marshal template %q: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

var languages = map[string]string{
	".py":   "Python",
	".java": "Java",
	".c":    "C",
	".h":    "C",
	".cpp":  "C++",
	".cc":   "C++",
	".cxx":  "C++",
	".hpp":  "C++",
	".go":   "Go",
}

// LanguageFor maps a source file path to the language name used in the
// test_case template. Unknown extensions fall back to Python.
func LanguageFor(path string) string {
	if lang, ok := languages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "Python"
}
