package prompt

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// #region template
// Template is one versioned prompt, stored as a YAML data file.
// Placeholders {query} and {evidence} are filled at assembly time.
type Template struct {
	Version      string `yaml:"version"`
	Description  string `yaml:"description,omitempty"`
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
}

func (t Template) validate() error {
	if t.Version == "" {
		return fmt.Errorf("template has no version")
	}
	if strings.TrimSpace(t.UserTemplate) == "" {
		return fmt.Errorf("template %s has empty user_template", t.Version)
	}
	if !strings.Contains(t.UserTemplate, "{query}") {
		return fmt.Errorf("template %s user_template lacks {query}", t.Version)
	}
	return nil
}

// #endregion template

// #region library
// Library holds every template found in a directory, keyed by version.
// It is read once and never mutated, so it is safe for concurrent use.
type Library struct {
	templates map[string]Template
}

// LoadLibrary parses every *.yaml / *.yml file at the root of fsys.
func LoadLibrary(fsys fs.FS) (*Library, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	lib := &Library{templates: make(map[string]Template)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := path.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", e.Name(), err)
		}
		if t.Version == "" {
			t.Version = strings.TrimSuffix(e.Name(), ext)
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", e.Name(), err)
		}
		if _, dup := lib.templates[t.Version]; dup {
			return nil, fmt.Errorf("template %s: duplicate version %q", e.Name(), t.Version)
		}
		lib.templates[t.Version] = t
	}

	if len(lib.templates) == 0 {
		return nil, fmt.Errorf("no templates found")
	}
	return lib, nil
}

// Get returns the template for version.
func (l *Library) Get(version string) (Template, error) {
	t, ok := l.templates[version]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplateVersion, version)
	}
	return t, nil
}

// Versions lists the loaded versions in sorted order.
func (l *Library) Versions() []string {
	out := make([]string, 0, len(l.templates))
	for v := range l.templates {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// #endregion library
