// Package policy provides the condition-tree evaluator and built-in presets.
package policy

import (
	"embed"
	"fmt"
	"sort"

	"github.com/patchplan/patchplan/internal/models"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// presetCache holds loaded presets to avoid re-parsing
var presetCache = map[string]*models.Policy{}

// presetFiles maps preset names to embedded file paths
var presetFiles = map[string]string{
	"pci-dss-baseline": "presets/pci-dss-baseline.yaml",
	"strict":           "presets/strict.yaml",
}

// GetPreset returns a policy preset by name, or nil if not found
func GetPreset(name string) *models.Policy {
	if cached, ok := presetCache[name]; ok {
		return cached
	}

	path, ok := presetFiles[name]
	if !ok {
		return nil
	}

	data, err := presetFS.ReadFile(path)
	if err != nil {
		return nil
	}

	pol, err := Parse(data)
	if err != nil {
		return nil
	}

	presetCache[name] = pol
	return pol
}

// ListPresetNames returns the names of all available presets, sorted.
func ListPresetNames() []string {
	names := make([]string, 0, len(presetFiles))
	for name := range presetFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MustGetPreset returns a preset or panics (for tests)
func MustGetPreset(name string) *models.Policy {
	p := GetPreset(name)
	if p == nil {
		panic(fmt.Sprintf("preset %q not found", name))
	}
	return p
}
