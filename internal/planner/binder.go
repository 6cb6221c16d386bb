package planner

import (
	"fmt"
	"os"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/patchplan/patchplan/internal/models"
)

// TemplateBindingError reports variables a template could not resolve.
// A plan hit by this error is discarded whole; partial plans never exist.
type TemplateBindingError struct {
	TemplateID string
	Missing    []string
	Reason     string
}

func (e *TemplateBindingError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("template %s: unresolved required variables: %s",
			e.TemplateID, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("template %s: %s", e.TemplateID, e.Reason)
}

// Bind resolves every template variable from vars and expands the step
// commands into concrete actions. It fails fast: missing required
// variables, placeholders with no binding, and nonsensical version pairs
// all return a *TemplateBindingError with nothing constructed.
func Bind(tpl models.RemediationTemplate, vars map[string]string) ([]models.RemediationAction, error) {
	var missing []string
	for _, v := range tpl.Variables {
		if v.Required && vars[v.Name] == "" {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &TemplateBindingError{TemplateID: tpl.ID, Missing: missing}
	}

	if err := checkVersionBounds(tpl.ID, vars); err != nil {
		return nil, err
	}

	actions := make([]models.RemediationAction, 0, len(tpl.Steps))
	unresolved := map[string]bool{}
	for _, step := range tpl.Steps {
		command := os.Expand(step.Command, func(name string) string {
			val, ok := vars[name]
			if !ok || val == "" {
				unresolved[name] = true
				return ""
			}
			return val
		})
		actions = append(actions, models.RemediationAction{
			Step:    step.Step,
			Command: command,
		})
	}

	if len(unresolved) > 0 {
		names := make([]string, 0, len(unresolved))
		for name := range unresolved {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, &TemplateBindingError{TemplateID: tpl.ID, Missing: names}
	}

	return actions, nil
}

// checkVersionBounds rejects bindings where the fix does not move the
// version forward. Both versions must parse when both are present.
func checkVersionBounds(templateID string, vars map[string]string) error {
	current, fixed := vars["current_version"], vars["fixed_version"]
	if current == "" || fixed == "" {
		return nil
	}

	cv, err := goversion.NewVersion(current)
	if err != nil {
		return &TemplateBindingError{
			TemplateID: templateID,
			Reason:     fmt.Sprintf("current_version %q does not parse: %v", current, err),
		}
	}
	fv, err := goversion.NewVersion(fixed)
	if err != nil {
		return &TemplateBindingError{
			TemplateID: templateID,
			Reason:     fmt.Sprintf("fixed_version %q does not parse: %v", fixed, err),
		}
	}
	if !cv.LessThan(fv) {
		return &TemplateBindingError{
			TemplateID: templateID,
			Reason:     fmt.Sprintf("fixed_version %s does not advance past current_version %s", fixed, current),
		}
	}
	return nil
}
