package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/patchplan/patchplan/internal/models"
	"gopkg.in/yaml.v3"
)

// Parse decodes and validates one YAML policy document.
// Validation is strict: bad vocabulary blocks the load (configuration
// errors are never silently skipped).
func Parse(data []byte) (*models.Policy, error) {
	var pol models.Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}

	if pol.ID == "" {
		return nil, fmt.Errorf("policy must have an id")
	}
	if len(pol.Rules) == 0 {
		return nil, fmt.Errorf("policy %s must have at least one rule", pol.ID)
	}
	if pol.Version == 0 {
		pol.Version = 1
	}
	if pol.EnforcementMode == "" {
		pol.EnforcementMode = models.EnforcementBlocking
	}
	if pol.Status == "" {
		pol.Status = models.PolicyStatusPublished
	}

	switch pol.EnforcementMode {
	case models.EnforcementBlocking, models.EnforcementWarning:
	default:
		return nil, fmt.Errorf("policy %s: unknown enforcement_mode %q", pol.ID, pol.EnforcementMode)
	}
	if pol.Type != "" {
		switch pol.Type {
		case models.PolicyTypeSecurity, models.PolicyTypeCompliance, models.PolicyTypeOperational:
		default:
			return nil, fmt.Errorf("policy %s: unknown type %q", pol.ID, pol.Type)
		}
	}

	for _, rule := range pol.Rules {
		switch rule.Severity {
		case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow:
		default:
			return nil, fmt.Errorf("policy %s: rule %s has unknown severity %q", pol.ID, rule.ID, rule.Severity)
		}
	}

	return &pol, nil
}

// LoadFile reads a policy document from disk.
func LoadFile(path string) (*models.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Store keeps versioned policy documents in a directory, one file per
// version (<id>@vN.yaml). Published documents are immutable: the same
// version is never overwritten, edits must carry a higher version.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string, version int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s@v%d.yaml", id, version))
}

// Put persists a policy version. Re-publishing an existing version is
// refused even with identical content, so callers always bump.
func (s *Store) Put(pol *models.Policy) error {
	if pol.ID == "" {
		return fmt.Errorf("policy must have an id")
	}
	if pol.Version < 1 {
		return fmt.Errorf("policy %s: version must be >= 1", pol.ID)
	}

	latest, err := s.latestVersion(pol.ID)
	if err != nil {
		return err
	}
	if pol.Version <= latest {
		return fmt.Errorf("policy %s@v%d is published and immutable; bump to v%d or higher", pol.ID, pol.Version, latest+1)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create policy dir: %w", err)
	}

	data, err := yaml.Marshal(pol)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	if err := os.WriteFile(s.path(pol.ID, pol.Version), data, 0644); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}
	return nil
}

// Get loads one exact version.
func (s *Store) Get(id string, version int) (*models.Policy, error) {
	return LoadFile(s.path(id, version))
}

// Latest loads the highest published version of a policy.
func (s *Store) Latest(id string) (*models.Policy, error) {
	latest, err := s.latestVersion(id)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return s.Get(id, latest)
}

// List returns the latest version of every stored policy, sorted by id.
func (s *Store) List() ([]*models.Policy, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy dir: %w", err)
	}

	latest := map[string]int{}
	for _, entry := range entries {
		id, version, ok := parseFilename(entry.Name())
		if !ok {
			continue
		}
		if version > latest[id] {
			latest[id] = version
		}
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	policies := make([]*models.Policy, 0, len(ids))
	for _, id := range ids {
		pol, err := s.Get(id, latest[id])
		if err != nil {
			return nil, err
		}
		policies = append(policies, pol)
	}
	return policies, nil
}

func (s *Store) latestVersion(id string) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read policy dir: %w", err)
	}

	max := 0
	for _, entry := range entries {
		entryID, version, ok := parseFilename(entry.Name())
		if ok && entryID == id && version > max {
			max = version
		}
	}
	return max, nil
}

// parseFilename splits "<id>@vN.yaml" into its parts.
func parseFilename(name string) (string, int, bool) {
	if !strings.HasSuffix(name, ".yaml") {
		return "", 0, false
	}
	base := strings.TrimSuffix(name, ".yaml")
	at := strings.LastIndex(base, "@v")
	if at <= 0 {
		return "", 0, false
	}
	var version int
	if _, err := fmt.Sscanf(base[at+2:], "%d", &version); err != nil || version < 1 {
		return "", 0, false
	}
	return base[:at], version, true
}
