// Package store persists plans, vulnerabilities, snapshots, and the
// plan lifecycle event log under a single state directory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/patchplan/patchplan/internal/models"
)

// ErrPlanNotFound is returned for unknown plan IDs.
var ErrPlanNotFound = fmt.Errorf("plan not found")

// Store is a file-backed state directory. The mutex serializes plan
// mutation so concurrent apply/approve calls cannot interleave a
// read-modify-write.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open prepares the state directory layout.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"plans", "snapshots"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) planPath(id string) string {
	return filepath.Join(s.dir, "plans", id+".json")
}

// SavePlan writes a plan document.
func (s *Store) SavePlan(plan *models.RemediationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePlanLocked(plan)
}

func (s *Store) savePlanLocked(plan *models.RemediationPlan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	// Ensure file ends with newline for clean git diffs
	data = append(data, '\n')

	if err := os.WriteFile(s.planPath(plan.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// LoadPlan reads one plan by ID.
func (s *Store) LoadPlan(id string) (*models.RemediationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPlanLocked(id)
}

func (s *Store) loadPlanLocked(id string) (*models.RemediationPlan, error) {
	data, err := os.ReadFile(s.planPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var plan models.RemediationPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &plan, nil
}

// UpdatePlan applies mutate to a plan under the store lock and persists
// the result. The pre-mutation copy is handed back for event emission.
func (s *Store) UpdatePlan(id string, mutate func(*models.RemediationPlan) error) (*models.RemediationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.loadPlanLocked(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(plan); err != nil {
		return nil, err
	}
	if err := s.savePlanLocked(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ListPlans returns every stored plan, severity order first, newest last
// within a severity, so approval queues read top-down.
func (s *Store) ListPlans() ([]*models.RemediationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "plans"))
	if err != nil {
		return nil, fmt.Errorf("failed to read plans dir: %w", err)
	}

	var plans []*models.RemediationPlan
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		plan, err := s.loadPlanLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	sort.SliceStable(plans, func(i, j int) bool {
		ri, rj := models.SeverityRank(plans[i].Severity), models.SeverityRank(plans[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return plans[i].CreatedAt.Before(plans[j].CreatedAt)
	})
	return plans, nil
}

// --- vulnerabilities ---

func (s *Store) vulnPath() string {
	return filepath.Join(s.dir, "vulnerabilities.json")
}

// SaveVulnerabilities replaces the stored record set.
func (s *Store) SaveVulnerabilities(vulns []models.Vulnerability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(vulns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vulnerabilities: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(s.vulnPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write vulnerabilities: %w", err)
	}
	return nil
}

// LoadVulnerabilities reads the stored record set; empty when none exist.
func (s *Store) LoadVulnerabilities() ([]models.Vulnerability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.vulnPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vulnerabilities: %w", err)
	}

	var vulns []models.Vulnerability
	if err := json.Unmarshal(data, &vulns); err != nil {
		return nil, fmt.Errorf("failed to parse vulnerabilities: %w", err)
	}
	return vulns, nil
}

// --- snapshots ---

func (s *Store) snapshotPath(ref string) string {
	return filepath.Join(s.dir, "snapshots", ref+".json")
}

// SaveSnapshot stores an opaque state capture under ref.
func (s *Store) SaveSnapshot(ref string, state []byte) error {
	if err := os.WriteFile(s.snapshotPath(ref), state, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a state capture back.
func (s *Store) LoadSnapshot(ref string) ([]byte, error) {
	data, err := os.ReadFile(s.snapshotPath(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", ref, err)
	}
	return data, nil
}
