package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/patchplan/patchplan/internal/models"
)

func (s *Store) eventsPath() string {
	return filepath.Join(s.dir, "events.jsonl")
}

// AppendEvent writes one lifecycle event as a JSONL record. The event
// log is append-only; it is the audit trail approval UIs poll.
func (s *Store) AppendEvent(ev models.PlanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.eventsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns the lifecycle history of one plan, oldest first.
// An empty planID returns the full log.
func (s *Store) Events(planID string) ([]models.PlanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.eventsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []models.PlanEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.PlanEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// one bad line does not poison the history
			continue
		}
		if planID == "" || ev.PlanID == planID {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}
	return events, nil
}
