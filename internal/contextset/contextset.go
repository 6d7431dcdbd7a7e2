// Package contextset holds the entities a user has attached to their next
// prompt, per project. Membership is local state and takes effect immediately.
package contextset

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

type project map[models.EntityKind]map[string]struct{}

// Set is a per-project set of entity ids grouped by kind.
type Set struct {
	mu       sync.RWMutex
	projects map[string]project
}

// New creates an empty set.
func New() *Set {
	return &Set{projects: make(map[string]project)}
}

// Add attaches id to projectID. Adding an existing id is a no-op.
func (s *Set) Add(projectID string, kind models.EntityKind, id string) error {
	if err := check(kind, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		p = make(project)
		s.projects[projectID] = p
	}
	ids, ok := p[kind]
	if !ok {
		ids = make(map[string]struct{})
		p[kind] = ids
	}
	ids[id] = struct{}{}
	return nil
}

// Remove detaches id from projectID. Removing an absent id is a no-op.
func (s *Set) Remove(projectID string, kind models.EntityKind, id string) error {
	if err := check(kind, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.projects[projectID]
	delete(p[kind], id)
	if len(p[kind]) == 0 {
		delete(p, kind)
	}
	if p != nil && len(p) == 0 {
		delete(s.projects, projectID)
	}
	return nil
}

// Clear detaches everything from projectID.
func (s *Set) Clear(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
}

// Contains reports whether id is attached to projectID.
func (s *Set) Contains(projectID string, kind models.EntityKind, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.projects[projectID][kind][id]
	return ok
}

// Snapshot returns the current attachments of projectID with sorted id lists.
func (s *Set) Snapshot(projectID string) models.ContextSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.projects[projectID]
	sorted := func(kind models.EntityKind) []string {
		ids := slices.Sorted(maps.Keys(p[kind]))
		if ids == nil {
			return []string{}
		}
		return ids
	}
	return models.ContextSnapshot{
		DataSourceIDs: sorted(models.EntityDataSource),
		DatasetIDs:    sorted(models.EntityDataset),
		PipelineIDs:   sorted(models.EntityPipeline),
		AnalysisIDs:   sorted(models.EntityAnalysis),
		ModelIDs:      sorted(models.EntityModel),
	}
}

func check(kind models.EntityKind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	if id == "" {
		return fmt.Errorf("empty %s id", kind)
	}
	return nil
}
