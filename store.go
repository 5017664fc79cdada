// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gitvisor

import (
	"context"
	"sort"
	"sync"
)

// Store is where project records live.  Implementations must return
// projects ordered by ID, and must reject a Save that would give two
// projects the same port (ErrPortTaken) or URL (ErrURLTaken).
//
// Returned projects are copies; changing them has no effect until they
// are saved.
type Store interface {
	// Page returns up to limit projects with an ID greater than afterID.
	Page(ctx context.Context, afterID int64, limit int) ([]*Project, error)

	// Get returns a single project, or ErrNoProject.
	Get(ctx context.Context, id int64) (*Project, error)

	// Save inserts the project if its ID is zero, assigning a new ID,
	// and otherwise replaces the stored record.
	Save(ctx context.Context, p *Project) error

	// UpdateStatus writes only the LastCommit and LastError fields.
	UpdateStatus(ctx context.Context, id int64, lastCommit, lastError string) error

	// Delete removes a project.  Deleting a missing project is not an
	// error.
	Delete(ctx context.Context, id int64) error
}

// MemoryStore is a Store kept in memory.  It is mostly useful for tests,
// and as the in-memory half of the file store.
type MemoryStore struct {
	projects map[int64]*Project
	nextID   int64
	mx       sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[int64]*Project), nextID: 1}
}

func (s *MemoryStore) Page(ctx context.Context, afterID int64, limit int) ([]*Project, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	ids := make([]int64, 0, len(s.projects))
	for id := range s.projects {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	rv := make([]*Project, 0, len(ids))
	for _, id := range ids {
		rv = append(rv, s.projects[id].Copy())
	}
	return rv, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Project, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if p, ok := s.projects[id]; ok {
		return p.Copy(), nil
	}
	return nil, ErrNoProject
}

func (s *MemoryStore) Save(ctx context.Context, p *Project) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if p.ID != 0 {
		if _, ok := s.projects[p.ID]; !ok {
			return ErrNoProject
		}
	}
	for id, o := range s.projects {
		if id == p.ID {
			continue
		}
		if o.Port == p.Port {
			return ErrPortTaken
		}
		if o.URL == p.URL {
			return ErrURLTaken
		}
	}
	if p.ID == 0 {
		p.ID = s.nextID
	}
	if p.ID >= s.nextID {
		s.nextID = p.ID + 1
	}
	s.projects[p.ID] = p.Copy()
	return nil
}

// Load replaces the contents of the store, keeping the IDs given.
func (s *MemoryStore) Load(projects []*Project) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.projects = make(map[int64]*Project)
	s.nextID = 1
	for _, p := range projects {
		s.projects[p.ID] = p.Copy()
		if p.ID >= s.nextID {
			s.nextID = p.ID + 1
		}
	}
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id int64, lastCommit, lastError string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNoProject
	}
	p.LastCommit = lastCommit
	p.LastError = lastError
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	s.mx.Lock()
	delete(s.projects, id)
	s.mx.Unlock()
	return nil
}
