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

// Package store provides persistent implementations of gitvisor.Store:
// a YAML file for single hosts, and PostgreSQL.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gdamore/gitvisor"
)

type fileContents struct {
	Projects []*gitvisor.Project `yaml:"projects"`
}

// FileStore keeps projects in memory and writes them all to a YAML file
// after every change.  The file can be edited by hand while the daemon is
// stopped; projects without an ID get one when the file is loaded.
type FileStore struct {
	*gitvisor.MemoryStore
	path string
	mx   sync.Mutex
}

var _ gitvisor.Store = (*FileStore)(nil)

// OpenFile loads the store at path.  A missing file is an empty store.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{MemoryStore: gitvisor.NewMemoryStore(), path: path}
	b, e := os.ReadFile(path)
	if e != nil {
		if os.IsNotExist(e) {
			return s, nil
		}
		return nil, e
	}
	var fc fileContents
	if e := yaml.Unmarshal(b, &fc); e != nil {
		return nil, fmt.Errorf("parse %s: %w", path, e)
	}

	var keep, fresh []*gitvisor.Project
	seen := make(map[int64]bool)
	for _, p := range fc.Projects {
		if p == nil {
			continue
		}
		if p.ID == 0 {
			fresh = append(fresh, p)
			continue
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%s: duplicate project id %d", path, p.ID)
		}
		seen[p.ID] = true
		keep = append(keep, p)
	}
	s.Load(keep)
	ctx := context.Background()
	for _, p := range fresh {
		if e := s.MemoryStore.Save(ctx, p); e != nil {
			return nil, fmt.Errorf("%s: project %s: %w", path, p, e)
		}
	}
	if len(fresh) > 0 {
		if e := s.flush(ctx); e != nil {
			return nil, e
		}
	}
	return s, nil
}

// flush writes every project to the file, replacing it atomically.
func (s *FileStore) flush(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	var fc fileContents
	var after int64
	for {
		page, e := s.MemoryStore.Page(ctx, after, 200)
		if e != nil {
			return e
		}
		fc.Projects = append(fc.Projects, page...)
		if len(page) < 200 {
			break
		}
		after = page[len(page)-1].ID
	}
	b, e := yaml.Marshal(&fc)
	if e != nil {
		return e
	}
	if e := os.MkdirAll(filepath.Dir(s.path), 0700); e != nil {
		return e
	}
	tmp := s.path + ".tmp"
	// Projects carry credentials.
	if e := os.WriteFile(tmp, b, 0600); e != nil {
		return e
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Save(ctx context.Context, p *gitvisor.Project) error {
	if e := s.MemoryStore.Save(ctx, p); e != nil {
		return e
	}
	return s.flush(ctx)
}

func (s *FileStore) UpdateStatus(ctx context.Context, id int64, lastCommit, lastError string) error {
	if e := s.MemoryStore.UpdateStatus(ctx, id, lastCommit, lastError); e != nil {
		return e
	}
	return s.flush(ctx)
}

func (s *FileStore) Delete(ctx context.Context, id int64) error {
	if e := s.MemoryStore.Delete(ctx, id); e != nil {
		return e
	}
	return s.flush(ctx)
}

// Path returns the file the store is kept in.
func (s *FileStore) Path() string {
	return s.path
}
