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

package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps registrations in process memory.  Nothing survives
// a restart, so ResetAndInstall only ever finds its own occurrences.
type MemoryRegistry struct {
	occs  map[string]Occurrence
	locks map[string]time.Time
	now   func() time.Time
	mx    sync.Mutex
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		occs:  make(map[string]Occurrence),
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (r *MemoryRegistry) List(ctx context.Context) ([]Occurrence, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	res := make([]Occurrence, 0, len(r.occs))
	for _, o := range r.occs {
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Registered.Before(res[j].Registered)
	})
	return res, nil
}

func (r *MemoryRegistry) Add(ctx context.Context, o Occurrence) error {
	r.mx.Lock()
	r.occs[o.ID] = o
	r.mx.Unlock()
	return nil
}

func (r *MemoryRegistry) Remove(ctx context.Context, id string) error {
	r.mx.Lock()
	delete(r.occs, id)
	r.mx.Unlock()
	return nil
}

func (r *MemoryRegistry) Lock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	now := r.now()
	if exp, ok := r.locks[name]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	r.locks[name] = exp
	return func() {
		r.mx.Lock()
		if r.locks[name] == exp {
			delete(r.locks, name)
		}
		r.mx.Unlock()
	}, true, nil
}

func (r *MemoryRegistry) Flush(ctx context.Context) error {
	r.mx.Lock()
	r.occs = make(map[string]Occurrence)
	r.locks = make(map[string]time.Time)
	r.mx.Unlock()
	return nil
}
