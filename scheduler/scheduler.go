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

// Package scheduler runs jobs at fixed intervals.  Registrations are kept
// in a Registry, so that a restarted daemon can clear out whatever its
// predecessor left behind before installing its own jobs.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultInterval = time.Minute
	DefaultLockTTL  = time.Hour
)

// Job is a function to run periodically.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Occurrence is a job registration as kept in a Registry.
type Occurrence struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Interval   time.Duration `json:"interval"`
	Registered time.Time     `json:"registered"`
}

// Registry keeps occurrences and per-job locks.
type Registry interface {
	List(ctx context.Context) ([]Occurrence, error)
	Add(ctx context.Context, o Occurrence) error
	Remove(ctx context.Context, id string) error

	// Lock takes the named lock for at most ttl.  It reports false if the
	// lock is already held.
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)

	// Flush removes every occurrence and lock.
	Flush(ctx context.Context) error
}

var ErrNoJobs = errors.New("No jobs installed")

type entry struct {
	occ     Occurrence
	job     Job
	running atomic.Bool
}

// Scheduler fires installed jobs, never running two executions of the
// same job at once.
type Scheduler struct {
	reg     Registry
	logger  *log.Logger
	lockTTL time.Duration
	entries []*entry
	mx      sync.Mutex
}

// New returns a Scheduler keeping its registrations in reg.
func New(reg Registry, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Scheduler{reg: reg, logger: logger, lockTTL: DefaultLockTTL}
}

// SetLockTTL bounds how long a job lock survives a daemon that died
// while holding it.
func (s *Scheduler) SetLockTTL(d time.Duration) {
	s.lockTTL = d
}

// ResetAndInstall deletes every registered occurrence, including those
// left by earlier daemons, and then registers the given jobs.
func (s *Scheduler) ResetAndInstall(ctx context.Context, jobs ...Job) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	old, err := s.reg.List(ctx)
	if err != nil {
		return err
	}
	for _, o := range old {
		if err := s.reg.Remove(ctx, o.ID); err != nil {
			return err
		}
		s.logger.Printf("scheduler: removed stale occurrence %s of %s", o.ID, o.Job)
	}

	s.entries = nil
	for _, j := range jobs {
		if j.Interval <= 0 {
			j.Interval = DefaultInterval
		}
		o := Occurrence{
			ID:         uuid.NewString(),
			Job:        j.Name,
			Interval:   j.Interval,
			Registered: time.Now(),
		}
		if err := s.reg.Add(ctx, o); err != nil {
			return err
		}
		s.entries = append(s.entries, &entry{occ: o, job: j})
		s.logger.Printf("scheduler: installed %s every %v", j.Name, j.Interval)
	}
	return nil
}

// Occurrences lists what the registry holds.
func (s *Scheduler) Occurrences(ctx context.Context) ([]Occurrence, error) {
	return s.reg.List(ctx)
}

// Flush clears every occurrence and lock from the registry.
func (s *Scheduler) Flush(ctx context.Context) error {
	return s.reg.Flush(ctx)
}

// Run fires every installed job at once and then at its interval, until
// ctx is done.  It waits for running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mx.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mx.Unlock()
	if len(entries) == 0 {
		return ErrNoJobs
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	var wg sync.WaitGroup
	defer wg.Wait()

	tick := time.NewTicker(e.occ.Interval)
	defer tick.Stop()
	for {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fire(ctx, e)
		}()
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Printf("scheduler: %s still running, skipping", e.job.Name)
		return
	}
	defer e.running.Store(false)

	unlock, ok, err := s.reg.Lock(ctx, e.job.Name, s.lockTTL)
	if err != nil {
		s.logger.Printf("scheduler: %s: lock: %v", e.job.Name, err)
		return
	}
	if !ok {
		s.logger.Printf("scheduler: %s locked elsewhere, skipping", e.job.Name)
		return
	}
	defer unlock()

	if err := e.job.Run(ctx); err != nil {
		s.logger.Printf("scheduler: %s: %v", e.job.Name, err)
	}
}
