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
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Names of the reconciliation jobs.
const (
	JobFetchAll      = "fetch-all"
	JobEnsureRunning = "ensure-running"
)

// FetchAll brings every project's clone up to date, cloning those that
// have none.  Failures are recorded on the project and do not stop the
// pass; only a failure to read the store is returned.
func (m *Manager) FetchAll(ctx context.Context) error {
	return m.reconcileAll(ctx, JobFetchAll, func(ctx context.Context, p *Project) error {
		return m.repo.Fetch(ctx, p)
	})
}

// EnsureRunning starts every project whose server is not accepting
// connections.  Projects that keep failing are restarted at a limited
// rate.  As with FetchAll, only a failure to read the store is returned.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	return m.reconcileAll(ctx, JobEnsureRunning, m.ensureRunning)
}

func (m *Manager) ensureRunning(ctx context.Context, p *Project) error {
	if m.runner.IsRunning(ctx, p) {
		return nil
	}
	if first, e := m.limiter.Allow(p.ID); e != nil {
		if first {
			m.logf("[%s] restarting too quickly", p)
		}
		p.setError(e)
		m.metrics.projectStart("limited")
		return e
	}
	m.logf("[%s] not running", p)
	return m.start(ctx, p)
}

func (m *Manager) reconcileAll(ctx context.Context, job string,
	fn func(context.Context, *Project) error) error {

	start := time.Now()
	defer func() {
		m.metrics.observeJob(job, time.Since(start))
	}()

	g := &errgroup.Group{}
	g.SetLimit(m.cfg.Parallelism)
	e := m.eachPage(ctx, func(page []*Project) {
		for _, p := range page {
			p := p
			g.Go(func() error {
				m.reconcile(ctx, job, p, fn)
				return nil
			})
		}
	})
	g.Wait()
	if e != nil {
		m.logf("%s: reading projects: %v", job, e)
	}
	return e
}

// reconcile runs one project's part of a job.  A project that is busy
// with another operation is skipped until the next pass.
func (m *Manager) reconcile(ctx context.Context, job string, p *Project,
	fn func(context.Context, *Project) error) {

	l := m.projectLock(p.ID)
	if !l.TryLock() {
		m.logf("[%s] %s: busy, skipping", p, job)
		return
	}
	defer l.Unlock()

	// The page may predate an edit or removal that held the lock.
	fresh, e := m.store.Get(ctx, p.ID)
	if errors.Is(e, ErrNoProject) {
		m.logf("[%s] %s: removed, skipping", p, job)
		return
	}
	if e != nil {
		m.logf("[%s] %s: reading project: %v", p, job, e)
		return
	}
	p = fresh

	commit, lastErr := p.LastCommit, p.LastError
	e = m.protect(ctx, p, fn)
	if e != nil {
		m.metrics.projectFailure(job)
		p.setError(e)
	}
	if p.LastCommit != commit || p.LastError != lastErr {
		m.saveStatus(ctx, p)
	}
}

func (m *Manager) protect(ctx context.Context, p *Project,
	fn func(context.Context, *Project) error) (err error) {

	defer func() {
		if r := recover(); r != nil {
			m.logf("[%s] panic: %v", p, r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return fn(ctx, p)
}
