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
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Manager ties the project store to the repositories and processes it
// describes.  Every operation on a project holds that project's lock, and
// writes the outcome (last commit and last error) back to the store.
type Manager struct {
	name       string
	cfg        Config
	store      Store
	repo       *Repository
	runner     *Runner
	limiter    *startLimiter
	metrics    *Metrics
	logger     *log.Logger
	stderr     *log.Logger
	log        *Log
	mlog       *MultiLogger
	locks      map[int64]*sync.Mutex
	serial     int64
	createTime time.Time
	updateTime time.Time
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

type ManagerInfo struct {
	Name       string    `json:"name"`
	Serial     int64     `json:"serial,string"`
	CreateTime time.Time `json:"created"`
	UpdateTime time.Time `json:"updated"`
	RepoRoot   string    `json:"repo_root"`
}

// ProjectStatus is a project as shown to operators: without secrets, and
// with whether its server is up.
type ProjectStatus struct {
	*Project
	Running bool `json:"running"`
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

// bumpSerial notes a change and wakes up watchers.  Call with lock held.
func (m *Manager) bumpSerial() {
	m.updateTime = time.Now()
	m.serial++
	for cv := range m.cvs {
		cv.Broadcast()
	}
}

// WatchSerial waits until the serial number differs from old, or the
// expire time passes, and returns the current serial number.  A poll can
// be done by supplying 0 for the expiration.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	expired := expire <= 0
	cv := sync.NewCond(&m.mx)
	if !expired {
		timer := time.AfterFunc(expire, func() {
			m.lock()
			expired = true
			cv.Broadcast()
			m.unlock()
		})
		defer timer.Stop()
	}

	m.lock()
	defer m.unlock()
	m.cvs[cv] = true
	for m.serial == old && !expired {
		cv.Wait()
	}
	delete(m.cvs, cv)
	return m.serial
}

// Serial returns the serial number, which changes whenever a project
// operation completes.
func (m *Manager) Serial() int64 {
	m.lock()
	defer m.unlock()
	return m.serial
}

// Name returns the name the manager was created with.
func (m *Manager) Name() string {
	return m.name
}

// GetInfo returns top-level information about the Manager.
func (m *Manager) GetInfo() *ManagerInfo {
	m.lock()
	defer m.unlock()
	return &ManagerInfo{
		Name:       m.name,
		Serial:     m.serial,
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
		RepoRoot:   m.repo.Root(),
	}
}

// SetLogger replaces the logger that messages are copied to besides the
// in-memory Log.  By default that is standard error.
func (m *Manager) SetLogger(l *log.Logger) {
	if m.stderr != nil {
		m.mlog.DelLogger(m.stderr)
	}
	m.stderr = l
	m.mlog.AddLogger(l)
}

// SetLogWriter is SetLogger for a plain writer.
func (m *Manager) SetLogWriter(w io.Writer) {
	m.SetLogger(log.New(w, "", log.LstdFlags))
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *log.Logger {
	return m.logger
}

func (m *Manager) logf(format string, v ...interface{}) {
	m.logger.Printf(format, v...)
}

func (m *Manager) GetLog(lastid int64) ([]LogRecord, int64) {
	return m.log.GetRecords(lastid)
}

func (m *Manager) WatchLog(old int64, expire time.Duration) int64 {
	return m.log.Watch(old, expire)
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) Repository() *Repository {
	return m.repo
}

func (m *Manager) Runner() *Runner {
	return m.runner
}

func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

func (m *Manager) projectLock(id int64) *sync.Mutex {
	m.lock()
	defer m.unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// saveStatus writes the outcome of an operation back to the store.
func (m *Manager) saveStatus(ctx context.Context, p *Project) error {
	e := m.store.UpdateStatus(ctx, p.ID, p.LastCommit, p.LastError)
	if e != nil && !errors.Is(e, ErrNoProject) {
		m.logf("[%s] failed to save status: %v", p, e)
		return e
	}
	m.lock()
	m.bumpSerial()
	m.unlock()
	return nil
}

// withProject runs fn on a fresh copy of the project while holding its
// lock, then saves the project's status.
func (m *Manager) withProject(ctx context.Context, id int64, fn func(p *Project) error) error {
	l := m.projectLock(id)
	l.Lock()
	defer l.Unlock()

	p, e := m.store.Get(ctx, id)
	if e != nil {
		return e
	}
	opErr := fn(p)
	if e := m.saveStatus(ctx, p); e != nil && opErr == nil {
		opErr = e
	}
	return opErr
}

// Get returns a project, secrets included.
func (m *Manager) Get(ctx context.Context, id int64) (*Project, error) {
	return m.store.Get(ctx, id)
}

// Projects returns every project in ID order.
func (m *Manager) Projects(ctx context.Context) ([]*Project, error) {
	var rv []*Project
	e := m.eachPage(ctx, func(page []*Project) {
		rv = append(rv, page...)
	})
	return rv, e
}

func (m *Manager) eachPage(ctx context.Context, fn func([]*Project)) error {
	var after int64
	for {
		page, e := m.store.Page(ctx, after, m.cfg.PageSize)
		if e != nil {
			return e
		}
		if len(page) > 0 {
			fn(page)
		}
		if len(page) < m.cfg.PageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// Status returns the project without its secrets, and whether it runs.
func (m *Manager) Status(ctx context.Context, id int64) (*ProjectStatus, error) {
	p, e := m.store.Get(ctx, id)
	if e != nil {
		return nil, e
	}
	return &ProjectStatus{
		Project: p.Redacted(),
		Running: m.runner.IsRunning(ctx, p),
	}, nil
}

// Statuses returns the status of every project in ID order.
func (m *Manager) Statuses(ctx context.Context) ([]*ProjectStatus, error) {
	rv := []*ProjectStatus{}
	e := m.eachPage(ctx, func(page []*Project) {
		for _, p := range page {
			rv = append(rv, &ProjectStatus{
				Project: p.Redacted(),
				Running: m.runner.IsRunning(ctx, p),
			})
		}
	})
	return rv, e
}

// LogPaths returns the paths of the project's access and error logs.
func (m *Manager) LogPaths(ctx context.Context, id int64) (access string, errlog string, err error) {
	p, e := m.store.Get(ctx, id)
	if e != nil {
		return "", "", e
	}
	if access, e = m.runner.AccessLogPath(p); e != nil {
		return "", "", e
	}
	if errlog, e = m.runner.ErrorLogPath(p); e != nil {
		return "", "", e
	}
	return access, errlog, nil
}

// IsRunning reports whether the project's server accepts connections.
func (m *Manager) IsRunning(ctx context.Context, id int64) (bool, error) {
	p, e := m.store.Get(ctx, id)
	if e != nil {
		return false, e
	}
	return m.runner.IsRunning(ctx, p), nil
}

// CloneOrUpdate clones or pulls the project's repository.
func (m *Manager) CloneOrUpdate(ctx context.Context, id int64) error {
	return m.withProject(ctx, id, func(p *Project) error {
		return m.repo.CloneOrUpdate(ctx, p)
	})
}

// Start (re)starts the project's server.  An explicit start is not
// subject to the restart rate limit, and resets it.
func (m *Manager) Start(ctx context.Context, id int64) error {
	return m.withProject(ctx, id, func(p *Project) error {
		m.limiter.Forget(p.ID)
		return m.start(ctx, p)
	})
}

func (m *Manager) start(ctx context.Context, p *Project) error {
	m.logf("[%s] starting", p)
	e := m.runner.Start(ctx, p)
	if e != nil {
		m.metrics.projectStart("failed")
	} else {
		m.metrics.projectStart("ok")
	}
	return e
}

// Stop stops the project's server.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	return m.withProject(ctx, id, func(p *Project) error {
		m.logf("[%s] stopping", p)
		return m.runner.Stop(ctx, p)
	})
}

// Remove stops the project, deletes its clone, and then its record.
// A server on the port that is not ours does not prevent removal.
func (m *Manager) Remove(ctx context.Context, id int64) error {
	l := m.projectLock(id)
	l.Lock()
	defer l.Unlock()

	p, e := m.store.Get(ctx, id)
	if e != nil {
		return e
	}
	if e := m.runner.Stop(ctx, p); e != nil {
		if !errors.Is(e, ErrPortForeign) {
			return e
		}
		m.logf("[%s] leaving foreign process on port %d", p, p.Port)
	}
	if e := m.repo.Delete(p); e != nil {
		return e
	}
	if e := m.store.Delete(ctx, id); e != nil {
		return e
	}
	m.limiter.Forget(id)
	m.logf("[%s] removed", p)

	m.lock()
	delete(m.locks, id)
	m.bumpSerial()
	m.unlock()
	return nil
}

// ValidateReachability checks a project before it is saved: its fields,
// that no other project has its port or URL, that nothing else listens on
// its port, and finally that its repository can actually be cloned with
// the credentials given.  The clone is kept.
func (m *Manager) ValidateReachability(ctx context.Context, p *Project) error {
	if e := p.Validate(); e != nil {
		return e
	}
	var old *Project
	if p.ID != 0 {
		o, e := m.store.Get(ctx, p.ID)
		if e != nil {
			return e
		}
		old = o
	}

	dir, e := m.repo.LocalDir(p)
	if e != nil {
		return e
	}
	var conflict error
	e = m.eachPage(ctx, func(page []*Project) {
		for _, o := range page {
			if o.ID == p.ID || conflict != nil {
				continue
			}
			if o.Port == p.Port {
				conflict = ErrPortTaken
			} else if o.URL == p.URL {
				conflict = ErrURLTaken
			} else if od, e := m.repo.LocalDir(o); e == nil && od == dir {
				// Clones are keyed by path alone, so two hosts may collide.
				conflict = ErrDirTaken
			}
		}
	})
	if e != nil {
		return e
	}
	if conflict != nil {
		return conflict
	}

	if m.runner.IsRunning(ctx, p) {
		if old == nil || old.Port != p.Port {
			return ErrPortInUse
		}
		// Our own server may hold the port, nothing else may.
		if _, foreign, e := m.runner.Owners(ctx, old); e != nil || len(foreign) > 0 {
			return ErrPortInUse
		}
	}

	return m.repo.CloneOrUpdate(ctx, p)
}

// Create validates a new project and saves it, assigning its ID.
func (m *Manager) Create(ctx context.Context, p *Project) error {
	p.ID = 0
	if e := m.ValidateReachability(ctx, p); e != nil {
		return e
	}
	if e := m.store.Save(ctx, p); e != nil {
		return e
	}
	m.logf("[%s] created with id %d", p, p.ID)
	m.lock()
	m.bumpSerial()
	m.unlock()
	return nil
}

// Update validates and saves changes to a project.  Secrets left redacted
// keep their stored values.  If the URL changes, the old server is stopped
// and the old clone removed.
func (m *Manager) Update(ctx context.Context, p *Project) error {
	l := m.projectLock(p.ID)
	l.Lock()
	defer l.Unlock()

	old, e := m.store.Get(ctx, p.ID)
	if e != nil {
		return e
	}
	if p.GitPassword == redacted {
		p.GitPassword = old.GitPassword
	}
	if p.SSHKey == redacted {
		p.SSHKey = old.SSHKey
	}
	if p.SSHKeyPassphrase == redacted {
		p.SSHKeyPassphrase = old.SSHKeyPassphrase
	}

	// A rejected edit leaves the running server alone.
	if e := m.ValidateReachability(ctx, p); e != nil {
		return e
	}
	if old.URL != p.URL || old.Port != p.Port {
		if e := m.runner.Stop(ctx, old); e != nil && !errors.Is(e, ErrPortForeign) {
			return e
		}
	}
	if e := m.store.Save(ctx, p); e != nil {
		return e
	}
	oldDir, _ := m.repo.LocalDir(old)
	newDir, _ := m.repo.LocalDir(p)
	if oldDir != newDir {
		if e := m.repo.Delete(old); e != nil {
			m.logf("[%s] failed to remove old clone: %v", p, e)
		}
	}
	m.logf("[%s] updated", p)
	m.lock()
	m.bumpSerial()
	m.unlock()
	return nil
}

// NewManager returns a Manager for the projects in store.
func NewManager(cfg Config, store Store) *Manager {
	if cfg.Name == "" {
		cfg.Name = "gitvisor"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	// The origin serial is a timestamp, so that clients caching by
	// serial notice a daemon restart.
	m := &Manager{
		name:       cfg.Name,
		cfg:        cfg,
		store:      store,
		serial:     time.Now().UnixNano(),
		createTime: time.Now(),
		locks:      make(map[int64]*sync.Mutex),
		cvs:        make(map[*sync.Cond]bool),
		metrics:    NewMetrics(),
	}
	m.updateTime = m.createTime
	m.mlog = NewMultiLogger()
	m.log = NewLog()
	m.mlog.AddWriter(m.log, 0)
	m.SetLogger(log.New(os.Stderr, "", log.LstdFlags))
	m.logger = m.mlog.Logger()
	m.repo = NewRepository(cfg.RepoRoot, cfg.Git, m.logger)
	m.runner = NewRunner(cfg.Runner, m.repo, m.logger)
	m.limiter = newStartLimiter(cfg.Runner.RateLimit, cfg.Runner.RatePeriod)
	return m
}
