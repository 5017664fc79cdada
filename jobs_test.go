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

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package gitvisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func addProjects(m *Manager, n int, base int) []*Project {
	var rv []*Project
	for i := 0; i < n; i++ {
		p := &Project{
			Name: fmt.Sprintf("p%d", i),
			URL:  fmt.Sprintf("https://example.com/acme/p%d.git", i),
			Port: base + i,
		}
		So(m.store.Save(context.Background(), p), ShouldBeNil)
		rv = append(rv, p)
	}
	return rv
}

func TestFetchAll(t *testing.T) {
	g := &fakeGit{head: "abc123"}
	Convey("Fetching every project", t, WithManager(t, g, func(m *Manager) {
		ctx := context.Background()
		m.cfg.PageSize = 2
		g.fail = func(url string) error {
			if strings.Contains(url, "/p2.git") {
				return errors.New("authentication failed")
			}
			return nil
		}
		projects := addProjects(m, 5, 8100)

		Convey("one failing project does not stop the others", func() {
			So(m.FetchAll(ctx), ShouldBeNil)
			for i, p := range projects {
				saved, e := m.Get(ctx, p.ID)
				So(e, ShouldBeNil)
				if i == 2 {
					So(saved.LastError, ShouldContainSubstring, "authentication failed")
					So(saved.LastCommit, ShouldEqual, "")
				} else {
					So(saved.LastError, ShouldEqual, "")
					So(saved.LastCommit, ShouldEqual, "abc123")
				}
			}
		})

		Convey("a recovered project has its error cleared", func() {
			So(m.FetchAll(ctx), ShouldBeNil)
			g.fail = nil
			So(m.FetchAll(ctx), ShouldBeNil)
			saved, _ := m.Get(ctx, projects[2].ID)
			So(saved.LastError, ShouldEqual, "")
			So(saved.LastCommit, ShouldEqual, "abc123")
		})

		Convey("projects run in parallel when asked", func() {
			m.cfg.Parallelism = 4
			So(m.FetchAll(ctx), ShouldBeNil)
			So(m.repo.Present(projects[4]), ShouldBeTrue)
		})

		Convey("a busy project is skipped", func() {
			l := m.projectLock(projects[0].ID)
			l.Lock()
			So(m.FetchAll(ctx), ShouldBeNil)
			l.Unlock()
			So(m.repo.Present(projects[0]), ShouldBeFalse)
			So(m.repo.Present(projects[1]), ShouldBeTrue)
		})

		Convey("a store failure is returned", func() {
			m.store = brokenStore{NewMemoryStore()}
			So(m.FetchAll(ctx), ShouldNotBeNil)
		})
	}))
}

func TestEnsureRunning(t *testing.T) {
	g := &fakeGit{head: "abc123"}
	Convey("Keeping projects running", t, WithManager(t, g, func(m *Manager) {
		ctx := context.Background()
		m.limiter = newStartLimiter(2, time.Hour)
		projects := addProjects(m, 2, freeProjectPort(t, 8200))

		// Only the second project can be installed.
		So(m.FetchAll(ctx), ShouldBeNil)
		dir, _ := m.repo.LocalDir(projects[1])
		So(os.WriteFile(filepath.Join(dir, "requirements.txt"), nil, 0644), ShouldBeNil)
		Reset(func() {
			m.Stop(ctx, projects[1].ID)
		})

		So(m.EnsureRunning(ctx), ShouldBeNil)
		bad, _ := m.Get(ctx, projects[0].ID)
		So(bad.LastError, ShouldEqual, ErrNoRequirements.Error())
		running, e := m.IsRunning(ctx, projects[1].ID)
		So(e, ShouldBeNil)
		So(running, ShouldBeTrue)

		Convey("a crash-looping project is rate limited", func() {
			So(m.EnsureRunning(ctx), ShouldBeNil)
			So(m.EnsureRunning(ctx), ShouldBeNil)
			bad, _ := m.Get(ctx, projects[0].ID)
			So(bad.LastError, ShouldEqual, ErrRateLimited.Error())

			Convey("until an operator starts it", func() {
				e := m.Start(ctx, projects[0].ID)
				So(e, ShouldEqual, ErrNoRequirements)
			})
		})

		Convey("a running project is left alone", func() {
			st, _ := m.Status(ctx, projects[1].ID)
			So(st.Running, ShouldBeTrue)
			So(m.EnsureRunning(ctx), ShouldBeNil)
			st, _ = m.Status(ctx, projects[1].ID)
			So(st.Running, ShouldBeTrue)
			So(st.LastError, ShouldEqual, "")
		})
	}))
}

func TestReconcileRereads(t *testing.T) {
	g := &fakeGit{head: "abc123"}
	Convey("A pass working from an outdated page", t, WithManager(t, g, func(m *Manager) {
		ctx := context.Background()
		projects := addProjects(m, 2, 8300)

		Convey("skips a project removed meanwhile", func() {
			stale := projects[0].Copy()
			So(m.Remove(ctx, stale.ID), ShouldBeNil)

			called := false
			m.reconcile(ctx, JobFetchAll, stale, func(ctx context.Context, p *Project) error {
				called = true
				return m.repo.CloneOrUpdate(ctx, p)
			})
			So(called, ShouldBeFalse)
			So(m.repo.Present(stale), ShouldBeFalse)
			_, e := m.Get(ctx, stale.ID)
			So(e, ShouldEqual, ErrNoProject)
		})

		Convey("acts on the stored project", func() {
			stale := projects[1].Copy()
			edited := projects[1].Copy()
			edited.Port = 8399
			So(m.store.Save(ctx, edited), ShouldBeNil)

			port := 0
			m.reconcile(ctx, JobFetchAll, stale, func(ctx context.Context, p *Project) error {
				port = p.Port
				return nil
			})
			So(port, ShouldEqual, 8399)
		})
	}))
}

func TestUpdateRunning(t *testing.T) {
	g := &fakeGit{head: "abc123"}
	Convey("Editing a running project", t, WithManager(t, g, func(m *Manager) {
		ctx := context.Background()
		p := addProjects(m, 1, freeProjectPort(t, 8400))[0]
		So(m.FetchAll(ctx), ShouldBeNil)
		dir, _ := m.repo.LocalDir(p)
		So(os.WriteFile(filepath.Join(dir, "requirements.txt"), nil, 0644), ShouldBeNil)
		So(m.Start(ctx, p.ID), ShouldBeNil)
		Reset(func() {
			m.Stop(ctx, p.ID)
		})

		Convey("a rejected edit leaves it running", func() {
			upd, _ := m.Get(ctx, p.ID)
			upd.URL = "ftp://example.com/acme/p0.git"
			So(m.Update(ctx, upd), ShouldEqual, ErrBadScheme)
			running, e := m.IsRunning(ctx, p.ID)
			So(e, ShouldBeNil)
			So(running, ShouldBeTrue)
		})

		Convey("an unreachable new URL leaves it running", func() {
			g.fail = func(url string) error {
				if strings.Contains(url, "/moved.git") {
					return errors.New("repository not found")
				}
				return nil
			}
			Reset(func() {
				g.fail = nil
			})
			upd, _ := m.Get(ctx, p.ID)
			upd.URL = "https://example.com/acme/moved.git"
			So(m.Update(ctx, upd), ShouldNotBeNil)
			running, e := m.IsRunning(ctx, p.ID)
			So(e, ShouldBeNil)
			So(running, ShouldBeTrue)
			So(m.repo.Present(p), ShouldBeTrue)
		})
	}))
}
