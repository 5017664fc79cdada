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
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/gitvisor/credential"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeGit pretends to be git.  A clone creates the directory with a .git
// subdirectory in it.
type fakeGit struct {
	fail     func(url string) error
	cloneErr error
	pullErr  error
	head     string
	clones   int
	pulls    int
	urls     []string
	envs     [][]string
	pullEnvs [][]string
	mx       sync.Mutex
}

func (g *fakeGit) Clone(ctx context.Context, url, dir string, env []string) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.clones++
	g.urls = append(g.urls, url)
	g.envs = append(g.envs, env)
	if e := os.MkdirAll(filepath.Join(dir, ".git"), 0755); e != nil {
		return e
	}
	// leave a partial directory behind on failure, as git would
	if g.fail != nil {
		if e := g.fail(url); e != nil {
			return e
		}
	}
	return g.cloneErr
}

func (g *fakeGit) Pull(ctx context.Context, dir, url string, env []string) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.pulls++
	g.pullEnvs = append(g.pullEnvs, env)
	if g.fail != nil {
		if e := g.fail(url); e != nil {
			return e
		}
	}
	return g.pullErr
}

func (g *fakeGit) Head(ctx context.Context, dir string) (string, error) {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.head, nil
}

func (g *fakeGit) IsRepo(ctx context.Context, dir string) bool {
	_, e := os.Stat(filepath.Join(dir, ".git"))
	return e == nil
}

func testRepository(t *testing.T, g Git) *Repository {
	r := NewRepository(t.TempDir(), GitConfig{Timeout: time.Minute},
		log.New(&testLog{t: t}, "", 0))
	r.git = g
	return r
}

func TestRepositoryClone(t *testing.T) {
	Convey("Cloning a project", t, func() {
		g := &fakeGit{head: "abc123"}
		r := testRepository(t, g)
		p := &Project{
			Name:        "app",
			URL:         "https://example.com/acme/app.git",
			Port:        5000,
			GitUsername: "alice",
			GitPassword: "pw",
			LastError:   "stale",
		}

		Convey("an absent clone is cloned then pulled", func() {
			So(r.Present(p), ShouldBeFalse)
			So(r.CloneOrUpdate(context.Background(), p), ShouldBeNil)
			So(r.Present(p), ShouldBeTrue)
			So(g.clones, ShouldEqual, 1)
			So(g.pulls, ShouldEqual, 1)
			So(p.LastCommit, ShouldEqual, "abc123")
			So(p.LastError, ShouldEqual, "")

			Convey("the clone lives under the URL path", func() {
				dir, e := r.LocalDir(p)
				So(e, ShouldBeNil)
				So(dir, ShouldEqual, filepath.Join(r.Root(), "acme", "app.git"))
			})

			Convey("the URL handed to git carries no username", func() {
				So(g.urls[0], ShouldEqual, "https://example.com/acme/app.git")
				So(strings.Join(g.envs[0], "\n"), ShouldContainSubstring,
					"GIT_TERMINAL_PROMPT=0")
			})

			Convey("clone and pull each get their own askpass session", func() {
				So(g.pullEnvs, ShouldHaveLength, 1)
				cloneSess := envValue(g.envs[0], credential.EnvSession)
				pullSess := envValue(g.pullEnvs[0], credential.EnvSession)
				So(cloneSess, ShouldNotEqual, "")
				So(pullSess, ShouldNotEqual, "")
				So(pullSess, ShouldNotEqual, cloneSess)
			})

			Convey("a second run only pulls", func() {
				g.head = "def456"
				So(r.CloneOrUpdate(context.Background(), p), ShouldBeNil)
				So(g.clones, ShouldEqual, 1)
				So(g.pulls, ShouldEqual, 2)
				So(p.LastCommit, ShouldEqual, "def456")
			})

			Convey("a failed pull is recorded", func() {
				g.pullErr = errors.New("network down")
				e := r.Fetch(context.Background(), p)
				So(e, ShouldNotBeNil)
				So(p.LastError, ShouldContainSubstring, "network down")
				So(p.LastCommit, ShouldEqual, "abc123")
			})

			Convey("Delete removes it, and is idempotent", func() {
				So(r.Delete(p), ShouldBeNil)
				So(r.Present(p), ShouldBeFalse)
				So(r.Delete(p), ShouldBeNil)
			})
		})

		Convey("Fetch clones without pulling when absent", func() {
			So(r.Fetch(context.Background(), p), ShouldBeNil)
			So(g.clones, ShouldEqual, 1)
			So(g.pulls, ShouldEqual, 0)
			So(p.LastCommit, ShouldEqual, "abc123")
		})

		Convey("a failed clone leaves nothing behind", func() {
			g.cloneErr = errors.New("authentication failed")
			e := r.CloneOrUpdate(context.Background(), p)
			So(e, ShouldNotBeNil)
			So(p.LastError, ShouldContainSubstring, "authentication failed")
			So(r.Present(p), ShouldBeFalse)
			dir, _ := r.LocalDir(p)
			left, _ := filepath.Glob(dir + "*")
			So(left, ShouldBeEmpty)
		})

		Convey("a directory that is not a repository is reported", func() {
			dir, _ := r.LocalDir(p)
			So(os.MkdirAll(dir, 0755), ShouldBeNil)
			e := r.CloneOrUpdate(context.Background(), p)
			So(e, ShouldEqual, ErrInvalidRepo)
			So(p.LastError, ShouldEqual, ErrInvalidRepo.Error())
		})

		Convey("LastCommit needs a clone", func() {
			_, e := r.LastCommit(context.Background(), p)
			So(e, ShouldEqual, ErrNoClone)
		})
	})
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:]
		}
	}
	return ""
}

func TestRepositoryPaths(t *testing.T) {
	Convey("Clone directories stay under the root", t, func() {
		_, e := cloneDir("/srv/repos", &Project{URL: "https://example.com/"})
		So(e, ShouldNotBeNil)
		_, e = cloneDir("/srv/repos", &Project{URL: "https://example.com/a/../../b"})
		So(errors.Is(e, ErrBadURL), ShouldBeTrue)
		dir, e := cloneDir("/srv/repos", &Project{URL: "ssh://git@example.com/a/b.git"})
		So(e, ShouldBeNil)
		So(dir, ShouldEqual, "/srv/repos/a/b.git")
	})
}

func gitCmd(t *testing.T, dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, e := cmd.CombinedOutput(); e != nil {
		t.Fatalf("git %v: %v: %s", args, e, out)
	}
}

func TestRepositoryRealGit(t *testing.T) {
	if _, e := exec.LookPath("git"); e != nil {
		t.Skip("git is not installed")
	}
	Convey("Cloning a local repository with git", t, func() {
		src := t.TempDir()
		gitCmd(t, src, "init", "--quiet")
		So(os.WriteFile(filepath.Join(src, "app.py"), []byte("app = None\n"), 0644), ShouldBeNil)
		gitCmd(t, src, "add", "app.py")
		gitCmd(t, src, "commit", "--quiet", "-m", "first")

		r := NewRepository(t.TempDir(), GitConfig{Timeout: time.Minute},
			log.New(&testLog{t: t}, "", 0))
		p := &Project{Name: "local", URL: "file://" + src, Port: 5001}

		So(r.CloneOrUpdate(context.Background(), p), ShouldBeNil)
		So(len(p.LastCommit), ShouldEqual, 40)
		first := p.LastCommit

		dir, _ := r.LocalDir(p)
		_, e := os.Stat(filepath.Join(dir, "app.py"))
		So(e, ShouldBeNil)

		So(os.WriteFile(filepath.Join(src, "app.py"), []byte("app = 1\n"), 0644), ShouldBeNil)
		gitCmd(t, src, "commit", "--quiet", "-am", "second")
		So(r.Fetch(context.Background(), p), ShouldBeNil)
		So(p.LastCommit, ShouldNotEqual, first)

		head, e := r.LastCommit(context.Background(), p)
		So(e, ShouldBeNil)
		So(head, ShouldEqual, p.LastCommit)
	})
}
