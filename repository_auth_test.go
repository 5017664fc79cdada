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
	"log"
	"net/http"
	"net/http/cgi"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// gitHTTPServer serves the repositories under root over smart HTTP,
// requiring basic authentication as user and password.
func gitHTTPServer(t *testing.T, root, user, password string) *httptest.Server {
	out, e := exec.Command("git", "--exec-path").Output()
	if e != nil {
		t.Skipf("git --exec-path: %v", e)
	}
	backend := filepath.Join(strings.TrimSpace(string(out)), "git-http-backend")
	if _, e := os.Stat(backend); e != nil {
		t.Skip("git-http-backend is not installed")
	}
	h := &cgi.Handler{
		Path: backend,
		Env:  []string{"GIT_PROJECT_ROOT=" + root, "GIT_HTTP_EXPORT_ALL=1"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		u, pw, ok := req.BasicAuth()
		if !ok || u != user || pw != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRepositoryBasicAuth(t *testing.T) {
	if _, e := exec.LookPath("git"); e != nil {
		t.Skip("git is not installed")
	}
	exe, e := os.Executable()
	if e != nil {
		t.Fatalf("executable: %v", e)
	}
	// Keep the user's credential helpers out of the way.
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)

	Convey("Cloning over HTTP with a password", t, func() {
		src := t.TempDir()
		gitCmd(t, src, "init", "--quiet")
		So(os.WriteFile(filepath.Join(src, "app.py"), []byte("app = None\n"), 0644), ShouldBeNil)
		gitCmd(t, src, "add", "app.py")
		gitCmd(t, src, "commit", "--quiet", "-m", "first")

		root := t.TempDir()
		gitCmd(t, root, "clone", "--quiet", "--bare", src, filepath.Join(root, "app.git"))
		srv := gitHTTPServer(t, root, "alice", "secret")

		r := NewRepository(t.TempDir(), GitConfig{Timeout: time.Minute, Askpass: exe},
			log.New(&testLog{t: t}, "", 0))
		p := &Project{
			Name:        "app",
			URL:         srv.URL + "/app.git",
			Port:        5002,
			GitUsername: "alice",
			GitPassword: "secret",
		}
		ctx := context.Background()

		Convey("clones then pulls with the right password", func() {
			So(r.CloneOrUpdate(ctx, p), ShouldBeNil)
			So(p.LastError, ShouldEqual, "")
			So(len(p.LastCommit), ShouldEqual, 40)
			So(r.Present(p), ShouldBeTrue)

			Convey("and fetches again later", func() {
				So(r.Fetch(ctx, p), ShouldBeNil)
				So(len(p.LastCommit), ShouldEqual, 40)
			})
		})

		Convey("is refused with the wrong password", func() {
			p.GitPassword = "wrong"
			So(r.CloneOrUpdate(ctx, p), ShouldNotBeNil)
			So(p.LastError, ShouldNotEqual, "")
			So(r.Present(p), ShouldBeFalse)
		})
	})
}
