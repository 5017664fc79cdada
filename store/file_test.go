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

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/gitvisor"
)

func TestFileStore(t *testing.T) {
	Convey("A file store", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "state", "projects.yaml")

		Convey("starts empty when the file is missing", func() {
			s, e := OpenFile(path)
			So(e, ShouldBeNil)
			page, e := s.Page(ctx, 0, 10)
			So(e, ShouldBeNil)
			So(page, ShouldBeEmpty)
		})

		Convey("survives a reopen", func() {
			s, e := OpenFile(path)
			So(e, ShouldBeNil)
			p := &gitvisor.Project{
				Name:        "app",
				URL:         "https://example.com/acme/app.git",
				Port:        5000,
				GitPassword: "secret",
			}
			So(s.Save(ctx, p), ShouldBeNil)
			So(s.UpdateStatus(ctx, p.ID, "abc123", "boom"), ShouldBeNil)

			fi, e := os.Stat(path)
			So(e, ShouldBeNil)
			So(fi.Mode().Perm(), ShouldEqual, os.FileMode(0600))

			s2, e := OpenFile(path)
			So(e, ShouldBeNil)
			q, e := s2.Get(ctx, p.ID)
			So(e, ShouldBeNil)
			So(q.Name, ShouldEqual, "app")
			So(q.LastCommit, ShouldEqual, "abc123")
			So(q.LastError, ShouldEqual, "boom")
			So(q.GitPassword, ShouldEqual, "secret")

			Convey("and deletes persist too", func() {
				So(s2.Delete(ctx, p.ID), ShouldBeNil)
				s3, e := OpenFile(path)
				So(e, ShouldBeNil)
				_, e = s3.Get(ctx, p.ID)
				So(e, ShouldEqual, gitvisor.ErrNoProject)
			})

			Convey("and new IDs follow the old ones", func() {
				r := &gitvisor.Project{URL: "https://example.com/acme/b.git", Port: 5001}
				So(s2.Save(ctx, r), ShouldBeNil)
				So(r.ID, ShouldBeGreaterThan, p.ID)
			})
		})

		Convey("assigns IDs to hand-written projects", func() {
			So(os.MkdirAll(filepath.Dir(path), 0700), ShouldBeNil)
			So(os.WriteFile(path, []byte(`projects:
  - id: 7
    name: kept
    url: https://example.com/a.git
    port: 5000
  - name: added
    url: https://example.com/b.git
    port: 5001
`), 0600), ShouldBeNil)
			s, e := OpenFile(path)
			So(e, ShouldBeNil)
			page, _ := s.Page(ctx, 0, 10)
			So(len(page), ShouldEqual, 2)
			So(page[0].ID, ShouldEqual, 7)
			So(page[1].ID, ShouldEqual, 8)
			So(page[1].Name, ShouldEqual, "added")
		})

		Convey("refuses garbage", func() {
			So(os.MkdirAll(filepath.Dir(path), 0700), ShouldBeNil)
			So(os.WriteFile(path, []byte("projects: [[["), 0600), ShouldBeNil)
			_, e := OpenFile(path)
			So(e, ShouldNotBeNil)
		})
	})
}
