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
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStore(t *testing.T) {
	Convey("A memory store", t, func() {
		ctx := context.Background()
		s := NewMemoryStore()
		for i := 0; i < 5; i++ {
			p := &Project{
				Name: fmt.Sprintf("p%d", i),
				URL:  fmt.Sprintf("https://example.com/p%d.git", i),
				Port: 5000 + i,
			}
			So(s.Save(ctx, p), ShouldBeNil)
			So(p.ID, ShouldEqual, int64(i+1))
		}

		Convey("pages in ID order", func() {
			page, e := s.Page(ctx, 0, 2)
			So(e, ShouldBeNil)
			So(len(page), ShouldEqual, 2)
			So(page[1].ID, ShouldEqual, 2)
			page, _ = s.Page(ctx, 4, 2)
			So(len(page), ShouldEqual, 1)
			So(page[0].ID, ShouldEqual, 5)
			page, _ = s.Page(ctx, 5, 2)
			So(page, ShouldBeEmpty)
		})

		Convey("hands out copies", func() {
			p, _ := s.Get(ctx, 1)
			p.Name = "changed"
			q, _ := s.Get(ctx, 1)
			So(q.Name, ShouldEqual, "p0")
		})

		Convey("enforces unique ports and URLs", func() {
			So(s.Save(ctx, &Project{URL: "https://example.com/new.git", Port: 5001}),
				ShouldEqual, ErrPortTaken)
			So(s.Save(ctx, &Project{URL: "https://example.com/p1.git", Port: 6000}),
				ShouldEqual, ErrURLTaken)
			p, _ := s.Get(ctx, 2)
			p.Description = "same port is fine for itself"
			So(s.Save(ctx, p), ShouldBeNil)
		})

		Convey("updates status only", func() {
			So(s.UpdateStatus(ctx, 3, "abc", "boom"), ShouldBeNil)
			p, _ := s.Get(ctx, 3)
			So(p.LastCommit, ShouldEqual, "abc")
			So(p.LastError, ShouldEqual, "boom")
			So(p.Name, ShouldEqual, "p2")
			So(s.UpdateStatus(ctx, 99, "", ""), ShouldEqual, ErrNoProject)
		})

		Convey("deletes idempotently", func() {
			So(s.Delete(ctx, 3), ShouldBeNil)
			So(s.Delete(ctx, 3), ShouldBeNil)
			_, e := s.Get(ctx, 3)
			So(e, ShouldEqual, ErrNoProject)
		})

		Convey("refuses to save an unknown ID", func() {
			So(s.Save(ctx, &Project{ID: 42, URL: "https://x/y", Port: 7000}),
				ShouldEqual, ErrNoProject)
		})
	})
}
