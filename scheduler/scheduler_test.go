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
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.t.Log(strings.Trim(string(p), "\n"))
	return len(p), nil
}

func testScheduler(t *testing.T, reg Registry) *Scheduler {
	return New(reg, log.New(&testLog{t: t}, "", 0))
}

func TestMemoryRegistry(t *testing.T) {
	Convey("A memory registry", t, func() {
		ctx := context.Background()
		reg := NewMemoryRegistry()
		now := time.Now()
		reg.now = func() time.Time { return now }

		Convey("keeps occurrences in registration order", func() {
			So(reg.Add(ctx, Occurrence{ID: "b", Job: "y", Registered: now.Add(time.Second)}), ShouldBeNil)
			So(reg.Add(ctx, Occurrence{ID: "a", Job: "x", Registered: now}), ShouldBeNil)
			occs, e := reg.List(ctx)
			So(e, ShouldBeNil)
			So(len(occs), ShouldEqual, 2)
			So(occs[0].ID, ShouldEqual, "a")

			So(reg.Remove(ctx, "a"), ShouldBeNil)
			occs, _ = reg.List(ctx)
			So(len(occs), ShouldEqual, 1)
		})

		Convey("hands a lock to one holder at a time", func() {
			unlock, ok, e := reg.Lock(ctx, "job", time.Minute)
			So(e, ShouldBeNil)
			So(ok, ShouldBeTrue)
			_, ok, _ = reg.Lock(ctx, "job", time.Minute)
			So(ok, ShouldBeFalse)
			_, ok, _ = reg.Lock(ctx, "other", time.Minute)
			So(ok, ShouldBeTrue)

			unlock()
			_, ok, _ = reg.Lock(ctx, "job", time.Minute)
			So(ok, ShouldBeTrue)
		})

		Convey("lets a lock expire", func() {
			_, ok, _ := reg.Lock(ctx, "job", time.Minute)
			So(ok, ShouldBeTrue)
			now = now.Add(2 * time.Minute)
			_, ok, _ = reg.Lock(ctx, "job", time.Minute)
			So(ok, ShouldBeTrue)
		})

		Convey("forgets everything on flush", func() {
			reg.Add(ctx, Occurrence{ID: "a", Job: "x"})
			reg.Lock(ctx, "x", time.Minute)
			So(reg.Flush(ctx), ShouldBeNil)
			occs, _ := reg.List(ctx)
			So(occs, ShouldBeEmpty)
			_, ok, _ := reg.Lock(ctx, "x", time.Minute)
			So(ok, ShouldBeTrue)
		})
	})
}

func TestResetAndInstall(t *testing.T) {
	Convey("Installing jobs", t, func() {
		ctx := context.Background()
		reg := NewMemoryRegistry()
		So(reg.Add(ctx, Occurrence{ID: "stale", Job: "fetch-all"}), ShouldBeNil)
		s := testScheduler(t, reg)

		noop := func(context.Context) error { return nil }
		So(s.ResetAndInstall(ctx,
			Job{Name: "fetch-all", Interval: time.Minute, Run: noop},
			Job{Name: "ensure-running", Run: noop}), ShouldBeNil)

		occs, e := s.Occurrences(ctx)
		So(e, ShouldBeNil)
		So(len(occs), ShouldEqual, 2)
		for _, o := range occs {
			So(o.ID, ShouldNotEqual, "stale")
			if o.Job == "ensure-running" {
				So(o.Interval, ShouldEqual, DefaultInterval)
			}
		}

		Convey("a second install replaces the first", func() {
			So(s.ResetAndInstall(ctx, Job{Name: "fetch-all", Run: noop}), ShouldBeNil)
			occs, _ := s.Occurrences(ctx)
			So(len(occs), ShouldEqual, 1)
		})

		Convey("flushing clears the registry", func() {
			So(s.Flush(ctx), ShouldBeNil)
			occs, _ := s.Occurrences(ctx)
			So(occs, ShouldBeEmpty)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Running the scheduler", t, func() {
		reg := NewMemoryRegistry()
		s := testScheduler(t, reg)

		Convey("with nothing installed fails", func() {
			So(s.Run(context.Background()), ShouldEqual, ErrNoJobs)
		})

		Convey("fires at once and then at the interval", func() {
			var runs atomic.Int32
			So(s.ResetAndInstall(context.Background(), Job{
				Name:     "tick",
				Interval: 20 * time.Millisecond,
				Run: func(context.Context) error {
					runs.Add(1)
					return errors.New("logged, not fatal")
				},
			}), ShouldBeNil)

			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()
			So(s.Run(ctx), ShouldBeNil)
			So(runs.Load(), ShouldBeGreaterThanOrEqualTo, 3)
		})

		Convey("never overlaps a job with itself", func() {
			var active, most, runs atomic.Int32
			var mx sync.Mutex
			So(s.ResetAndInstall(context.Background(), Job{
				Name:     "slow",
				Interval: 10 * time.Millisecond,
				Run: func(ctx context.Context) error {
					n := active.Add(1)
					mx.Lock()
					if n > most.Load() {
						most.Store(n)
					}
					mx.Unlock()
					runs.Add(1)
					time.Sleep(50 * time.Millisecond)
					active.Add(-1)
					return nil
				},
			}), ShouldBeNil)

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			So(s.Run(ctx), ShouldBeNil)
			So(most.Load(), ShouldEqual, 1)
			So(runs.Load(), ShouldBeGreaterThanOrEqualTo, 2)
		})

		Convey("skips a job locked by another daemon", func() {
			var runs atomic.Int32
			_, ok, _ := reg.Lock(context.Background(), "held", time.Hour)
			So(ok, ShouldBeTrue)
			So(s.ResetAndInstall(context.Background(), Job{
				Name:     "held",
				Interval: 10 * time.Millisecond,
				Run: func(context.Context) error {
					runs.Add(1)
					return nil
				},
			}), ShouldBeNil)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			So(s.Run(ctx), ShouldBeNil)
			So(runs.Load(), ShouldEqual, 0)
		})
	})
}

func TestRedisRegistry(t *testing.T) {
	addr := os.Getenv("GITVISOR_TEST_REDIS")
	if addr == "" {
		t.Skip("GITVISOR_TEST_REDIS not set")
	}
	Convey("A redis registry", t, func() {
		ctx := context.Background()
		reg, e := NewRedisRegistry(addr, "", 0)
		So(e, ShouldBeNil)
		defer reg.Close()
		reg.prefix = "gitvisor-test:" + t.Name() + ":"
		So(reg.Flush(ctx), ShouldBeNil)

		s := testScheduler(t, reg)
		noop := func(context.Context) error { return nil }
		So(reg.Add(ctx, Occurrence{ID: "stale", Job: "x"}), ShouldBeNil)
		So(s.ResetAndInstall(ctx, Job{Name: "x", Interval: time.Minute, Run: noop}), ShouldBeNil)
		occs, e := reg.List(ctx)
		So(e, ShouldBeNil)
		So(len(occs), ShouldEqual, 1)
		So(occs[0].ID, ShouldNotEqual, "stale")
		So(occs[0].Interval, ShouldEqual, time.Minute)

		unlock, ok, e := reg.Lock(ctx, "x", time.Minute)
		So(e, ShouldBeNil)
		So(ok, ShouldBeTrue)
		_, ok, _ = reg.Lock(ctx, "x", time.Minute)
		So(ok, ShouldBeFalse)
		unlock()
		_, ok, _ = reg.Lock(ctx, "x", time.Minute)
		So(ok, ShouldBeTrue)

		So(reg.Flush(ctx), ShouldBeNil)
		occs, _ = reg.List(ctx)
		So(occs, ShouldBeEmpty)
	})
}
