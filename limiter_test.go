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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStartLimiter(t *testing.T) {
	Convey("Start rate limiting", t, func() {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		l := newStartLimiter(3, time.Minute)
		l.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			_, e := l.Allow(1)
			So(e, ShouldBeNil)
			now = now.Add(time.Second)
		}

		Convey("too many starts in the period are refused", func() {
			first, e := l.Allow(1)
			So(e, ShouldEqual, ErrRateLimited)
			So(first, ShouldBeTrue)
			first, e = l.Allow(1)
			So(e, ShouldEqual, ErrRateLimited)
			So(first, ShouldBeFalse)
		})

		Convey("other projects are not affected", func() {
			_, e := l.Allow(2)
			So(e, ShouldBeNil)
		})

		Convey("the cooldown lasts a full period after the last start", func() {
			_, e := l.Allow(1)
			So(e, ShouldEqual, ErrRateLimited)
			// the oldest start has aged out, but we are cooling down
			now = now.Add(58 * time.Second)
			_, e = l.Allow(1)
			So(e, ShouldEqual, ErrRateLimited)
			now = now.Add(time.Minute)
			_, e = l.Allow(1)
			So(e, ShouldBeNil)
		})

		Convey("Forget clears the history", func() {
			l.Forget(1)
			_, e := l.Allow(1)
			So(e, ShouldBeNil)
		})

		Convey("a zero limit never limits", func() {
			l = newStartLimiter(0, time.Minute)
			for i := 0; i < 100; i++ {
				_, e := l.Allow(1)
				So(e, ShouldBeNil)
			}
		})
	})
}
