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
	"sync"
	"time"
)

type startHistory struct {
	times    []time.Time
	starts   int
	cooldown bool
}

// startLimiter keeps a crash-looping project from being restarted on
// every reconciliation tick.
//
// A project is restarting too quickly if it was started more than limit
// times in period.  Once that threshold is hit, we wait for a full period
// after the last permitted start before starting it again.  Effectively
// this halves the configured rate for a project that keeps failing.
type startLimiter struct {
	limit    int
	period   time.Duration
	projects map[int64]*startHistory
	now      func() time.Time
	mx       sync.Mutex
}

func newStartLimiter(limit int, period time.Duration) *startLimiter {
	return &startLimiter{
		limit:    limit,
		period:   period,
		projects: make(map[int64]*startHistory),
		now:      time.Now,
	}
}

// Allow reports whether the project may be started now, and if so,
// records the start.  The first return is true only the first time a
// project is refused during a cooldown, so that callers can log it once.
func (l *startLimiter) Allow(id int64) (first bool, err error) {
	if l == nil || l.limit <= 0 {
		return false, nil
	}
	l.mx.Lock()
	defer l.mx.Unlock()

	h, ok := l.projects[id]
	if !ok {
		h = &startHistory{times: make([]time.Time, l.limit)}
		l.projects[id] = h
	}
	now := l.now()

	if h.starts >= l.limit {
		newest := h.times[(h.starts-1)%l.limit]
		oldest := h.times[h.starts%l.limit]
		if now.Before(oldest.Add(l.period)) ||
			(h.cooldown && now.Before(newest.Add(l.period))) {
			first = !h.cooldown
			h.cooldown = true
			return first, ErrRateLimited
		}
		h.cooldown = false
	}
	h.times[h.starts%l.limit] = now
	h.starts++
	return false, nil
}

// Forget drops the history of a project, e.g. once it is removed or
// after an operator asks for an explicit start.
func (l *startLimiter) Forget(id int64) {
	if l == nil {
		return
	}
	l.mx.Lock()
	delete(l.projects, id)
	l.mx.Unlock()
}
