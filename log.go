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
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one line of the daemon's own log.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log keeps the most recent lines written to it in a ring, so that the
// daemon log can be served over the REST API.  It is an io.Writer, meant
// to sit behind a log.Logger.
type Log struct {
	records []LogRecord
	next    int // index of the next record, may exceed len(records)
	id      int64
	cvs     map[*sync.Cond]bool
	mx      sync.Mutex
}

// Write implements io.Writer.  Each line becomes a record.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	now := time.Now()
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		l.id++
		l.records[l.next%len(l.records)] = LogRecord{
			Id:   l.id,
			Time: now,
			Text: line,
		}
		l.next++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return len(b), nil
}

// Clear drops every record.
func (l *Log) Clear() {
	l.mx.Lock()
	l.next = 0
	// IDs must keep changing, so that watchers notice.
	l.id = time.Now().UnixNano()
	l.mx.Unlock()
}

// GetRecords returns the records held, oldest first, together with an ID
// suitable for use as an Etag.  If last is the current ID, nothing has
// been logged since, and nil is returned.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.next
	if cnt > len(l.records) {
		cnt = len(l.records)
	}
	recs := make([]LogRecord, 0, cnt)
	for i := l.next - cnt; i < l.next; i++ {
		recs = append(recs, l.records[i%len(l.records)])
	}
	return recs, l.id
}

// Watch waits until something is logged after last, or the expire time
// passes, and returns the current ID.  An expire of zero polls.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := expire <= 0
	cv := sync.NewCond(&l.mx)
	var timer *time.Timer
	if !expired {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
		defer timer.Stop()
	}

	l.mx.Lock()
	defer l.mx.Unlock()
	l.cvs[cv] = true
	for l.id == last && !expired {
		cv.Wait()
	}
	delete(l.cvs, cv)
	return l.id
}

// NewLog returns a Log holding up to MaxLogRecords records.
func NewLog() *Log {
	return &Log{
		records: make([]LogRecord, MaxLogRecords),
		id:      time.Now().UnixNano(),
		cvs:     make(map[*sync.Cond]bool),
	}
}
