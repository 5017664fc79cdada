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
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// probePort reports whether something accepts TCP connections on the
// loopback address at port.
func probePort(ctx context.Context, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	c, e := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if e != nil {
		return false
	}
	c.Close()
	return true
}

// waitPort polls the port until it is in the wanted state, the timeout
// expires, or done is closed.  It returns the last observed state.
func waitPort(ctx context.Context, port int, want bool, timeout time.Duration,
	done <-chan struct{}) bool {

	deadline := time.Now().Add(timeout)
	for {
		up := probePort(ctx, port, time.Second)
		if up == want || time.Now().After(deadline) {
			return up
		}
		select {
		case <-ctx.Done():
			return up
		case <-done:
			return probePort(ctx, port, time.Second)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// listeners returns the pids of processes listening on the TCP port.
// Sockets whose owner cannot be seen (pid 0) are left out.
func listeners(ctx context.Context, port int) ([]int32, error) {
	conns, e := psnet.ConnectionsWithContext(ctx, "tcp")
	if e != nil {
		return nil, e
	}
	seen := make(map[int32]bool)
	var pids []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		if !seen[c.Pid] {
			seen[c.Pid] = true
			pids = append(pids, c.Pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}

// owner decides whether a process belongs to a project: it is the
// process we launched, one of its descendants, or it runs inside the
// project's clone.
type owner struct {
	pid int32
	dir string
}

const maxAncestry = 64

func (o owner) owns(ctx context.Context, pid int32) bool {
	if o.pid > 0 {
		cur := pid
		for i := 0; i < maxAncestry && cur > 1; i++ {
			if cur == o.pid {
				return true
			}
			proc, e := process.NewProcessWithContext(ctx, cur)
			if e != nil {
				break
			}
			if cur, e = proc.PpidWithContext(ctx); e != nil {
				break
			}
		}
	}
	if o.dir == "" {
		return false
	}
	proc, e := process.NewProcessWithContext(ctx, pid)
	if e != nil {
		return false
	}
	cwd, e := proc.CwdWithContext(ctx)
	if e != nil || cwd == "" {
		return false
	}
	return within(o.dir, cwd)
}

func within(dir, path string) bool {
	rel, e := filepath.Rel(dir, path)
	if e != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// split partitions pids into owned and foreign ones.
func (o owner) split(ctx context.Context, pids []int32) (owned, foreign []int32) {
	for _, pid := range pids {
		if o.owns(ctx, pid) {
			owned = append(owned, pid)
		} else {
			foreign = append(foreign, pid)
		}
	}
	return owned, foreign
}

func pidAlive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, e := process.PidExistsWithContext(ctx, pid)
	return e == nil && ok
}

// waitExit waits until pid has gone away, or timeout passes, and reports
// whether it is gone.
func waitExit(ctx context.Context, pid int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for pidAlive(ctx, pid) {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return true
}

// signalAll sends SIGTERM, or SIGKILL when kill is set, to every pid.
// Processes that have already gone away are ignored.
func signalAll(ctx context.Context, pids []int32, kill bool) []error {
	var errs []error
	for _, pid := range pids {
		proc, e := process.NewProcessWithContext(ctx, pid)
		if e != nil {
			continue
		}
		if kill {
			e = proc.KillWithContext(ctx)
		} else {
			e = proc.TerminateWithContext(ctx)
		}
		if e != nil && pidAlive(ctx, pid) {
			errs = append(errs, e)
		}
	}
	return errs
}
