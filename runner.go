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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	logsDir       = "logs"
	accessLogName = "access.log"
	errorLogName  = "error.log"
	pidFileName   = "server.pid"
	envDirName    = ".env"
	entryFileName = "start.py"
)

// Runner launches and stops the server process of a project.  Whether a
// project is running is decided by whether something accepts connections
// on its port; the process we launched is remembered in a pid file so that
// we never signal a process that is not ours.
type Runner struct {
	cfg    RunnerConfig
	repo   *Repository
	logger *log.Logger
}

// NewRunner returns a Runner that keeps its projects under repo.
func NewRunner(cfg RunnerConfig, repo *Repository, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Runner{cfg: cfg, repo: repo, logger: logger}
}

func (r *Runner) doLog(rd io.ReadCloser, prefix string) {
	reader := bufio.NewReader(rd)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			r.logger.Print(prefix, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

// IsRunning probes the project's port.
func (r *Runner) IsRunning(ctx context.Context, p *Project) bool {
	if p.Port == 0 {
		return false
	}
	return probePort(ctx, p.Port, r.cfg.ProbeTimeout)
}

func (r *Runner) path(p *Project, elem ...string) (string, error) {
	dir, e := r.repo.LocalDir(p)
	if e != nil {
		return "", e
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

func (r *Runner) logPath(p *Project, name string) (string, error) {
	if !r.repo.Present(p) {
		return "", ErrNoClone
	}
	path, e := r.path(p, logsDir, name)
	if e != nil {
		return "", e
	}
	if e := os.MkdirAll(filepath.Dir(path), 0755); e != nil {
		return "", e
	}
	f, e := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if e != nil {
		return "", e
	}
	f.Close()
	return path, nil
}

// AccessLogPath returns the file the server's standard output goes to,
// creating it empty if needed.
func (r *Runner) AccessLogPath(p *Project) (string, error) {
	return r.logPath(p, accessLogName)
}

// ErrorLogPath returns the file the server's standard error goes to,
// creating it empty if needed.
func (r *Runner) ErrorLogPath(p *Project) (string, error) {
	return r.logPath(p, errorLogName)
}

func (r *Runner) recordedPid(p *Project) int32 {
	path, e := r.path(p, logsDir, pidFileName)
	if e != nil {
		return 0
	}
	b, e := os.ReadFile(path)
	if e != nil {
		return 0
	}
	pid, e := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if e != nil {
		return 0
	}
	return int32(pid)
}

// ownsRecorded reports whether the recorded pid is still a live process
// of ours.  Pids get reused, so it has to be running inside the clone.
func (r *Runner) ownsRecorded(ctx context.Context, p *Project, pid int32) bool {
	if !pidAlive(ctx, pid) {
		return false
	}
	dir, e := r.repo.LocalDir(p)
	if e != nil {
		return false
	}
	return owner{dir: dir}.owns(ctx, pid)
}

func (r *Runner) owner(ctx context.Context, p *Project) owner {
	dir, _ := r.repo.LocalDir(p)
	pid := r.recordedPid(p)
	if !r.ownsRecorded(ctx, p, pid) {
		pid = 0
	}
	return owner{pid: pid, dir: dir}
}

// Owners reports the processes listening on the project's port, split
// into those that belong to the project and those that do not.
func (r *Runner) Owners(ctx context.Context, p *Project) (owned, foreign []int32, err error) {
	pids, e := listeners(ctx, p.Port)
	if e != nil {
		return nil, nil, e
	}
	owned, foreign = r.owner(ctx, p).split(ctx, pids)
	return owned, foreign, nil
}

func (r *Runner) removeFiles(p *Project) {
	for _, name := range []string{accessLogName, errorLogName, pidFileName} {
		if path, e := r.path(p, logsDir, name); e == nil {
			os.Remove(path)
		}
	}
}

// Stop stops the project's server.  Stopping a project that is not
// running only cleans up its log files.  Processes on the port that do not
// belong to the project are left alone, and ErrPortForeign is returned.
func (r *Runner) Stop(ctx context.Context, p *Project) error {
	p.setError(nil)
	e := r.stop(ctx, p)
	if e != nil {
		r.logger.Printf("[%s] stop: %v", p, e)
	}
	p.setError(e)
	return e
}

func (r *Runner) stop(ctx context.Context, p *Project) error {
	if p.Port == 0 {
		return ErrBadPort
	}
	rec := r.recordedPid(p)
	if !r.IsRunning(ctx, p) {
		if r.ownsRecorded(ctx, p, rec) {
			r.terminate(ctx, p, rec)
		}
		r.removeFiles(p)
		return nil
	}

	owned, foreign, e := r.Owners(ctx, p)
	if e != nil {
		return fmt.Errorf("listing listeners on port %d: %w", p.Port, e)
	}
	if r.ownsRecorded(ctx, p, rec) {
		found := false
		for _, pid := range owned {
			found = found || pid == rec
		}
		if !found {
			owned = append([]int32{rec}, owned...)
		}
	}
	if len(owned) == 0 {
		return ErrPortForeign
	}

	r.logger.Printf("[%s] stopping pids %v", p, owned)
	for _, err := range signalAll(ctx, owned, false) {
		r.logger.Printf("[%s] failed sending SIGTERM: %v", p, err)
	}
	if waitPort(ctx, p.Port, false, r.cfg.StopTimeout, nil) {
		r.logger.Printf("[%s] graceful shutdown timed out", p)
		for _, err := range signalAll(ctx, owned, true) {
			r.logger.Printf("[%s] failed killing: %v", p, err)
		}
		if waitPort(ctx, p.Port, false, r.cfg.StopTimeout, nil) {
			if len(foreign) > 0 {
				return ErrPortForeign
			}
			return fmt.Errorf("port %d is still in use", p.Port)
		}
	}
	r.removeFiles(p)
	return nil
}

// terminate stops a recorded server that no longer listens: SIGTERM,
// then SIGKILL if it has not exited within the stop timeout.
func (r *Runner) terminate(ctx context.Context, p *Project, pid int32) {
	r.logger.Printf("[%s] stopping idle pid %d", p, pid)
	for _, err := range signalAll(ctx, []int32{pid}, false) {
		r.logger.Printf("[%s] failed sending SIGTERM: %v", p, err)
	}
	if waitExit(ctx, pid, r.cfg.StopTimeout) {
		return
	}
	r.logger.Printf("[%s] graceful shutdown timed out", p)
	for _, err := range signalAll(ctx, []int32{pid}, true) {
		r.logger.Printf("[%s] failed killing: %v", p, err)
	}
	waitExit(ctx, pid, r.cfg.StopTimeout)
}

func (r *Runner) expand(args []string, p *Project, dir string) []string {
	env := filepath.Join(dir, envDirName)
	bin := ""
	if r.cfg.VirtualEnv {
		bin = filepath.Join(env, "bin") + string(filepath.Separator)
	}
	repl := strings.NewReplacer(
		"{port}", strconv.Itoa(p.Port),
		"{dir}", dir,
		"{env}", env,
		"{bin}", bin,
		"{access_log}", filepath.Join(dir, logsDir, accessLogName),
		"{error_log}", filepath.Join(dir, logsDir, errorLogName),
	)
	rv := make([]string, 0, len(args))
	for _, a := range args {
		rv = append(rv, repl.Replace(a))
	}
	return rv
}

// runCommand runs a setup command in the clone, logging its output.
func (r *Runner) runCommand(ctx context.Context, p *Project, dir, pfx string, args []string) error {
	if len(args) == 0 {
		return nil
	}
	args = r.expand(args, p, dir)
	if r.cfg.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.InstallTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	prefix := fmt.Sprintf("[%s] %s> ", p, pfx)
	if stdout, e := cmd.StdoutPipe(); e != nil {
		r.logger.Printf("[%s] failed to capture stdout: %v", p, e)
	} else {
		go r.doLog(stdout, prefix)
	}
	if stderr, e := cmd.StderrPipe(); e != nil {
		r.logger.Printf("[%s] failed to capture stderr: %v", p, e)
	} else {
		go r.doLog(stderr, prefix)
	}
	if e := cmd.Start(); e != nil {
		return fmt.Errorf("%s: %w", pfx, e)
	}
	if e := cmd.Wait(); e != nil {
		if ce := ctx.Err(); ce != nil {
			return fmt.Errorf("%s: %w", pfx, ce)
		}
		return fmt.Errorf("%s: %w", pfx, e)
	}
	return nil
}

// Start (re)starts the project's server.  The project is cloned first if
// needed, any server of ours already running is stopped, and the
// application is installed afresh before it is launched.  Start waits for
// the server to accept connections before returning.
func (r *Runner) Start(ctx context.Context, p *Project) error {
	p.setError(nil)
	e := r.start(ctx, p)
	if e != nil {
		r.logger.Printf("[%s] start: %v", p, e)
	}
	p.setError(e)
	return e
}

func (r *Runner) start(ctx context.Context, p *Project) error {
	if p.Port == 0 {
		return ErrBadPort
	}
	if !r.repo.Present(p) {
		if e := r.repo.CloneOrUpdate(ctx, p); e != nil {
			return e
		}
	}
	dir, e := r.repo.LocalDir(p)
	if e != nil {
		return e
	}
	if e := os.MkdirAll(filepath.Join(dir, logsDir), 0755); e != nil {
		return e
	}
	if e := r.stop(ctx, p); e != nil {
		return e
	}
	r.removeFiles(p)
	if r.IsRunning(ctx, p) {
		return ErrPortForeign
	}

	if r.cfg.VirtualEnv {
		if e := os.RemoveAll(filepath.Join(dir, envDirName)); e != nil {
			return e
		}
		if e := r.runCommand(ctx, p, dir, "virtualenv", r.cfg.VirtualEnvCommand); e != nil {
			return e
		}
	}
	if r.cfg.Requirements != "" {
		if _, e := os.Stat(filepath.Join(dir, r.cfg.Requirements)); e != nil {
			if os.IsNotExist(e) {
				return ErrNoRequirements
			}
			return e
		}
	}
	if e := r.runCommand(ctx, p, dir, "install", r.cfg.InstallCommand); e != nil {
		return e
	}
	if r.cfg.EntryPoint != "" {
		if e := os.WriteFile(filepath.Join(dir, entryFileName), []byte(r.cfg.EntryPoint), 0644); e != nil {
			return e
		}
	}
	return r.launch(ctx, p, dir)
}

func (r *Runner) launch(ctx context.Context, p *Project, dir string) error {
	args := r.expand(r.cfg.ServeCommand, p, dir)
	if len(args) == 0 {
		return fmt.Errorf("no serve command")
	}
	access, e := os.OpenFile(filepath.Join(dir, logsDir, accessLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if e != nil {
		return e
	}
	errlog, e := os.OpenFile(filepath.Join(dir, logsDir, errorLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if e != nil {
		access.Close()
		return e
	}

	// Not CommandContext: the server must outlive the request.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = access
	cmd.Stderr = errlog
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(p.Port))
	if r.cfg.VirtualEnv {
		cmd.Env = append(cmd.Env, "VIRTUAL_ENV="+filepath.Join(dir, envDirName))
	}
	cmd.Env = append(cmd.Env, r.expand(r.cfg.ServeEnv, p, dir)...)
	detach(cmd)

	r.logger.Printf("[%s] launching %s on port %d", p, strings.Join(args, " "), p.Port)
	if e := cmd.Start(); e != nil {
		access.Close()
		errlog.Close()
		return e
	}
	pidFile := filepath.Join(dir, logsDir, pidFileName)
	if e := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0644); e != nil {
		r.logger.Printf("[%s] failed to record pid: %v", p, e)
	}

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		access.Close()
		errlog.Close()
		close(exited)
	}()

	if waitPort(ctx, p.Port, true, r.cfg.StartGrace, exited) {
		return nil
	}
	select {
	case <-exited:
		if waitErr != nil {
			return fmt.Errorf("%w: %v", ErrNotStarted, waitErr)
		}
		return fmt.Errorf("%w: server exited", ErrNotStarted)
	default:
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return ErrNotStarted
}
