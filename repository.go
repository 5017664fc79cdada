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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gdamore/gitvisor/credential"
)

// Git is the set of git operations the Repository needs.  env is added to
// the environment of the git process.
type Git interface {
	Clone(ctx context.Context, url, dir string, env []string) error
	Pull(ctx context.Context, dir, url string, env []string) error
	Head(ctx context.Context, dir string) (string, error)
	IsRepo(ctx context.Context, dir string) bool
}

type execGit struct {
	binary string
}

// NewGit returns a Git that runs the given git binary.
func NewGit(binary string) Git {
	if binary == "" {
		binary = "git"
	}
	return &execGit{binary: binary}
}

func (g *execGit) run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = nil
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if e := cmd.Run(); e != nil {
		if ce := ctx.Err(); ce != nil {
			return "", fmt.Errorf("git %s: %w", args[0], ce)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("git %s: %w", args[0], e)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], e, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *execGit) Clone(ctx context.Context, url, dir string, env []string) error {
	_, e := g.run(ctx, "", env, "clone", "--quiet", "--", url, dir)
	return e
}

func (g *execGit) Pull(ctx context.Context, dir, url string, env []string) error {
	if _, e := g.run(ctx, dir, env, "remote", "set-url", "origin", url); e != nil {
		return e
	}
	_, e := g.run(ctx, dir, env, "pull", "--quiet", "--ff-only")
	return e
}

func (g *execGit) Head(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, nil, "rev-parse", "HEAD")
}

func (g *execGit) IsRepo(ctx context.Context, dir string) bool {
	top, e := g.run(ctx, dir, nil, "rev-parse", "--show-toplevel")
	if e != nil {
		return false
	}
	want, e1 := filepath.EvalSymlinks(dir)
	got, e2 := filepath.EvalSymlinks(top)
	return e1 == nil && e2 == nil && want == got
}

// Repository keeps local clones of project repositories under a root
// directory.  Operations record their outcome on the project: LastError
// is cleared when an operation starts and set if it fails, and LastCommit
// is set from HEAD when it succeeds.
type Repository struct {
	root    string
	git     Git
	helper  string
	timeout time.Duration
	logger  *log.Logger
}

// NewRepository returns a Repository rooted at root.
func NewRepository(root string, cfg GitConfig, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Repository{
		root:    root,
		git:     NewGit(cfg.Binary),
		helper:  cfg.Askpass,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// SetGit replaces the git implementation, which by default runs the git
// binary.
func (r *Repository) SetGit(g Git) {
	r.git = g
}

// Root returns the directory clones live under.
func (r *Repository) Root() string {
	return r.root
}

// LocalDir returns the directory holding the project's clone.
func (r *Repository) LocalDir(p *Project) (string, error) {
	return cloneDir(r.root, p)
}

// Present reports whether the project has a local clone.  Clones are
// renamed into place only when complete, so a directory is a clone.
func (r *Repository) Present(p *Project) bool {
	dir, e := r.LocalDir(p)
	if e != nil {
		return false
	}
	fi, e := os.Stat(dir)
	return e == nil && fi.IsDir()
}

// CloneOrUpdate clones the project if it has no local clone, and then
// brings the clone up to date.  The error is also recorded on the project.
func (r *Repository) CloneOrUpdate(ctx context.Context, p *Project) error {
	return r.sync(ctx, p, true)
}

// Fetch brings an existing clone up to date, cloning only if there is
// none yet.
func (r *Repository) Fetch(ctx context.Context, p *Project) error {
	return r.sync(ctx, p, false)
}

func (r *Repository) sync(ctx context.Context, p *Project, pullAfterClone bool) error {
	p.setError(nil)
	e := r.doSync(ctx, p, pullAfterClone)
	if e != nil {
		r.logger.Printf("[%s] git: %v", p, e)
	}
	p.setError(e)
	return e
}

func (r *Repository) doSync(ctx context.Context, p *Project, pullAfterClone bool) error {
	dir, e := r.LocalDir(p)
	if e != nil {
		return e
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	src := p.Source()
	url, e := credential.RepoURL(src, credential.URLOptions{})
	if e != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, e)
	}

	if !r.Present(p) {
		e = r.withSession(src, func(sess *credential.Session) error {
			return r.clone(ctx, url, dir, sess)
		})
		if e != nil {
			return e
		}
		if !pullAfterClone {
			return r.head(ctx, p, dir)
		}
	} else if !r.git.IsRepo(ctx, dir) {
		return ErrInvalidRepo
	}

	r.logger.Printf("[%s] pulling", p)
	e = r.withSession(src, func(sess *credential.Session) error {
		return r.git.Pull(ctx, dir, url, sess.Env())
	})
	if e != nil {
		return e
	}
	return r.head(ctx, p, dir)
}

// withSession runs one git transport operation with its own askpass
// session, so each operation may be asked for credentials once.
func (r *Repository) withSession(src credential.Source, fn func(*credential.Session) error) error {
	sess, e := credential.NewSession(credential.Resolve(src), r.helper)
	if e != nil {
		return e
	}
	defer sess.Close()
	if e := fn(sess); e != nil {
		return r.gitError(e, sess)
	}
	return nil
}

// clone clones into a staging directory next to dir and renames it into
// place, so dir only ever appears once the clone is complete.
func (r *Repository) clone(ctx context.Context, url, dir string, sess *credential.Session) error {
	if e := os.MkdirAll(filepath.Dir(dir), 0755); e != nil {
		return e
	}
	staging := dir + ".clone-" + uuid.NewString()
	r.logger.Printf("cloning %s into %s", url, dir)
	if e := r.git.Clone(ctx, url, staging, sess.Env()); e != nil {
		os.RemoveAll(staging)
		return e
	}
	if e := os.Rename(staging, dir); e != nil {
		os.RemoveAll(staging)
		return e
	}
	return nil
}

func (r *Repository) head(ctx context.Context, p *Project, dir string) error {
	h, e := r.git.Head(ctx, dir)
	if e != nil {
		return e
	}
	p.LastCommit = h
	return nil
}

func (r *Repository) gitError(e error, sess *credential.Session) error {
	if sess.Rejected() && !errors.Is(e, credential.ErrCredentialsRejected) {
		return fmt.Errorf("%w: %v", credential.ErrCredentialsRejected, e)
	}
	return e
}

// LastCommit returns the commit checked out in the project's clone.
func (r *Repository) LastCommit(ctx context.Context, p *Project) (string, error) {
	if !r.Present(p) {
		return "", ErrNoClone
	}
	dir, e := r.LocalDir(p)
	if e != nil {
		return "", e
	}
	return r.git.Head(ctx, dir)
}

// Delete removes the project's clone.  It is not an error if there is
// none.
func (r *Repository) Delete(p *Project) error {
	dir, e := r.LocalDir(p)
	if e != nil {
		return e
	}
	r.logger.Printf("[%s] removing %s", p, dir)
	return os.RemoveAll(dir)
}
