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
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gdamore/gitvisor/credential"
)

const (
	MinPort = 1000
	MaxPort = 9999
)

// Project is a deployed repository.  The Store owns project records; the
// Manager only ever writes LastCommit and LastError back to it.
type Project struct {
	ID               int64  `yaml:"id" json:"id"`
	Name             string `yaml:"name" json:"name"`
	Description      string `yaml:"description,omitempty" json:"description,omitempty"`
	URL              string `yaml:"url" json:"url"`
	Port             int    `yaml:"port" json:"port"`
	UseDeployKey     bool   `yaml:"use_deploy_key,omitempty" json:"use_deploy_key,omitempty"`
	GitUsername      string `yaml:"git_username,omitempty" json:"git_username,omitempty"`
	GitPassword      string `yaml:"git_password,omitempty" json:"git_password,omitempty"`
	SSHKey           string `yaml:"ssh_key,omitempty" json:"ssh_key,omitempty"`
	SSHKeyPassphrase string `yaml:"ssh_key_passphrase,omitempty" json:"ssh_key_passphrase,omitempty"`
	SSHPubKey        string `yaml:"ssh_pubkey,omitempty" json:"ssh_pubkey,omitempty"`
	LastCommit       string `yaml:"last_commit,omitempty" json:"last_commit,omitempty"`
	LastError        string `yaml:"last_error,omitempty" json:"last_error,omitempty"`
}

// String returns the project name, falling back to the URL.
func (p *Project) String() string {
	if p.Name != "" {
		return p.Name
	}
	return p.URL
}

// Copy returns a shallow copy, which is a full copy as Project has no
// reference fields.
func (p *Project) Copy() *Project {
	np := *p
	return &np
}

// Redacted returns a copy without secrets, suitable for showing to
// clients.  The public key is kept, as it is what gets installed as a
// deploy key.
func (p *Project) Redacted() *Project {
	np := p.Copy()
	if np.GitPassword != "" {
		np.GitPassword = redacted
	}
	if np.SSHKey != "" {
		np.SSHKey = redacted
	}
	if np.SSHKeyPassphrase != "" {
		np.SSHKeyPassphrase = redacted
	}
	return np
}

const redacted = "********"

// Source returns the credential material of the project.
func (p *Project) Source() credential.Source {
	return credential.Source{
		URL:              p.URL,
		Username:         p.GitUsername,
		Password:         p.GitPassword,
		SSHKey:           p.SSHKey,
		SSHKeyPassphrase: p.SSHKeyPassphrase,
		SSHPubKey:        p.SSHPubKey,
	}
}

// setError records err as the last error, or clears it for nil.
func (p *Project) setError(err error) {
	if err == nil {
		p.LastError = ""
	} else {
		p.LastError = err.Error()
	}
}

// Validate checks the fields that can be checked without looking at
// other projects or the outside world.
func (p *Project) Validate() error {
	u, e := url.Parse(p.URL)
	if e != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, e)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ssh", "git":
	default:
		return ErrBadScheme
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return ErrBadURL
	}
	if p.Port < MinPort || p.Port > MaxPort {
		return ErrBadPort
	}
	if p.SSHKey != "" {
		if e := credential.ValidateKeypair(credential.Resolve(p.Source())); e != nil {
			return e
		}
	}
	return nil
}

// cloneDir computes where the project lives under root: the root followed
// by the path of the repository URL.
func cloneDir(root string, p *Project) (string, error) {
	u, e := url.Parse(p.URL)
	if e != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, e)
	}
	if strings.Trim(u.Path, "/") == "" {
		return "", ErrBadURL
	}
	base, e := filepath.Abs(root)
	if e != nil {
		return "", e
	}
	dir := filepath.Join(base, filepath.FromSlash(u.Path))
	rel, e := filepath.Rel(base, dir)
	if e != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: path escapes repository root", ErrBadURL)
	}
	return dir, nil
}
