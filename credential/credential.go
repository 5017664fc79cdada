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

// Package credential works out how to authenticate against a project's
// git remote.  Resolve picks exactly one kind of credential for an
// operation, RepoURL builds the URL handed to git, and Session supplies
// the credential to git through an askpass helper that refuses to answer
// the same question twice.
package credential

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrCredentialsRejected = errors.New("Credentials are invalid: asked for them more than once")
	ErrUnknownPrompt       = errors.New("Unrecognized credential prompt")
	ErrNoSession           = errors.New("No askpass session")
	ErrKeyMismatch         = errors.New("SSH public key does not match the private key")
	ErrBadKey              = errors.New("SSH private key cannot be parsed")
	ErrPassphraseRequired  = errors.New("SSH private key needs a passphrase")
)

// Kind identifies which credential variant is in use.
type Kind int

const (
	Anonymous Kind = iota
	HTTPBasic
	SSHPassword
	SSHKeypair
)

func (k Kind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case HTTPBasic:
		return "http-basic"
	case SSHPassword:
		return "ssh-password"
	case SSHKeypair:
		return "ssh-keypair"
	}
	return "unknown"
}

// Source is the raw credential material stored with a project.
type Source struct {
	URL              string
	Username         string
	Password         string
	SSHKey           string
	SSHKeyPassphrase string
	SSHPubKey        string
}

// Credential is the resolved credential for one operation.  Only the
// fields meaningful for Kind are set.
type Credential struct {
	Kind       Kind
	Username   string
	Password   string
	PrivateKey string
	PublicKey  string
	Passphrase string
}

// Scheme returns the lower-cased scheme of the source URL, or "" if the
// URL cannot be parsed.
func (s Source) Scheme() string {
	u, e := url.Parse(s.URL)
	if e != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Resolve picks the credential to use.  For ssh a private key always wins
// over a username and password; for every other scheme only a username
// and password are considered.
func Resolve(s Source) Credential {
	if s.Scheme() == "ssh" {
		if s.SSHKey != "" {
			return Credential{
				Kind:       SSHKeypair,
				Username:   s.Username,
				PrivateKey: s.SSHKey,
				PublicKey:  s.SSHPubKey,
				Passphrase: s.SSHKeyPassphrase,
			}
		}
		if s.Username != "" || s.Password != "" {
			return Credential{
				Kind:     SSHPassword,
				Username: s.Username,
				Password: s.Password,
			}
		}
		return Credential{Kind: Anonymous}
	}
	if s.Username != "" || s.Password != "" {
		return Credential{
			Kind:     HTTPBasic,
			Username: s.Username,
			Password: s.Password,
		}
	}
	return Credential{Kind: Anonymous}
}

// URLOptions adjusts the URL built by RepoURL.
type URLOptions struct {
	// Scheme replaces the scheme of the stored URL, e.g. to go from
	// https to ssh.
	Scheme string

	// Username replaces the stored username.  For schemes other than
	// ssh the username is only embedded when given here.
	Username string

	// StripUsername keeps any username out of the URL.  It has no
	// effect for ssh, which always needs one.
	StripUsername bool
}

// RepoURL builds the URL to hand to git.  By default only ssh URLs carry a
// username; for the other schemes credentials are supplied by the askpass
// Session.
func RepoURL(s Source, opts URLOptions) (string, error) {
	u, e := url.Parse(s.URL)
	if e != nil {
		return "", e
	}
	scheme := strings.ToLower(u.Scheme)
	if opts.Scheme != "" {
		scheme = strings.ToLower(opts.Scheme)
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if scheme == "ssh" {
		user := opts.Username
		if user == "" {
			user = s.Username
		}
		if user == "" && u.User != nil {
			user = u.User.Username()
		}
		if user != "" {
			b.WriteString(url.QueryEscape(user))
			b.WriteString("@")
		}
	} else if opts.Username != "" && !opts.StripUsername {
		b.WriteString(url.QueryEscape(opts.Username))
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}
