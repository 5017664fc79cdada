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

package credential

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvSession names the environment variable that carries the session
// directory to the askpass helper.  A process started with it set is
// being run as the helper.
const EnvSession = "GITVISOR_ASKPASS_SESSION"

const (
	answersFile  = "answers.yaml"
	identityFile = "identity"
	rejectedFile = "rejected"
)

type answers struct {
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

// Session hands one credential to one git operation.  git (or ssh) asks
// for credentials by running the helper executable with the prompt as its
// argument; the helper calls Answer, which answers each kind of prompt at
// most once.  Being asked a second time means the transport rejected what
// we gave it, and some transports will keep asking forever, so the second
// request fails instead and the session is marked rejected.
//
// The session state lives in a private temporary directory, because the
// helper runs as a separate process.  Close removes it.
type Session struct {
	dir    string
	cred   Credential
	helper string
}

// NewSession prepares a session for cred.  The helper is the executable
// git should run to ask for credentials; when empty, git is not given a
// way to ask and fails instead.
func NewSession(cred Credential, helper string) (*Session, error) {
	dir, e := os.MkdirTemp("", "gitvisor-askpass-")
	if e != nil {
		return nil, e
	}
	s := &Session{dir: dir, cred: cred, helper: helper}

	a := answers{}
	switch cred.Kind {
	case HTTPBasic, SSHPassword:
		a.Username = cred.Username
		a.Password = cred.Password
	case SSHKeypair:
		a.Username = cred.Username
		a.Passphrase = cred.Passphrase
		key := cred.PrivateKey
		if !strings.HasSuffix(key, "\n") {
			key += "\n"
		}
		if e := os.WriteFile(s.path(identityFile), []byte(key), 0600); e != nil {
			s.Close()
			return nil, e
		}
	}
	b, e := yaml.Marshal(&a)
	if e != nil {
		s.Close()
		return nil, e
	}
	if e := os.WriteFile(s.path(answersFile), b, 0600); e != nil {
		s.Close()
		return nil, e
	}
	return s, nil
}

func (s *Session) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Dir returns the session directory.
func (s *Session) Dir() string {
	return s.dir
}

// Kind returns the kind of credential the session supplies.
func (s *Session) Kind() Kind {
	return s.cred.Kind
}

// Env returns the environment entries to add to a git command.
func (s *Session) Env() []string {
	env := []string{
		"GIT_TERMINAL_PROMPT=0",
		EnvSession + "=" + s.dir,
	}
	if s.helper != "" && s.cred.Kind != Anonymous {
		env = append(env,
			"GIT_ASKPASS="+s.helper,
			"SSH_ASKPASS="+s.helper,
			"SSH_ASKPASS_REQUIRE=force")
	}
	switch s.cred.Kind {
	case SSHKeypair:
		env = append(env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i '%s' "+
			"-o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new",
			s.path(identityFile)))
	case SSHPassword:
		env = append(env, "GIT_SSH_COMMAND=ssh "+
			"-o PreferredAuthentications=password,keyboard-interactive "+
			"-o StrictHostKeyChecking=accept-new")
	default:
		env = append(env, "GIT_SSH_COMMAND=ssh -o BatchMode=yes "+
			"-o StrictHostKeyChecking=accept-new")
	}
	return env
}

// Rejected reports whether the helper was asked the same question twice.
func (s *Session) Rejected() bool {
	_, e := os.Stat(s.path(rejectedFile))
	return e == nil
}

// Close removes the session directory, including any key material.
func (s *Session) Close() error {
	return os.RemoveAll(s.dir)
}

func promptKind(prompt string) (string, error) {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "username"):
		return "username", nil
	case strings.Contains(p, "passphrase"):
		return "passphrase", nil
	case strings.Contains(p, "password"):
		return "password", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPrompt, prompt)
}

// Answer answers a credential prompt for the session in dir.  Each kind
// of prompt is answered once; asking again returns ErrCredentialsRejected.
func Answer(dir string, prompt string) (string, error) {
	if dir == "" {
		return "", ErrNoSession
	}
	kind, e := promptKind(prompt)
	if e != nil {
		return "", e
	}
	marker := filepath.Join(dir, "asked-"+kind)
	f, e := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if e != nil {
		if os.IsExist(e) {
			os.WriteFile(filepath.Join(dir, rejectedFile), []byte(kind+"\n"), 0600)
			return "", ErrCredentialsRejected
		}
		return "", e
	}
	f.Close()

	b, e := os.ReadFile(filepath.Join(dir, answersFile))
	if e != nil {
		return "", e
	}
	var a answers
	if e := yaml.Unmarshal(b, &a); e != nil {
		return "", e
	}
	switch kind {
	case "username":
		return a.Username, nil
	case "passphrase":
		return a.Passphrase, nil
	}
	return a.Password, nil
}

// RunAskpass implements the askpass helper.  args are the helper's
// command line arguments, the last of which git and ssh use for the
// prompt.  The answer goes to stdout.  The return value is the exit code.
func RunAskpass(args []string, stdout, stderr io.Writer) int {
	prompt := ""
	if len(args) > 1 {
		prompt = strings.Join(args[1:], " ")
	}
	ans, e := Answer(os.Getenv(EnvSession), prompt)
	if e != nil {
		fmt.Fprintf(stderr, "gitvisor askpass: %v\n", e)
		return 1
	}
	fmt.Fprintln(stdout, ans)
	return 0
}
