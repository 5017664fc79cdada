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
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

func parseSigner(c Credential) (ssh.Signer, error) {
	key := []byte(c.PrivateKey)
	var signer ssh.Signer
	var e error
	if c.Passphrase != "" {
		signer, e = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.Passphrase))
	} else {
		signer, e = ssh.ParsePrivateKey(key)
	}
	if e != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(e, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, fmt.Errorf("%w: %v", ErrBadKey, e)
	}
	return signer, nil
}

// ValidateKeypair checks that an SSHKeypair credential can actually be
// used: the private key must parse (with the passphrase, if any), and a
// stored public key must belong to it.  Other kinds are always valid.
func ValidateKeypair(c Credential) error {
	if c.Kind != SSHKeypair {
		return nil
	}
	signer, e := parseSigner(c)
	if e != nil {
		return e
	}
	if strings.TrimSpace(c.PublicKey) == "" {
		return nil
	}
	pub, _, _, _, e := ssh.ParseAuthorizedKey([]byte(c.PublicKey))
	if e != nil {
		return fmt.Errorf("%w: %v", ErrKeyMismatch, e)
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		return ErrKeyMismatch
	}
	return nil
}

// PublicKey returns the authorized_keys line for the credential's private
// key.  This is what an operator adds to the repository as a deploy key.
func PublicKey(c Credential) (string, error) {
	if c.Kind != SSHKeypair {
		return "", ErrBadKey
	}
	signer, e := parseSigner(c)
	if e != nil {
		return "", e
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}
