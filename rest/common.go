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

// Package rest exposes a gitvisor Manager over HTTP, and provides a
// client for it.
package rest

import (
	"errors"
	"net/http"

	"github.com/gdamore/gitvisor"
	"github.com/gdamore/gitvisor/credential"
)

const (
	mimeJson = "application/json; charset=UTF-8"
	mimeText = "text/plain; charset=UTF-8"
)

// A client that sends PollEtagHeader along with a matching If-None-Match
// waits up to PollTimeHeader seconds for the resource to change.
const (
	PollEtagHeader = "X-Gitvisor-Poll-Etag"
	PollTimeHeader = "X-Gitvisor-Poll-Time"
	MaxPollTime    = 300
)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// NotFound reports whether err is a 404 from the server.
func NotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == http.StatusNotFound
}

// errorFor maps a Manager error onto an HTTP status.
func errorFor(err error) *Error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, gitvisor.ErrNoProject),
		errors.Is(err, gitvisor.ErrNoClone):
		code = http.StatusNotFound
	case errors.Is(err, gitvisor.ErrBadScheme),
		errors.Is(err, gitvisor.ErrBadURL),
		errors.Is(err, gitvisor.ErrBadPort),
		errors.Is(err, credential.ErrKeyMismatch),
		errors.Is(err, credential.ErrBadKey),
		errors.Is(err, credential.ErrPassphraseRequired):
		code = http.StatusBadRequest
	case errors.Is(err, gitvisor.ErrPortTaken),
		errors.Is(err, gitvisor.ErrURLTaken),
		errors.Is(err, gitvisor.ErrDirTaken),
		errors.Is(err, gitvisor.ErrPortInUse),
		errors.Is(err, gitvisor.ErrPortForeign):
		code = http.StatusConflict
	case errors.Is(err, gitvisor.ErrRateLimited):
		code = http.StatusTooManyRequests
	}
	return &Error{Code: code, Message: err.Error()}
}
