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
	"errors"
)

var (
	ErrNoProject      = errors.New("No such project")
	ErrBadScheme      = errors.New("Repository URL must use http, https, ssh or git")
	ErrBadURL         = errors.New("Repository URL is not valid")
	ErrBadPort        = errors.New("Port must be between 1000 and 9999")
	ErrPortTaken      = errors.New("Port is assigned to another project")
	ErrURLTaken       = errors.New("URL is assigned to another project")
	ErrDirTaken       = errors.New("Repository path is used by another project")
	ErrPortInUse      = errors.New("Another process is already running on the port")
	ErrPortForeign    = errors.New("Port is held by a process we did not start")
	ErrNoClone        = errors.New("Project has not been cloned")
	ErrInvalidRepo    = errors.New("Local clone is not a valid git repository")
	ErrNoRequirements = errors.New("Project has no requirements file")
	ErrNotStarted     = errors.New("Application did not start listening")
	ErrRateLimited    = errors.New("Restarting too quickly")
)
