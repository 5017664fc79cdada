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

// Package gitvisor keeps a set of git-hosted web applications deployed.
//
// Each Project names a repository URL, the credentials needed to reach it,
// and a TCP port that the application must serve on.  The Manager clones
// (or pulls) the repository into a directory under a configured root,
// starts the application detached from the daemon with its output going
// to two log files in the clone, and uses a TCP connect to the port as
// the only test for whether the application is up.
//
// Two reconciliation passes keep things converged: FetchAll pulls new
// commits for every project, and EnsureRunning starts every project whose
// port does not answer.  Both walk the Store in id order, a page at a time,
// and neither ever fails because of a single project.  Per-project failures
// are recorded in the project's LastError field instead, which is also what
// an operator looks at to see whether a project is healthy.
//
// The passes are meant to be run on an interval by the scheduler package.
// The rest package exposes the Manager over HTTP, and the gitvisord and
// gitvisor commands are the daemon and its client.
//
package gitvisor
