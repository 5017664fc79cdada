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
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.  Zero values are replaced by the
// defaults from DefaultConfig when loaded with LoadConfig.
type Config struct {
	Name        string          `yaml:"name"`
	Listen      string          `yaml:"listen"`
	RepoRoot    string          `yaml:"repo_root"`
	Interval    time.Duration   `yaml:"interval"`
	Parallelism int             `yaml:"parallelism"`
	PageSize    int             `yaml:"page_size"`
	Git         GitConfig       `yaml:"git"`
	Runner      RunnerConfig    `yaml:"runner"`
	Store       StoreConfig     `yaml:"store"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
}

// GitConfig controls how git is run.
type GitConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`

	// Askpass is the helper executable git runs to ask for
	// credentials, normally the daemon itself.
	Askpass string `yaml:"askpass"`
}

// RunnerConfig controls how applications are installed and launched.
// Commands are templates: {dir}, {env}, {bin}, {port}, {access_log} and
// {error_log} are substituted before running them.
type RunnerConfig struct {
	VirtualEnv        bool          `yaml:"virtualenv"`
	VirtualEnvCommand []string      `yaml:"virtualenv_command"`
	InstallCommand    []string      `yaml:"install_command"`
	ServeCommand      []string      `yaml:"serve_command"`
	ServeEnv          []string      `yaml:"serve_env"`
	Requirements      string        `yaml:"requirements"`
	EntryPoint        string        `yaml:"entry_point"`
	InstallTimeout    time.Duration `yaml:"install_timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	StartGrace        time.Duration `yaml:"start_grace"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	RateLimit         int           `yaml:"rate_limit"`
	RatePeriod        time.Duration `yaml:"rate_period"`
}

// StoreConfig selects the project store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "file" or "postgres"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// SchedulerConfig selects where schedule registrations are kept.
type SchedulerConfig struct {
	Registry      string `yaml:"registry"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

const entryPoint = `from app import app

if __name__ == '__main__':
    app.run()
`

// baseDir picks a default state directory, in the same way for every
// platform we care about: $GITVISORDIR, then /var/lib for root, then the
// home directory.
func baseDir() string {
	if d := os.Getenv("GITVISORDIR"); d != "" {
		return d
	}
	switch runtime.GOOS {
	case "windows":
		if h := os.Getenv("HOME"); h != "" {
			return filepath.Join(h, "gitvisor")
		}
		return "C:\\gitvisor"
	default:
		if os.Geteuid() == 0 {
			return "/var/lib/gitvisor"
		}
		if h := os.Getenv("HOME"); h != "" {
			return filepath.Join(h, ".gitvisor")
		}
	}
	return "."
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	base := baseDir()
	return Config{
		Name:        "gitvisord",
		Listen:      "127.0.0.1:8321",
		RepoRoot:    filepath.Join(base, "repos"),
		Interval:    time.Minute,
		Parallelism: 1,
		PageSize:    200,
		Git: GitConfig{
			Binary:  "git",
			Timeout: 10 * time.Minute,
		},
		Runner: RunnerConfig{
			VirtualEnv:        true,
			VirtualEnvCommand: []string{"python3", "-m", "venv", "{env}"},
			InstallCommand:    []string{"{bin}pip", "install", "-r", "requirements.txt"},
			ServeCommand: []string{"{bin}gunicorn", "-b", "0.0.0.0:{port}",
				"start:app", "--access-logfile", "-", "--error-logfile", "-"},
			Requirements:   "requirements.txt",
			EntryPoint:     entryPoint,
			InstallTimeout: 10 * time.Minute,
			ProbeTimeout:   5 * time.Second,
			StartGrace:     10 * time.Second,
			StopTimeout:    5 * time.Second,
			RateLimit:      10,
			RatePeriod:     10 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   filepath.Join(base, "projects.yaml"),
		},
		Scheduler: SchedulerConfig{
			Registry:  "memory",
			RedisAddr: "127.0.0.1:6379",
		},
	}
}

// LoadConfig reads a YAML configuration file over the defaults, then
// applies GITVISOR_* environment overrides.  An empty path skips the
// file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, e := os.ReadFile(path)
		if e != nil {
			return cfg, e
		}
		if e := yaml.Unmarshal(b, &cfg); e != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, e)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func envString(key string, v *string) {
	if s, ok := os.LookupEnv(key); ok {
		*v = s
	}
}

func envInt(key string, v *int) {
	if s, ok := os.LookupEnv(key); ok {
		n, e := strconv.Atoi(s)
		if e != nil {
			log.Printf("invalid value for %s: %v", key, e)
			return
		}
		*v = n
	}
}

func envBool(key string, v *bool) {
	if s, ok := os.LookupEnv(key); ok {
		b, e := strconv.ParseBool(s)
		if e != nil {
			log.Printf("invalid value for %s: %v", key, e)
			return
		}
		*v = b
	}
}

func envDuration(key string, v *time.Duration) {
	if s, ok := os.LookupEnv(key); ok {
		d, e := time.ParseDuration(s)
		if e != nil {
			log.Printf("invalid value for %s: %v", key, e)
			return
		}
		*v = d
	}
}

func (c *Config) applyEnv() {
	envString("GITVISOR_NAME", &c.Name)
	envString("GITVISOR_LISTEN", &c.Listen)
	envString("GITVISOR_REPO_ROOT", &c.RepoRoot)
	envDuration("GITVISOR_INTERVAL", &c.Interval)
	envInt("GITVISOR_PARALLELISM", &c.Parallelism)
	envDuration("GITVISOR_GIT_TIMEOUT", &c.Git.Timeout)
	envBool("GITVISOR_VIRTUALENV", &c.Runner.VirtualEnv)
	envString("GITVISOR_STORE_DRIVER", &c.Store.Driver)
	envString("GITVISOR_STORE_PATH", &c.Store.Path)
	envString("GITVISOR_STORE_DSN", &c.Store.DSN)
	envString("GITVISOR_SCHEDULER_REGISTRY", &c.Scheduler.Registry)
	envString("GITVISOR_REDIS_ADDR", &c.Scheduler.RedisAddr)
	envString("GITVISOR_REDIS_PASSWORD", &c.Scheduler.RedisPassword)
	envInt("GITVISOR_REDIS_DB", &c.Scheduler.RedisDB)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.RepoRoot == "" {
		return fmt.Errorf("repo_root must be set")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.PageSize < 1 {
		c.PageSize = 200
	}
	if len(c.Runner.ServeCommand) == 0 {
		return fmt.Errorf("runner.serve_command must be set")
	}
	switch c.Store.Driver {
	case "file", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Scheduler.Registry {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown scheduler registry %q", c.Scheduler.Registry)
	}
	return nil
}
