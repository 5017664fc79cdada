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

// Command gitvisord is the gitvisor daemon.  It keeps a set of projects,
// each a git repository holding a Python web application, cloned and
// up to date, and keeps each application's server running on its port.
//
// Subcommands are
//
//	serve       - run the daemon
//	flushqueue  - clear the scheduler registry
//	version     - print the version
//
// When run by git with GITVISOR_ASKPASS_SESSION set, it acts as the
// askpass helper instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gdamore/gitvisor"
	"github.com/gdamore/gitvisor/credential"
	"github.com/gdamore/gitvisor/rest"
	"github.com/gdamore/gitvisor/scheduler"
	"github.com/gdamore/gitvisor/store"
)

var version = "0.1.0"

var (
	cfgFile  string
	listen   string
	repoRoot string
	name     string
)

var rootCmd = &cobra.Command{
	Use:   "gitvisord",
	Short: "Keep git-deployed web applications cloned, current and running",
	Long: `gitvisord clones the repositories of its projects, pulls them
periodically, and keeps each project's application server running on
its assigned port.  Projects are managed over a REST API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, e := loadConfig(cmd)
		if e != nil {
			return e
		}
		return serve(cfg)
	},
}

var flushCmd = &cobra.Command{
	Use:   "flushqueue",
	Short: "Remove every job registration and lock from the scheduler registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, e := loadConfig(cmd)
		if e != nil {
			return e
		}
		reg, closeReg, e := openRegistry(cfg)
		if e != nil {
			return e
		}
		defer closeReg()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if e := scheduler.New(reg, nil).Flush(ctx); e != nil {
			return e
		}
		fmt.Println("Scheduler registry flushed")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file (YAML)")
	serveCmd.Flags().StringVarP(&listen, "listen", "a", "", "listen address")
	serveCmd.Flags().StringVarP(&repoRoot, "root", "d", "", "directory to keep clones under")
	serveCmd.Flags().StringVarP(&name, "name", "n", "", "daemon name")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig applies the file, then the environment, then flags.
func loadConfig(cmd *cobra.Command) (gitvisor.Config, error) {
	cfg, e := gitvisor.LoadConfig(cfgFile)
	if e != nil {
		return cfg, e
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listen
	}
	if cmd.Flags().Changed("root") {
		cfg.RepoRoot = repoRoot
	}
	if cmd.Flags().Changed("name") {
		cfg.Name = name
	}
	if cfg.Git.Askpass == "" {
		if exe, e := os.Executable(); e == nil {
			cfg.Git.Askpass = exe
		}
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg gitvisor.Config) (gitvisor.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, e := store.OpenPostgres(ctx, cfg.Store.DSN)
		if e != nil {
			return nil, nil, e
		}
		return s, s.Close, nil
	default:
		s, e := store.OpenFile(cfg.Store.Path)
		if e != nil {
			return nil, nil, e
		}
		return s, func() {}, nil
	}
}

func openRegistry(cfg gitvisor.Config) (scheduler.Registry, func(), error) {
	switch cfg.Scheduler.Registry {
	case "redis":
		sc := cfg.Scheduler
		r, e := scheduler.NewRedisRegistry(sc.RedisAddr, sc.RedisPassword, sc.RedisDB)
		if e != nil {
			return nil, nil, e
		}
		return r, func() { r.Close() }, nil
	default:
		return scheduler.NewMemoryRegistry(), func() {}, nil
	}
}

func serve(cfg gitvisor.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if e := os.MkdirAll(cfg.RepoRoot, 0755); e != nil {
		return e
	}
	st, closeStore, e := openStore(ctx, cfg)
	if e != nil {
		return fmt.Errorf("open store: %w", e)
	}
	defer closeStore()

	reg, closeReg, e := openRegistry(cfg)
	if e != nil {
		return fmt.Errorf("open scheduler registry: %w", e)
	}
	defer closeReg()

	m := gitvisor.NewManager(cfg, st)
	logger := m.Logger()

	sched := scheduler.New(reg, logger)
	if e := sched.ResetAndInstall(ctx,
		scheduler.Job{Name: gitvisor.JobFetchAll, Interval: cfg.Interval, Run: m.FetchAll},
		scheduler.Job{Name: gitvisor.JobEnsureRunning, Interval: cfg.Interval, Run: m.EnsureRunning},
	); e != nil {
		return fmt.Errorf("install jobs: %w", e)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           rest.NewHandler(m),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s", cfg.Listen)
		if e := srv.ListenAndServe(); !errors.Is(e, http.ErrServerClosed) {
			return e
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func main() {
	if os.Getenv(credential.EnvSession) != "" {
		os.Exit(credential.RunAskpass(os.Args, os.Stdout, os.Stderr))
	}
	if err := rootCmd.Execute(); err != nil {
		log.Printf("gitvisord: %v", err)
		os.Exit(1)
	}
}
