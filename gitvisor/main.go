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

// Command gitvisor is a client for gitvisord.  It uses subcommands.
//
// The flags are
//
//	-a <address>	- the daemon's address, default is
//			  http://127.0.0.1:8321 or $GITVISOR_ADDR
//
// Subcommands are
//
//	projects               - list all projects
//	status [<id> ...]      - show status for the given projects (or all)
//	info                   - show information about the daemon
//	add                    - add a project (see add --help)
//	remove <id>            - stop and remove a project
//	update <id>            - pull the project's repository
//	start <id>             - (re)start the project's server
//	stop <id>              - stop the project's server
//	logs <id>              - print the project's access or error log
//	log                    - print the daemon's own log
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/gdamore/gitvisor"
	"github.com/gdamore/gitvisor/rest"
)

var version = "0.1.0"

var addr = "http://127.0.0.1:8321"

var (
	green = lipgloss.Color("#10b981")
	red   = lipgloss.Color("#ef4444")
	dim   = lipgloss.Color("#64748b")

	headerStyle  = lipgloss.NewStyle().Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(green).Width(8)
	failedStyle  = lipgloss.NewStyle().Foreground(red)
	stoppedStyle = lipgloss.NewStyle().Foreground(dim).Width(8)
	timeStyle    = lipgloss.NewStyle().Foreground(dim)
	labelStyle   = lipgloss.NewStyle().Width(12).Foreground(dim)
)

func client() *rest.Client {
	return rest.NewClient(nil, addr)
}

func parseID(s string) (int64, error) {
	id, e := strconv.ParseInt(s, 10, 64)
	if e != nil || id <= 0 {
		return 0, fmt.Errorf("bad project id %q", s)
	}
	return id, nil
}

func status(s *gitvisor.ProjectStatus) string {
	if s.Running {
		return runningStyle.Render("running")
	}
	if s.LastError != "" {
		return failedStyle.Width(8).Render("failed")
	}
	return stoppedStyle.Render("stopped")
}

func short(commit string) string {
	if len(commit) > 10 {
		return commit[:10]
	}
	return commit
}

type sorted []*gitvisor.ProjectStatus

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if (a.LastError != "") != (b.LastError != "") {
		// put failed items at front
		return a.LastError != ""
	}
	if a.Running != b.Running {
		return a.Running
	}
	return a.Name < b.Name
}

func showStatus(s *gitvisor.ProjectStatus) {
	fmt.Printf("%5d %-20s %5d %s %-10s %s\n", s.ID, s.Name, s.Port,
		status(s), short(s.LastCommit), failedStyle.Render(s.LastError))
}

func showProject(s *gitvisor.ProjectStatus) {
	field := func(label string, v interface{}) {
		fmt.Printf("%s %v\n", labelStyle.Render(label), v)
	}
	field("ID:", s.ID)
	field("Name:", s.Name)
	field("Desc:", s.Description)
	field("URL:", s.URL)
	field("Port:", s.Port)
	field("Status:", status(s))
	field("Commit:", s.LastCommit)
	if s.SSHPubKey != "" {
		field("Deploy key:", s.SSHPubKey)
	}
	if s.LastError != "" {
		field("Error:", failedStyle.Render(s.LastError))
	}
}

var rootCmd = &cobra.Command{
	Use:           "gitvisor",
	Short:         "Manage the projects of a gitvisord daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List all projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, e := client().Projects(cmd.Context())
		if e != nil {
			return e
		}
		for _, p := range l {
			fmt.Printf("%5d %s\n", p.ID, p.Name)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [<id> ...]",
	Short: "Show status for the given projects, or all of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client()
		ctx := cmd.Context()
		var infos []*gitvisor.ProjectStatus
		if len(args) == 0 {
			l, e := c.Projects(ctx)
			if e != nil {
				return e
			}
			infos = l
		}
		for _, a := range args {
			id, e := parseID(a)
			if e != nil {
				return e
			}
			s, e := c.Project(ctx, id)
			if e != nil {
				fmt.Fprintf(os.Stderr, "Failed: %v\n", e)
				continue
			}
			infos = append(infos, s)
		}
		if len(infos) == 0 {
			return nil
		}
		sort.Sort(sorted(infos))
		fmt.Println(headerStyle.Render(fmt.Sprintf("%5s %-20s %5s %-8s %-10s %s",
			"ID", "NAME", "PORT", "STATUS", "COMMIT", "ERROR")))
		for _, s := range infos {
			showStatus(s)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info [<id>]",
	Short: "Show information about the daemon, or one project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client()
		if len(args) == 1 {
			id, e := parseID(args[0])
			if e != nil {
				return e
			}
			s, e := c.Project(cmd.Context(), id)
			if e != nil {
				return e
			}
			showProject(s)
			return nil
		}
		info, e := c.Info(cmd.Context())
		if e != nil {
			return e
		}
		fmt.Printf("%s %s\n", labelStyle.Render("Name:"), info.Name)
		fmt.Printf("%s %s\n", labelStyle.Render("Repo root:"), info.RepoRoot)
		fmt.Printf("%s %v\n", labelStyle.Render("Up since:"), info.CreateTime.Format(time.RFC3339))
		fmt.Printf("%s %v\n", labelStyle.Render("Changed:"), info.UpdateTime.Format(time.RFC3339))
		return nil
	},
}

var addProject gitvisor.Project
var sshKeyFile, sshPubKeyFile string

func readKeys(p *gitvisor.Project) error {
	if sshKeyFile != "" {
		b, e := os.ReadFile(sshKeyFile)
		if e != nil {
			return e
		}
		p.SSHKey = string(b)
	}
	if sshPubKeyFile != "" {
		b, e := os.ReadFile(sshPubKeyFile)
		if e != nil {
			return e
		}
		p.SSHPubKey = strings.TrimSpace(string(b))
	}
	return nil
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a project; it is cloned before it is saved",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := addProject.Copy()
		if e := readKeys(p); e != nil {
			return e
		}
		np, e := client().Create(cmd.Context(), p)
		if e != nil {
			return e
		}
		fmt.Printf("Added project %d (%s)\n", np.ID, np.Name)
		return nil
	},
}

// idCommand makes a subcommand taking a single project id.
func idCommand(use, short string, fn func(ctx context.Context, c *rest.Client, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, e := parseID(args[0])
			if e != nil {
				return e
			}
			return fn(cmd.Context(), client(), id)
		},
	}
}

type action func(ctx context.Context, id int64) (*gitvisor.ProjectStatus, error)

func runAction(fn action) func(context.Context, *rest.Client, int64) error {
	return func(ctx context.Context, c *rest.Client, id int64) error {
		s, e := fn(ctx, id)
		if e != nil {
			return e
		}
		showStatus(s)
		return nil
	}
}

var errorLog bool

var logsCmd = idCommand("logs", "Print the project's access log, or its error log with --error",
	func(ctx context.Context, c *rest.Client, id int64) error {
		if errorLog {
			return c.ErrorLog(ctx, id, os.Stdout)
		}
		return c.AccessLog(ctx, id, os.Stdout)
	})

var follow bool

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the daemon's own log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client()
		ctx := cmd.Context()
		li, e := c.GetLog(ctx)
		if e != nil {
			return e
		}
		var last int64
		for {
			for _, r := range li.Records {
				if r.Id <= last {
					continue
				}
				fmt.Printf("%s %s\n", timeStyle.Render(r.Time.Format("2006/01/02 15:04:05")), r.Text)
				last = r.Id
			}
			if !follow {
				return nil
			}
			if li, e = c.WatchLog(ctx, li); e != nil {
				return e
			}
		}
	},
}

func init() {
	if a := os.Getenv("GITVISOR_ADDR"); a != "" {
		addr = a
	}
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", addr, "gitvisord address")

	f := addCmd.Flags()
	f.StringVar(&addProject.Name, "name", "", "project name")
	f.StringVar(&addProject.Description, "description", "", "project description")
	f.StringVar(&addProject.URL, "url", "", "repository URL")
	f.IntVar(&addProject.Port, "port", 0, "port the application listens on")
	f.StringVar(&addProject.GitUsername, "username", "", "git user name")
	f.StringVar(&addProject.GitPassword, "password", "", "git password or token")
	f.BoolVar(&addProject.UseDeployKey, "deploy-key", false, "authenticate with an SSH deploy key")
	f.StringVar(&sshKeyFile, "ssh-key", "", "file holding the SSH private key")
	f.StringVar(&sshPubKeyFile, "ssh-pubkey", "", "file holding the SSH public key")
	f.StringVar(&addProject.SSHKeyPassphrase, "passphrase", "", "passphrase of the SSH private key")
	addCmd.MarkFlagRequired("url")
	addCmd.MarkFlagRequired("port")

	logsCmd.Flags().BoolVarP(&errorLog, "error", "e", false, "print the error log")
	logCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new records")

	rootCmd.AddCommand(projectsCmd, statusCmd, infoCmd, addCmd, logsCmd, logCmd)
	rootCmd.AddCommand(
		idCommand("remove", "Stop and remove a project",
			func(ctx context.Context, c *rest.Client, id int64) error {
				return c.Remove(ctx, id)
			}),
		idCommand("update", "Pull the project's repository",
			func(ctx context.Context, c *rest.Client, id int64) error {
				return runAction(c.Update)(ctx, c, id)
			}),
		idCommand("start", "(Re)start the project's server",
			func(ctx context.Context, c *rest.Client, id int64) error {
				return runAction(c.Start)(ctx, c, id)
			}),
		idCommand("stop", "Stop the project's server",
			func(ctx context.Context, c *rest.Client, id int64) error {
				return runAction(c.Stop)(ctx, c, id)
			}),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failedStyle.Render("Failed: "+err.Error()))
		os.Exit(1)
	}
}
