package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/controller"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/lock"
	"github.com/carlosprados/wingman/internal/logging"
	"github.com/carlosprados/wingman/internal/platform"
	"github.com/carlosprados/wingman/internal/state"
	"github.com/carlosprados/wingman/internal/store"
	"github.com/carlosprados/wingman/internal/version"
	"github.com/spf13/cobra"
)

type globals struct {
	configPath string
	root       string
	logLevel   string
	addr       string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "wingmanctl",
		Short:         "Install, start and inspect the Wingman agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.Setup(g.logLevel)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "controller config file (TOML); default <root>/wingman.toml")
	pf.StringVar(&g.root, "root", "", "install root; default WINGMAN_ROOT or ~/.bitowingman")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&g.addr, "addr", "http://127.0.0.1:8095", "wingmand base URL for call")

	root.AddCommand(
		newInstallCmd(g, stdout),
		newStartCmd(g, stdout),
		newStopCmd(g, stdout),
		newStatusCmd(g, stdout),
		newCheckUpdateCmd(g, stdout),
		newVersionCmd(stdout),
		newCallCmd(g, stdout),
	)
	return root
}

// load reads the controller config honoring --root and --config.
func (g *globals) load() (config.Config, error) {
	root := g.root
	if root == "" {
		root = os.Getenv("WINGMAN_ROOT")
	}
	if root == "" {
		root = config.DefaultRoot()
	}
	path := g.configPath
	if path == "" {
		path = filepath.Join(root, "wingman.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if g.root != "" {
		cfg.Root = g.root
	}
	return cfg, nil
}

func (g *globals) stack(ctx context.Context) (*controller.Stack, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return controller.Assemble(ctx, cfg, controller.AssembleOptions{UserAgent: "wingmanctl/" + version.Version, Workers: 1})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInstallCmd(g *globals, stdout io.Writer) *cobra.Command {
	var ws, user int
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download and install the agent and tools for this platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if t := platform.Current(); !t.Supported {
				return withCode(exitUnsupported, errdefs.New(errdefs.UnsupportedPlatform, "install"))
			}
			st, err := g.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			out, err := st.Controller.RunCycle(cmd.Context(), store.Session{Identity: identity.New(ws, user)})
			if err != nil {
				return withCode(exitDownload, err)
			}
			if out.SkippedByOther {
				return withCode(exitBusy, errdefs.New(errdefs.AnotherDownloadInProgress, "install"))
			}
			return printJSON(stdout, out)
		},
	}
	cmd.Flags().IntVar(&ws, "ws", 0, "workspace id reported as the downloader")
	cmd.Flags().IntVar(&user, "user", 0, "user id reported as the downloader")
	return cmd
}

func newStartCmd(g *globals, stdout io.Writer) *cobra.Command {
	var (
		ws, user int
		project  string
		token    string
		lang     string
		detach   bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start (or attach to) the agent for an identity and supervise it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := identity.New(ws, user)
			if !id.Valid() {
				return withCode(exitFailure, errdefs.New(errdefs.MissingIdentity, "start"))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			st, err := g.stack(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			info, err := st.Controller.StartAgent(ctx, store.Session{
				Identity:         id,
				ProjectID:        project,
				ParentPID:        os.Getpid(),
				Token:            token,
				ResponseLanguage: lang,
			})
			if err != nil {
				return withCode(exitSupervisor, err)
			}
			if err := printJSON(stdout, info); err != nil {
				return err
			}
			if detach {
				return nil
			}
			<-ctx.Done()
			// release this process's reference; the agent stops when it was the last
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err = st.Supervisor.Stop(stopCtx, os.Getpid(), project)
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&ws, "ws", 0, "workspace id")
	f.IntVar(&user, "user", 0, "user id")
	f.StringVar(&project, "project", "cli", "project id attached to the agent")
	f.StringVar(&token, "token", "", "auth token used to obtain the workspace API key")
	f.StringVar(&lang, "lang", "", "agent response language")
	f.BoolVar(&detach, "detach", false, "return once the agent is ready instead of supervising it")
	return cmd
}

func newStopCmd(g *globals, stdout io.Writer) *cobra.Command {
	var (
		parentPID int
		project   string
		ws, user  int
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Detach a project from its agent, or stop an identity's agent with --ws/--user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if id := identity.New(ws, user); id.Valid() {
				if err := st.Supervisor.StopIdentity(cmd.Context(), id); err != nil {
					return withCode(exitSupervisor, err)
				}
				return printJSON(stdout, map[string]any{"identity": id.String(), "stopped": true})
			}
			if parentPID <= 0 || project == "" {
				return fmt.Errorf("either --ws/--user or --parent-pid/--project is required")
			}
			stopped, err := st.Supervisor.Stop(cmd.Context(), parentPID, project)
			if err != nil {
				return withCode(exitSupervisor, err)
			}
			return printJSON(stdout, map[string]any{"stopped": stopped})
		},
	}
	f := cmd.Flags()
	f.IntVar(&parentPID, "parent-pid", 0, "host process id that attached the project")
	f.StringVar(&project, "project", "", "project id")
	f.IntVar(&ws, "ws", 0, "workspace id")
	f.IntVar(&user, "user", 0, "user id")
	return cmd
}

func newStatusCmd(g *globals, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the install manifest, download lock holder and process records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			m, found, err := state.Load(st.Layout.StatusFile())
			if err != nil {
				return err
			}
			tools, _ := st.Layout.ToolsVersion()
			holder, _ := lock.NewPIDFile(st.Layout.PIDFile()).Holder(cmd.Context())
			recs, err := st.Supervisor.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stdout, map[string]any{
				"root":           st.Layout.Root,
				"platform":       st.Target,
				"installed":      found,
				"install":        m,
				"toolsVersion":   tools,
				"downloadHolder": holder,
				"agents":         recs,
			})
		},
	}
}

func newCheckUpdateCmd(g *globals, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check-update",
		Short: "Compare the installed agent and tools with the release manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return printJSON(stdout, map[string]any{
				"binary": st.Checker.IsBinaryUpdateRequired(cmd.Context()),
				"tools":  st.Checker.IsBinaryToolsUpdateRequired(cmd.Context()),
			})
		},
	}
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "wingmanctl %s (%s)\n", version.Version, version.Commit)
		},
	}
}

func newCallCmd(g *globals, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "call <command> [json]",
		Short: "Send a host command to a running wingmand",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := "{}"
			if len(args) == 2 {
				body = args[1]
			}
			url := strings.TrimRight(g.addr, "/") + "/v1/commands/" + strings.Trim(args[0], "/")
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader([]byte(body)))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var v any
			if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			if err := printJSON(stdout, v); err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				return fmt.Errorf("%s returned %s", args[0], resp.Status)
			}
			return nil
		},
	}
}
