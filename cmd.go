package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"snapcode/internal/config"
	"snapcode/internal/devserver"
	"snapcode/internal/framework"
	"snapcode/internal/generator"
	"snapcode/internal/index"
	"snapcode/internal/workspace"
)

// cliContext carries the global flags shared by every command
type cliContext struct {
	configPath string
}

func (c *cliContext) load() (config.AppConfig, string, error) {
	if c.configPath != "" {
		return config.LoadFrom(c.configPath)
	}
	return config.Load()
}

// withApp starts the services, runs fn and shuts everything down again.
func (c *cliContext) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, token, err := c.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app := NewApp(cfg, token)
	if err := app.startup(ctx); err != nil {
		return err
	}
	defer app.shutdown(context.WithoutCancel(ctx))
	return fn(ctx, app)
}

// report prints an action's status line and returns its error, if any.
func report(out io.Writer, r ActionResult) error {
	if r.OK {
		fmt.Fprintln(out, SuccessStyle.Render("✓ "+r.Message))
		return nil
	}
	fmt.Fprintln(out, ErrorStyle.Render("✗ "+r.Message))
	if r.Err != nil {
		return r.Err
	}
	return errors.New(r.Message)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	cli := &cliContext{}
	rootCmd := &cobra.Command{
		Use:   "snapcode",
		Short: "Turn UI screenshots into front-end code",
		Long: `Snapcode sends a screenshot of a user interface to a local vision model and
writes the component it returns into a project of the chosen framework.

Projects live under the workspace root. Each one can be previewed with its
framework's development server, and every generation is recorded in the
project metadata and a searchable history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cli.configPath, "config", "", "Config file (default is the per-user config.yaml)")

	rootCmd.AddCommand(NewServeCommand(cli))
	rootCmd.AddCommand(NewProjectCommand(cli))
	rootCmd.AddCommand(NewGenerateCommand(cli))
	rootCmd.AddCommand(NewDevCommand(cli))
	rootCmd.AddCommand(NewHistoryCommand(cli))
	rootCmd.AddCommand(NewTokenCommand())
	rootCmd.AddCommand(NewConfigCommand(cli))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	if err := NewRootCommand().Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// ServeCommand handles the serve command
type ServeCommand struct {
	cli       *cliContext
	loadModel bool
}

// NewServeCommand creates the serve command
func NewServeCommand(cli *cliContext) *cobra.Command {
	cmd := &ServeCommand{cli: cli}
	cobraCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream",
		Long: `Starts the local API server. When server.require_token is set, requests need
the API token from the keyring; one is generated on first start.`,
		Example: `  # Serve and load the model right away
  snapcode serve --load-model`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}
	cobraCmd.Flags().BoolVar(&cmd.loadModel, "load-model", false, "Load the model after the server starts")
	return cobraCmd
}

func (s *ServeCommand) Run(cmd *cobra.Command, args []string) error {
	return s.cli.withApp(cmd, func(ctx context.Context, app *App) error {
		out := cmd.OutOrStdout()
		r := app.StartServer()
		if err := report(out, r); err != nil {
			return err
		}
		if data, ok := r.Data.(map[string]string); ok && data["token"] != "" {
			fmt.Fprintln(out, SubtleStyle.Render("API token: "+data["token"]))
		}
		if s.loadModel {
			// The server stays up even if the model cannot load yet.
			_ = report(out, app.LoadModel(ctx))
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		fmt.Fprintln(out, SubtleStyle.Render("Shutting down..."))
		return nil
	})
}

// NewProjectCommand creates the project command group
func NewProjectCommand(cli *cliContext) *cobra.Command {
	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Create and inspect projects",
	}

	var typ string
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold a new project",
		Example: `  snapcode project create landing --type react
  snapcode project create docs --type html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, app *App) error {
				return report(cmd.OutOrStdout(), app.CreateProject(args[0], typ))
			})
		},
	}
	createCmd.Flags().StringVarP(&typ, "type", "t", string(framework.React), "Framework: "+frameworkNames())

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects, most recently modified first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, app *App) error {
				r := app.ListProjects()
				if !r.OK {
					return report(cmd.ErrOrStderr(), r)
				}
				list := r.Data.([]workspace.Summary)
				if asJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				printProjects(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a project's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, app *App) error {
				r := app.OpenProject(args[0])
				if !r.OK {
					return report(cmd.ErrOrStderr(), r)
				}
				return printJSON(cmd.OutOrStdout(), r.Data)
			})
		},
	}

	treeCmd := &cobra.Command{
		Use:   "tree <name>",
		Short: "Print a project's file tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, app *App) error {
				r := app.ProjectTree(args[0])
				if !r.OK {
					return report(cmd.ErrOrStderr(), r)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, TitleStyle.Render(args[0]))
				fmt.Fprint(out, r.Data.(string))
				fmt.Fprintln(out, SubtleStyle.Render(r.Message))
				return nil
			})
		},
	}

	projectCmd.AddCommand(createCmd, listCmd, showCmd, treeCmd)
	return projectCmd
}

func frameworkNames() string {
	names := make([]string, 0, len(framework.All()))
	for _, t := range framework.All() {
		names = append(names, t.String())
	}
	return strings.Join(names, ", ")
}

func printProjects(out io.Writer, list []workspace.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(out, SubtleStyle.Render("No projects yet. Create one with 'snapcode project create'."))
		return
	}
	fmt.Fprintln(out, HeaderStyle.Render(fmt.Sprintf("%d project(s)", len(list))))
	for _, p := range list {
		line := fmt.Sprintf("%-24s %-8s %3d generation(s)  %s", p.Name, p.Type, p.Generations, p.Modified.Local().Format("2006-01-02 15:04"))
		if p.Corrupt {
			line += " " + WarnStyle.Render("(metadata recovered)")
		}
		fmt.Fprintln(out, line)
	}
}

// GenerateCommand handles the generate command
type GenerateCommand struct {
	cli         *cliContext
	target      string
	instruction string
	noSave      bool
	printCode   bool
}

// NewGenerateCommand creates the generate command
func NewGenerateCommand(cli *cliContext) *cobra.Command {
	cmd := &GenerateCommand{cli: cli}
	cobraCmd := &cobra.Command{
		Use:   "generate <project> <image>",
		Short: "Generate code from a screenshot",
		Long: `Loads the model, sends the screenshot and writes the returned code to the
target file. The target defaults to the framework's main component.`,
		Example: `  snapcode generate landing ./mock.png
  snapcode generate landing ./header.jpg --target src/Header.jsx --instruction "use flexbox"`,
		Args: cobra.ExactArgs(2),
		RunE: cmd.Run,
	}
	cobraCmd.Flags().StringVar(&cmd.target, "target", "", "File to write, relative to the project")
	cobraCmd.Flags().StringVarP(&cmd.instruction, "instruction", "i", "", "Additional requirements for the model")
	cobraCmd.Flags().BoolVar(&cmd.noSave, "no-screenshot", false, "Do not keep a copy of the screenshot")
	cobraCmd.Flags().BoolVar(&cmd.printCode, "print", false, "Print the generated code")
	return cobraCmd
}

func (g *GenerateCommand) Run(cmd *cobra.Command, args []string) error {
	return g.cli.withApp(cmd, func(ctx context.Context, app *App) error {
		out := cmd.OutOrStdout()
		if err := report(out, app.LoadModel(ctx)); err != nil {
			return err
		}
		fmt.Fprintln(out, SubtleStyle.Render("Generating..."))

		r := app.GenerateFromFile(ctx, args[0], args[1], g.target, g.instruction, !g.noSave)
		res, _ := r.Data.(*generator.Result)
		if !r.OK {
			if res != nil && res.Raw != "" {
				fmt.Fprintln(out, DescStyle.Render("Model output:"))
				fmt.Fprintln(out, BorderStyle.Render(strings.TrimSpace(res.Raw)))
			}
			return report(out, r)
		}
		_ = report(out, r)
		for _, w := range res.Warnings {
			fmt.Fprintln(out, WarnStyle.Render("! "+w))
		}
		fmt.Fprintln(out, SubtleStyle.Render("took "+res.Elapsed.Round(time.Millisecond).String()))
		if g.printCode {
			fmt.Fprintln(out, BorderStyle.Render(strings.TrimSuffix(res.Code, "\n")))
		}
		return nil
	})
}

// DevCommand handles the dev command
type DevCommand struct {
	cli *cliContext
}

// NewDevCommand creates the dev command
func NewDevCommand(cli *cliContext) *cobra.Command {
	cmd := &DevCommand{cli: cli}
	return &cobra.Command{
		Use:   "dev <project>",
		Short: "Run the project's preview server until interrupted",
		Long: `Installs dependencies when needed, launches the framework's development
server on a free port and streams its output. Ctrl-C stops it.`,
		Args: cobra.ExactArgs(1),
		RunE: cmd.Run,
	}
}

func (d *DevCommand) Run(cmd *cobra.Command, args []string) error {
	name := args[0]
	return d.cli.withApp(cmd, func(ctx context.Context, app *App) error {
		out := cmd.OutOrStdout()
		exited := make(chan devserver.Info, 1)
		app.OnEvent(func(event string, data any) {
			switch v := data.(type) {
			case devserver.OutputLine:
				if event == devserver.EventOutput && v.Project == name {
					fmt.Fprintln(out, SubtleStyle.Render("│ ")+v.Line)
				}
			case devserver.Info:
				if v.Project == name && v.State == devserver.StateFailed {
					select {
					case exited <- v:
					default:
					}
				}
			}
		})

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := report(out, app.StartPreview(ctx, name)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, SubtleStyle.Render("Stopping preview..."))
			return report(out, app.StopPreview(name))
		case info := <-exited:
			return fmt.Errorf("preview exited: %s", info.Error)
		}
	})
}

// HistoryCommand handles the history command
type HistoryCommand struct {
	cli     *cliContext
	query   index.Query
	rebuild bool
	asJSON  bool
}

// NewHistoryCommand creates the history command
func NewHistoryCommand(cli *cliContext) *cobra.Command {
	cmd := &HistoryCommand{cli: cli}
	cobraCmd := &cobra.Command{
		Use:   "history",
		Short: "Search past generations across projects",
		Example: `  snapcode history --project landing
  snapcode history -q navbar --limit 5
  snapcode history --rebuild`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}
	cobraCmd.Flags().StringVar(&cmd.query.Project, "project", "", "Only this project")
	cobraCmd.Flags().StringVar(&cmd.query.Target, "target", "", "Only this target file")
	cobraCmd.Flags().StringVarP(&cmd.query.Text, "query", "q", "", "Text the prompt contains")
	cobraCmd.Flags().IntVar(&cmd.query.Limit, "limit", 20, "Maximum entries")
	cobraCmd.Flags().BoolVar(&cmd.rebuild, "rebuild", false, "Re-index every project's metadata first")
	cobraCmd.Flags().BoolVar(&cmd.asJSON, "json", false, "Output JSON")
	return cobraCmd
}

func (h *HistoryCommand) Run(cmd *cobra.Command, args []string) error {
	return h.cli.withApp(cmd, func(ctx context.Context, app *App) error {
		out := cmd.OutOrStdout()
		if h.rebuild {
			if err := report(out, app.RebuildHistory(ctx)); err != nil {
				return err
			}
		}
		r := app.SearchHistory(ctx, h.query)
		if !r.OK {
			return report(cmd.ErrOrStderr(), r)
		}
		entries := r.Data.([]index.Entry)
		if h.asJSON {
			return printJSON(out, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, SubtleStyle.Render("No generations found."))
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %s  %s\n",
				SubtleStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04")),
				TitleStyle.Render(e.Project+"/"+e.Target),
				SubtleStyle.Render(e.ID))
			fmt.Fprintln(out, "  "+DescStyle.Render(truncate(e.Prompt, 100)))
		}
		return nil
	})
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// NewTokenCommand creates the token command group
func NewTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the tokens kept in the OS keyring",
	}

	var modelToken, apiToken string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the model API token, the local API token, or both",
		Example: `  snapcode token set --model hf_xxx
  snapcode token set --api my-secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelToken == "" && apiToken == "" {
				return errors.New("nothing to set: pass --model and/or --api")
			}
			out := cmd.OutOrStdout()
			if modelToken != "" {
				if err := config.SetModelToken(modelToken); err != nil {
					return fmt.Errorf("store model token: %w", err)
				}
				fmt.Fprintln(out, SuccessStyle.Render("✓ Model token stored"))
			}
			if apiToken != "" {
				if err := config.SetAPIToken(apiToken); err != nil {
					return fmt.Errorf("store API token: %w", err)
				}
				fmt.Fprintln(out, SuccessStyle.Render("✓ API token stored"))
			}
			return nil
		},
	}
	setCmd.Flags().StringVar(&modelToken, "model", "", "Token sent to the inference server")
	setCmd.Flags().StringVar(&apiToken, "api", "", "Token required by 'snapcode serve'")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove both tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ClearTokens(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("✓ Tokens cleared"))
			return nil
		},
	}

	tokenCmd.AddCommand(setCmd, clearCmd)
	return tokenCmd
}

// NewConfigCommand creates the config command
func NewConfigCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Prints the configuration after defaults, the config file and environment
overrides are applied. Values set by the environment are listed below it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.load()
			if err != nil {
				return err
			}
			cfg.Validate()
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, string(data))
			for _, key := range []string{"server.port", "model.gpu_device", "workspace.root", "model.base_url", "model.model_id", "devserver.runtime", "logging.level", "logging.format", "logging.file"} {
				if env, ok := config.EnvOverrideFor(key); ok {
					fmt.Fprintln(out, DescStyle.Render(fmt.Sprintf("%s set by %s", key, env)))
				}
			}
			return nil
		},
	}
}
