package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/yamatovision/bluelamp/internal/config"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/logging"
	"github.com/yamatovision/bluelamp/internal/repl"
	"github.com/yamatovision/bluelamp/internal/session"
)

var (
	cfgPath  string
	debug    bool
	settings config.Config
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "bluelamp",
	Short: "Multi-agent software development assistant",
	Long: `BlueLamp runs a team of AI agents over your workspace.

The Orchestrator breaks your goal into phases and delegates each one to a
specialist: requirements, UI design, data modeling, architecture,
implementation, testing, debugging and deployment.

Examples:
  bluelamp                                  # Interactive session
  bluelamp --task "add a health endpoint"   # Headless run
  bluelamp --agent DebugDetective           # Start with a specialist
  bluelamp --resume <session_id>            # Continue a saved session`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		settings, err = config.Load(path)
		if err != nil {
			return err
		}
		logger, err = logging.New(logging.Options{Dir: settings.Session.Root, Debug: debug})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	RunE: runSession,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.bluelamp/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")
	rootCmd.Flags().String("task", "", "run this task headless and exit")
	rootCmd.Flags().String("agent", "", "starting agent (default from config)")
	rootCmd.Flags().String("resume", "", "resume a saved session by id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	task, _ := cmd.Flags().GetString("task")
	agentName, _ := cmd.Flags().GetString("agent")
	resumeID, _ := cmd.Flags().GetString("resume")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	headless := task != ""
	if !headless && !term.IsTerminal(int(os.Stdin.Fd())) {
		// Piped input is the task.
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read task from stdin: %w", err)
		}
		task = strings.TrimSpace(string(data))
		if task == "" {
			return fmt.Errorf("stdin is not a terminal; pass --task or pipe a task")
		}
		headless = true
	}

	cfg := session.Config{
		Settings: settings,
		Agent:    agentName,
		Headless: headless,
		KeyFile:  filepath.Join(config.Home(), "master.key"),
		Logger:   logger,
	}

	for {
		s, err := openSession(ctx, cfg, resumeID)
		if err != nil {
			return err
		}

		if headless {
			err := runHeadless(ctx, cmd, s, task)
			return errors.Join(err, s.Close())
		}

		r, err := repl.New(&repl.Config{Session: s, Logger: logger})
		if err != nil {
			s.Close()
			return err
		}
		err = r.Run(ctx)
		again := s.NewSessionRequested()
		if cerr := s.Close(); cerr != nil {
			logger.Warn("failed to close session", zap.Error(cerr))
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil || !again {
			return err
		}
		resumeID = ""
	}
}

func openSession(ctx context.Context, cfg session.Config, resumeID string) (*session.Session, error) {
	if resumeID != "" {
		return session.Restore(ctx, cfg, resumeID)
	}
	return session.New(ctx, cfg)
}

func runHeadless(ctx context.Context, cmd *cobra.Command, s *session.Session, task string) error {
	out := cmd.OutOrStdout()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Fprintf(out, "%s %s (%s)\n", gray("Session:"), s.ID, s.Metadata.Agent)

	state, err := s.RunHeadless(ctx, task)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(out, "%s Interrupted. Resume with --resume %s\n", color.YellowString("⏸"), s.ID)
		return nil
	}
	if err != nil {
		return err
	}

	st := s.Controller.State()
	usage := s.Controller.Usage()
	fmt.Fprintln(out)
	switch state {
	case events.StateFinished:
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(out, "%s Finished\n", green("✓"))
		if msg, ok := st.Outputs["message"].(string); ok && msg != "" {
			fmt.Fprintln(out, msg)
		}
	default:
		fmt.Fprintf(out, "%s Ended in %s\n", color.RedString("✗"), state)
	}
	fmt.Fprintf(out, "%s %d iterations, %s input / %s output tokens\n",
		gray("Usage:"), st.Iteration, formatNumber(int(usage.InputTokens)), formatNumber(int(usage.OutputTokens)))

	switch state {
	case events.StateFinished:
		return nil
	case events.StateError:
		return fmt.Errorf("agent failed: %s", s.Controller.Active().State().LastError)
	}
	return fmt.Errorf("agent ended in %s", state)
}
