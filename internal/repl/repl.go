package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/session"
	"github.com/yamatovision/bluelamp/internal/stream"
)

// ErrFatal is returned by Run when the agent failed in a way the session
// cannot continue from.
var ErrFatal = errors.New("fatal agent error")

// LineReader is the input side of the shell. readline.Instance implements it.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// REPL represents the interactive shell over one session
type REPL struct {
	sess   *session.Session
	in     LineReader
	out    io.Writer
	poll   time.Duration
	logger *zap.Logger
	view   *display

	mu    sync.Mutex
	fatal string
}

// Config holds REPL configuration
type Config struct {
	Session *session.Session
	// Input overrides the readline prompt. Out must be set with it.
	Input LineReader
	Out   io.Writer
	// PollInterval overrides the session's poll interval.
	PollInterval time.Duration
	Logger       *zap.Logger
}

type line struct {
	text string
	err  error
}

// New creates a new REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if cfg.Input != nil && cfg.Out == nil {
		return nil, fmt.Errorf("output is required with a custom input")
	}

	r := &REPL{
		sess:   cfg.Session,
		in:     cfg.Input,
		out:    cfg.Out,
		poll:   cfg.PollInterval,
		logger: cfg.Logger,
	}
	if r.poll <= 0 {
		r.poll = cfg.Session.PollInterval()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("repl")

	if r.in == nil {
		cyan := color.New(color.FgCyan).SprintFunc()
		rl, err := readline.NewEx(&readline.Config{
			Prompt:              cyan("bluelamp> "),
			InterruptPrompt:     "^C",
			EOFPrompt:           "exit",
			HistorySearchFold:   true,
			FuncFilterInputRune: r.filterRune,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create readline: %w", err)
		}
		r.in = rl
		if r.out == nil {
			r.out = rl.Stdout()
		}
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	r.out = &lockedWriter{w: r.out}
	r.view = newDisplay(r.out)
	return r, nil
}

// filterRune turns Ctrl-P into a pause request.
func (r *REPL) filterRune(c rune) (rune, bool) {
	if c == readline.CharPrev {
		go r.Pause()
		return c, false
	}
	return c, true
}

// Pause asks a running agent to pause.
func (r *REPL) Pause() {
	if r.sess.Controller.EffectiveState() != events.StateRunning {
		return
	}
	if err := r.sess.Controller.Request(events.StatePaused, "paused by user"); err != nil {
		r.logger.Warn("failed to request pause", zap.Error(err))
	}
}

// Run prints the stream and drives the agent until the user exits, the
// agent fails fatally or ctx is cancelled.
func (r *REPL) Run(ctx context.Context) error {
	r.view.seen(r.sess.Stream.GetLatestEventID())
	if err := r.sess.Stream.Subscribe(stream.SubscriberMain, r.view.onEvent, r.sess.ID); err != nil {
		return fmt.Errorf("failed to subscribe display: %w", err)
	}
	defer r.sess.Stream.Unsubscribe(stream.SubscriberMain, r.sess.ID)

	lines := make(chan line)
	quit := make(chan struct{})
	pumpDone := make(chan struct{})
	go r.pump(lines, quit, pumpDone)
	defer func() {
		close(quit)
		r.in.Close()
		select {
		case <-pumpDone:
		case <-time.After(time.Second):
			r.logger.Warn("input reader did not stop")
		}
	}()

	r.printWelcome()

	for {
		state, err := session.RunAgentUntilDone(ctx, r.sess.Controller, r.sess.Runtime, r.sess.Memory,
			session.InteractiveEndStates,
			session.WithPollInterval(r.poll),
			session.WithLogger(r.logger),
			session.OnFatal(r.setFatal))
		if err != nil {
			return err
		}
		// Let the display catch up before prompting.
		r.view.wait(r.sess.Stream.GetLatestEventID())

		if msg := r.takeFatal(); msg != "" {
			fmt.Fprintln(r.out, fatalPanel(msg))
			return fmt.Errorf("%w: %s", ErrFatal, msg)
		}

		switch state {
		case events.StateStopped:
			return nil
		case events.StateAwaitingUserConfirmation:
			exit, err := r.confirm(ctx, lines)
			if exit || err != nil {
				return r.leave(err)
			}
			continue
		case events.StateError:
			fmt.Fprintln(r.out, errorPanel(r.sess.Controller.Active().State().LastError))
		case events.StatePaused:
			note(r.out, "Paused. Type /resume or a message to continue.")
		case events.StateFinished:
			note(r.out, "The agent finished. Send a message to keep going.")
		case events.StateRejected:
			note(r.out, "The agent rejected the task.")
		}

		exit, err := r.readInput(ctx, lines)
		if exit || err != nil {
			return r.leave(err)
		}
	}
}

// leave stops the agent on the way out. io.EOF is a normal exit.
func (r *REPL) leave(err error) error {
	if r.sess.Controller.AgentState() != events.StateStopped {
		r.request(context.Background(), events.StateStopped, "user exited")
	}
	if errors.Is(err, io.EOF) {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(r.out, "\n%s Goodbye!\n", green("✓"))
		return nil
	}
	return err
}

// pump feeds lines until the reader fails or is closed.
func (r *REPL) pump(out chan<- line, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	for {
		text, err := r.in.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		select {
		case out <- line{text: text, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *REPL) next(ctx context.Context, lines <-chan line) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(l.text), l.err
	}
}

// readInput handles lines until one of them hands control back to the
// agent. It reports whether the user asked to leave.
func (r *REPL) readInput(ctx context.Context, lines <-chan line) (bool, error) {
	for {
		text, err := r.next(ctx, lines)
		if err != nil {
			return true, err
		}
		if text == "" {
			continue
		}
		res, err := r.processInput(ctx, text, lines)
		if err != nil {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(r.out, "%s %v\n", red("Error:"), err)
			continue
		}
		switch res {
		case resultExit:
			return true, nil
		case resultResume:
			return false, nil
		}
	}
}

// confirm asks about the pending action until the user decides.
func (r *REPL) confirm(ctx context.Context, lines <-chan line) (bool, error) {
	ctrl := r.sess.Controller
	if pending := ctrl.PendingConfirmation(); pending != nil {
		fmt.Fprintln(r.out, confirmPrompt(pending))
	}
	for {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintf(r.out, "%s ", yellow("Run this action? (y)es / (n)o / (a)lways:"))
		text, err := r.next(ctx, lines)
		if err != nil {
			return true, err
		}
		switch strings.ToLower(text) {
		case "y", "yes":
			r.request(ctx, events.StateUserConfirmed, "")
			return false, nil
		case "n", "no":
			r.request(ctx, events.StateUserRejected, "")
			return false, nil
		case "a", "always":
			ctrl.SetConfirmationMode(false)
			note(r.out, "Confirmation prompts are off for this session.")
			r.request(ctx, events.StateUserConfirmed, "")
			return false, nil
		}
		if strings.HasPrefix(text, "/") {
			res, err := r.processInput(ctx, text, lines)
			if err != nil {
				return true, err
			}
			if res == resultExit {
				return true, nil
			}
		}
	}
}

// request appends a state change and waits for the controller to apply it.
func (r *REPL) request(ctx context.Context, s events.AgentState, thought string) {
	after := r.sess.Stream.GetLatestEventID()
	if err := r.sess.Controller.Request(s, thought); err != nil {
		r.logger.Warn("failed to request state", zap.String("state", string(s)), zap.Error(err))
		return
	}
	r.sess.WaitTransition(ctx, after)
}

func (r *REPL) setFatal(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = msg
}

func (r *REPL) takeFatal() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.fatal
	r.fatal = ""
	return msg
}

// printWelcome prints the welcome message
func (r *REPL) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n", cyan("BlueLamp"))
	fmt.Fprintf(r.out, "%s %s\n", gray("Session:"), r.sess.ID)
	fmt.Fprintf(r.out, "%s %s\n", gray("Agent:"), r.sess.Metadata.Agent)
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Type /help for commands, Ctrl-P to pause, /exit to quit")
	fmt.Fprintln(r.out)
}

// lockedWriter serializes writes from the display and the prompt loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
