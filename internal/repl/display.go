package repl

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"github.com/yamatovision/bluelamp/internal/events"
)

// maxOutputLines caps command output echoed to the terminal.
const maxOutputLines = 20

// display prints stream events as they are dispatched.
type display struct {
	out      io.Writer
	renderer *glamour.TermRenderer

	mu   sync.Mutex
	cond *sync.Cond
	last int
}

func newDisplay(out io.Writer) *display {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		renderer = nil
	}
	d := &display{out: out, renderer: renderer, last: events.InvalidID}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// wait blocks until the event with id has been printed, or one second.
func (d *display) wait(id int) {
	deadline := time.Now().Add(time.Second)
	timer := time.AfterFunc(time.Second, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.last < id && time.Now().Before(deadline) {
		d.cond.Wait()
	}
}

func (d *display) onEvent(e events.Event) {
	d.print(e)
	d.seen(e.ID())
}

// seen marks every event up to id as printed.
func (d *display) seen(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id > d.last {
		d.last = id
	}
	d.cond.Broadcast()
}

func (d *display) print(e events.Event) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	switch v := e.(type) {
	case *events.MessageAction:
		if v.Source() != events.SourceAgent {
			return
		}
		fmt.Fprintln(d.out, d.markdown(v.Content))

	case *events.CmdRunAction:
		if v.Confirmation == events.ConfirmationAwaiting {
			return
		}
		d.thought(v.Thought)
		fmt.Fprintf(d.out, "%s %s\n", cyan("$"), v.Command)
	case *events.FileReadAction:
		d.thought(v.Thought)
		fmt.Fprintf(d.out, "📖 %s\n", v.Path)
	case *events.FileEditAction:
		if v.Confirmation == events.ConfirmationAwaiting {
			return
		}
		d.thought(v.Thought)
		fmt.Fprintf(d.out, "✏️  %s %s\n", v.Command, v.Path)
	case *events.FileWriteAction:
		d.thought(v.Thought)
		fmt.Fprintf(d.out, "📝 %s\n", v.Path)
	case *events.MCPAction:
		d.thought(v.Thought)
		fmt.Fprintf(d.out, "🔌 %s\n", v.Name)
	case *events.AgentThinkAction:
		fmt.Fprintf(d.out, "💭 %s\n", gray(v.Thought))
	case *events.AgentDelegateAction:
		fmt.Fprintf(d.out, "🚀 %s %s\n", cyan(v.Agent), v.Inputs.Task)
	case *events.AgentFinishAction:
		if v.Source() == events.SourceAgent {
			fmt.Fprintf(d.out, "%s %s\n", green("✅"), d.markdown(v.Message()))
		}
	case *events.AgentRejectAction:
		fmt.Fprintf(d.out, "%s %s\n", yellow("⊗"), v.Message())

	case *events.CmdOutputObservation:
		if out := truncateLines(v.Content, maxOutputLines); out != "" {
			fmt.Fprintln(d.out, gray(out))
		}
		if v.ExitCode != 0 {
			fmt.Fprintln(d.out, red(fmt.Sprintf("[exit code %d]", v.ExitCode)))
		}
	case *events.FileEditObservation:
		if v.Diff != "" {
			fmt.Fprintln(d.out, gray(truncateLines(v.Diff, maxOutputLines)))
		} else {
			fmt.Fprintln(d.out, gray(v.Message()))
		}
	case *events.FileWriteObservation:
		fmt.Fprintln(d.out, gray(v.Message()))
	case *events.MCPObservation:
		fmt.Fprintln(d.out, gray(truncateLines(v.Content, maxOutputLines)))
	case *events.AgentDelegateObservation:
		fmt.Fprintf(d.out, "%s %s\n", green("↩"), v.Content)
	case *events.ErrorObservation:
		fmt.Fprintln(d.out, errorPanel(v.Content))
	case *events.UserRejectObservation:
		fmt.Fprintln(d.out, yellow(v.Content))
	case *events.AgentCondensationObservation:
		fmt.Fprintln(d.out, gray(v.Content))
	case *events.AgentStateChangedObservation:
		if v.AgentState == events.StatePaused {
			fmt.Fprintln(d.out, yellow("⏸  paused"))
		}
	}
}

func (d *display) thought(t string) {
	if t == "" {
		return
	}
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Fprintln(d.out, gray(t))
}

func (d *display) markdown(text string) string {
	if d.renderer == nil {
		return text
	}
	out, err := d.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func truncateLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-n)
}

func note(w io.Writer, msg string) {
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", yellow("ℹ"), msg)
}
