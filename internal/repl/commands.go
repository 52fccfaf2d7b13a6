package repl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/yamatovision/bluelamp/internal/events"
)

type result int

const (
	// resultStay keeps reading input
	resultStay result = iota
	// resultResume hands control back to the agent
	resultResume
	// resultExit ends the session
	resultExit
)

// resumeMessage is what /resume sends.
const resumeMessage = "continue"

// CommandHandler handles a specific command
type CommandHandler func(ctx context.Context, args []string, lines <-chan line) (result, error)

func (r *REPL) commands() map[string]CommandHandler {
	return map[string]CommandHandler{
		"/exit":     r.cmdExit,
		"/new":      r.cmdNew,
		"/status":   r.cmdStatus,
		"/help":     r.cmdHelp,
		"/settings": r.cmdSettings,
		"/resume":   r.cmdResume,
	}
}

// processInput processes a single line of input. Anything that is not a
// known command is sent to the agent.
func (r *REPL) processInput(ctx context.Context, text string, lines <-chan line) (result, error) {
	if strings.HasPrefix(text, "/") {
		parts := strings.Fields(text)
		if handler, ok := r.commands()[parts[0]]; ok {
			return handler(ctx, parts[1:], lines)
		}
	}
	if err := r.sess.Submit(ctx, text); err != nil {
		return resultStay, fmt.Errorf("failed to send message: %w", err)
	}
	return resultResume, nil
}

// ask prints question and reads a y/n answer.
func (r *REPL) ask(ctx context.Context, question string, lines <-chan line) (bool, error) {
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintf(r.out, "%s ", yellow(question+" (y/n):"))
	text, err := r.next(ctx, lines)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(text) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// cmdExit stops the agent and leaves the shell
func (r *REPL) cmdExit(ctx context.Context, _ []string, lines <-chan line) (result, error) {
	ok, err := r.ask(ctx, "End this session?", lines)
	if err != nil || !ok {
		return resultStay, err
	}
	r.request(ctx, events.StateStopped, "user exited")
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s Goodbye! Resume later with --resume %s\n", green("✓"), r.sess.ID)
	return resultExit, nil
}

// cmdNew stops the agent and asks the caller for a fresh session
func (r *REPL) cmdNew(ctx context.Context, _ []string, lines <-chan line) (result, error) {
	ok, err := r.ask(ctx, "Start a new session? The current one is kept on disk.", lines)
	if err != nil || !ok {
		return resultStay, err
	}
	r.request(ctx, events.StateStopped, "new session requested")
	r.sess.RequestNewSession()
	return resultExit, nil
}

// cmdResume continues a paused or finished agent
func (r *REPL) cmdResume(ctx context.Context, _ []string, _ <-chan line) (result, error) {
	if err := r.sess.Submit(ctx, resumeMessage); err != nil {
		return resultStay, fmt.Errorf("failed to resume: %w", err)
	}
	return resultResume, nil
}

func (r *REPL) cmdSettings(context.Context, []string, <-chan line) (result, error) {
	note(r.out, "/settings is not available here. Edit ~/.bluelamp/config.yaml and restart.")
	return resultStay, nil
}

// cmdStatus shows the session overview
func (r *REPL) cmdStatus(context.Context, []string, <-chan line) (result, error) {
	ctrl := r.sess.Controller
	state := ctrl.State()
	active := ctrl.Active()
	usage := ctrl.Usage()

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Session Status"))
	fmt.Fprintf(r.out, "  %-14s %s\n", gray("Session:"), r.sess.ID)
	fmt.Fprintf(r.out, "  %-14s %s\n", gray("Uptime:"), r.sess.Uptime().Round(time.Second))
	fmt.Fprintf(r.out, "  %-14s %s\n", gray("Agent:"), active.Agent().Name())
	fmt.Fprintf(r.out, "  %-14s %s\n", gray("State:"), ctrl.EffectiveState())
	fmt.Fprintf(r.out, "  %-14s %d/%d\n", gray("Iterations:"), state.Iteration, state.MaxIterations)
	fmt.Fprintf(r.out, "  %-14s %d in, %d out\n", gray("Tokens:"), usage.InputTokens, usage.OutputTokens)
	if usage.CacheReadTokens > 0 || usage.CacheWriteTokens > 0 {
		fmt.Fprintf(r.out, "  %-14s %d read, %d written\n", gray("Cache:"), usage.CacheReadTokens, usage.CacheWriteTokens)
	}
	fmt.Fprintln(r.out)
	return resultStay, nil
}

// cmdHelp shows help information
func (r *REPL) cmdHelp(context.Context, []string, <-chan line) (result, error) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Available Commands:"))

	commands := []struct {
		name string
		desc string
	}{
		{"/status", "Show session id, uptime and token usage"},
		{"/resume", "Continue a paused agent"},
		{"/new", "End this session and start a new one"},
		{"/exit", "End this session"},
		{"/help", "Show this help message"},
		{"Ctrl-P", "Pause the running agent"},
	}
	for _, c := range commands {
		fmt.Fprintf(r.out, "  %-18s %s\n", green(c.name), c.desc)
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Anything else is sent to the agent.")
	fmt.Fprintln(r.out)
	return resultStay, nil
}
