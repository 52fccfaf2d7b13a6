package repl

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/yamatovision/bluelamp/internal/events"
)

const panelWidth = 80

var (
	errorStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1).
			Width(panelWidth)

	confirmStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1).
			Width(panelWidth)

	titleStyle = lipgloss.NewStyle().Bold(true)
)

func panel(style lipgloss.Style, title, body string) string {
	return style.Render(titleStyle.Render(title) + "\n" + strings.TrimSpace(body))
}

// errorPanel frames an error the agent can recover from.
func errorPanel(msg string) string {
	if msg == "" {
		msg = "unknown error"
	}
	return panel(errorStyle, "Error", msg)
}

// fatalPanel frames an error that ends the session.
func fatalPanel(msg string) string {
	return panel(errorStyle, "Fatal error", msg+"\n\nThe session was saved and can be resumed with --resume.")
}

func confirmPrompt(a events.Action) string {
	var body string
	switch v := a.(type) {
	case *events.CmdRunAction:
		body = "$ " + v.Command
		if v.Thought != "" {
			body = v.Thought + "\n\n" + body
		}
	case *events.FileEditAction:
		body = fmt.Sprintf("%s %s", v.Command, v.Path)
		switch v.Command {
		case events.EditCreate:
			body += "\n\n" + truncateLines(v.FileText, maxOutputLines)
		case events.EditStrReplace:
			body += "\n\n- " + truncateLines(v.OldStr, maxOutputLines) + "\n+ " + truncateLines(v.NewStr, maxOutputLines)
		}
	default:
		body = a.Message()
	}
	return panel(confirmStyle, "The agent wants to run", body)
}
