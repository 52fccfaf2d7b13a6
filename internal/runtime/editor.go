package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/yamatovision/bluelamp/internal/events"
)

// editor keeps per-file history for undo_edit.
type editor struct {
	mu      sync.Mutex
	history map[string][]string
}

func newEditor() *editor {
	return &editor{history: make(map[string][]string)}
}

func (e *editor) push(abs, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history[abs] = append(e.history[abs], content)
}

func (e *editor) pop(abs string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[abs]
	if len(h) == 0 {
		return "", false
	}
	last := h[len(h)-1]
	e.history[abs] = h[:len(h)-1]
	return last, true
}

func (r *Runtime) editFile(_ context.Context, a events.Action) (events.Observation, error) {
	act := a.(*events.FileEditAction)
	abs, err := r.resolvePath(act.Path)
	if err != nil {
		return nil, err
	}

	switch act.Command {
	case events.EditView:
		return r.view(act, abs)
	case events.EditCreate:
		if _, err := os.Stat(abs); err == nil {
			return nil, fmt.Errorf("File already exists at: %s. Cannot overwrite files using command `create`.", act.Path)
		}
		if err := writeWithDirs(abs, act.FileText); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", act.Path, err)
		}
		r.editor.push(abs, "")
		return editObservation(act.Path, "", act.FileText,
			fmt.Sprintf("File created successfully at: %s", act.Path)), nil
	case events.EditStrReplace:
		old, err := readExisting(abs, act.Path)
		if err != nil {
			return nil, err
		}
		if act.OldStr == "" {
			return nil, fmt.Errorf("old_str is required for str_replace")
		}
		switch n := strings.Count(old, act.OldStr); {
		case n == 0:
			return nil, fmt.Errorf("No replacement was performed, old_str `%s` did not appear verbatim in %s.", act.OldStr, act.Path)
		case n > 1:
			return nil, fmt.Errorf("No replacement was performed. Multiple occurrences (%d) of old_str `%s` in %s. Please ensure it is unique.", n, act.OldStr, act.Path)
		}
		updated := strings.Replace(old, act.OldStr, act.NewStr, 1)
		if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", act.Path, err)
		}
		r.editor.push(abs, old)
		return editObservation(act.Path, old, updated,
			fmt.Sprintf("The file %s has been edited.", act.Path)), nil
	case events.EditInsert:
		old, err := readExisting(abs, act.Path)
		if err != nil {
			return nil, err
		}
		lines := strings.Split(old, "\n")
		if act.InsertLine < 0 || act.InsertLine > len(lines) {
			return nil, fmt.Errorf("Invalid `insert_line` parameter: %d. It should be within the range of lines of the file: [0, %d]", act.InsertLine, len(lines))
		}
		inserted := strings.Split(act.NewStr, "\n")
		merged := make([]string, 0, len(lines)+len(inserted))
		merged = append(merged, lines[:act.InsertLine]...)
		merged = append(merged, inserted...)
		merged = append(merged, lines[act.InsertLine:]...)
		updated := strings.Join(merged, "\n")
		if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", act.Path, err)
		}
		r.editor.push(abs, old)
		return editObservation(act.Path, old, updated,
			fmt.Sprintf("The file %s has been edited.", act.Path)), nil
	case events.EditUndo:
		prev, ok := r.editor.pop(abs)
		if !ok {
			return nil, fmt.Errorf("No edit history found for %s.", act.Path)
		}
		current, _ := os.ReadFile(abs)
		if err := os.WriteFile(abs, []byte(prev), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", act.Path, err)
		}
		return editObservation(act.Path, string(current), prev,
			fmt.Sprintf("Last edit to %s undone successfully.", act.Path)), nil
	}
	return nil, fmt.Errorf("Unrecognized command %s. The allowed commands are: view, create, str_replace, insert, undo_edit", act.Command)
}

func (r *Runtime) view(act *events.FileEditAction, abs string) (events.Observation, error) {
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("The path %s does not exist.", act.Path)
		}
		return nil, err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", act.Path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		content := fmt.Sprintf("Here's the files and directories in %s:\n%s", act.Path, strings.Join(names, "\n"))
		return &events.FileEditObservation{Content: content, Path: act.Path}, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", act.Path, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here's the result of running `cat -n` on %s:\n", act.Path)
	for i, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	return &events.FileEditObservation{Content: b.String(), Path: act.Path}, nil
}

func readExisting(abs, path string) (string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("The path %s does not exist.", path)
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func editObservation(path, old, updated, content string) *events.FileEditObservation {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(updated),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	return &events.FileEditObservation{
		Content:    content,
		Path:       path,
		Diff:       diff,
		OldContent: old,
		NewContent: updated,
	}
}
