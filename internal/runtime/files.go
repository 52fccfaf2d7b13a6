package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yamatovision/bluelamp/internal/agenterr"
	"github.com/yamatovision/bluelamp/internal/events"
)

// maxReadBytes caps the content returned by a single read.
const maxReadBytes = 256 * 1024

// resolvePath maps a relative or absolute path to an absolute path inside
// the workspace, or fails with a PathRestrictedError.
func (r *Runtime) resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(r.workspace, path)
	}
	rel, err := filepath.Rel(r.workspace, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &agenterr.PathRestrictedError{Path: path, Workspace: r.workspace}
	}
	return abs, nil
}

func (r *Runtime) readFile(_ context.Context, a events.Action) (events.Observation, error) {
	act := a.(*events.FileReadAction)
	abs, err := r.resolvePath(act.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("File not found: %s", act.Path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", act.Path, err)
	}

	content, err := sliceLines(string(data), act.Start, act.End)
	if err != nil {
		return nil, err
	}
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, read a line range for more ...]"
	}
	return &events.FileReadObservation{Content: content, Path: act.Path}, nil
}

// sliceLines returns lines start..end (1-indexed, inclusive). start <= 1
// reads from the top and end <= 0 reads to the end.
func sliceLines(content string, start, end int) (string, error) {
	if start <= 1 && end <= 0 {
		return content, nil
	}
	lines := strings.Split(content, "\n")
	from := 0
	if start > 1 {
		from = start - 1
	}
	if from >= len(lines) {
		return "", fmt.Errorf("start line %d exceeds file length (%d lines)", start, len(lines))
	}
	to := len(lines)
	if end > 0 && end < to {
		to = end
	}
	if to < from {
		return "", fmt.Errorf("invalid line range %d-%d", start, end)
	}
	return strings.Join(lines[from:to], "\n"), nil
}

func (r *Runtime) writeFile(_ context.Context, a events.Action) (events.Observation, error) {
	act := a.(*events.FileWriteAction)
	abs, err := r.resolvePath(act.Path)
	if err != nil {
		return nil, err
	}
	if err := writeWithDirs(abs, act.Content); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", act.Path, err)
	}
	return &events.FileWriteObservation{
		Content: fmt.Sprintf("File written successfully to %s", act.Path),
		Path:    act.Path,
	}, nil
}

func writeWithDirs(abs, content string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0644)
}
