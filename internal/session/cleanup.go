package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/yamatovision/bluelamp/internal/storage"
)

// List returns the metadata of every session under the store root, newest
// first. Entries without metadata.json are skipped.
func List(ctx context.Context, store storage.FileStore) ([]Metadata, error) {
	names, err := store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []Metadata
	for _, name := range names {
		meta, err := ReadMetadata(ctx, store, name)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CleanupResult reports what Cleanup removed or would remove.
type CleanupResult struct {
	Kept    []Metadata
	Removed []Metadata
	// Skipped sessions are held by a live process.
	Skipped []Metadata
}

// Cleanup keeps the newest keep sessions and deletes the rest. With dryRun
// nothing is deleted. Sessions locked by a live process are never removed.
func Cleanup(ctx context.Context, store storage.FileStore, keep int, dryRun bool) (CleanupResult, error) {
	var res CleanupResult
	if keep < 0 {
		return res, fmt.Errorf("keep cannot be negative (got %d)", keep)
	}
	sessions, err := List(ctx, store)
	if err != nil {
		return res, err
	}
	local, _ := store.(*storage.LocalStore)
	for i, meta := range sessions {
		if i < keep {
			res.Kept = append(res.Kept, meta)
			continue
		}
		if local != nil && storage.IsSessionLocked(filepath.Join(local.Root(), meta.SessionID)) {
			res.Skipped = append(res.Skipped, meta)
			continue
		}
		if !dryRun {
			if err := store.Delete(ctx, meta.SessionID); err != nil {
				return res, fmt.Errorf("failed to delete session %s: %w", meta.SessionID, err)
			}
		}
		res.Removed = append(res.Removed, meta)
	}
	return res, nil
}
