package prompts

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBakedInCoversEveryRole(t *testing.T) {
	keys := Keys()
	assert.Len(t, keys, 15)
	for _, key := range keys {
		prompt, err := BakedIn{}.GetPrompt(key)
		require.NoError(t, err, key)
		assert.NotEmpty(t, prompt)
	}
	_, err := BakedIn{}.GetPrompt("nobody")
	assert.ErrorIs(t, err, ErrUnknownPrompt)
	_, err = BakedIn{}.GetPrompt("../orchestrator")
	assert.ErrorIs(t, err, ErrUnknownPrompt)
}

func TestChainPrefersCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orchestrator.md"), []byte("cached"), 0644))

	p := New(Config{CacheDir: dir})
	got, err := p.GetPrompt("orchestrator")
	require.NoError(t, err)
	assert.Equal(t, "cached", got)

	got, err = p.GetPrompt("debug_detective")
	require.NoError(t, err)
	assert.Contains(t, got, "Debug Detective")

	_, err = p.GetPrompt("unknown_role")
	assert.ErrorIs(t, err, ErrUnknownPrompt)
}

func TestRemoteTierFillsCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/prompts/orchestrator" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "remote prompt")
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := New(Config{CacheDir: dir, RemoteURL: srv.URL + "/prompts"})

	got, err := p.GetPrompt("orchestrator")
	require.NoError(t, err)
	assert.Equal(t, "remote prompt", got)

	data, err := os.ReadFile(filepath.Join(dir, "orchestrator.md"))
	require.NoError(t, err)
	assert.Equal(t, "remote prompt", string(data))

	// Second lookup is served from the cache.
	_, err = p.GetPrompt("orchestrator")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// Remote 404 falls through to the baked-in default.
	got, err = p.GetPrompt("deploy_specialist")
	require.NoError(t, err)
	assert.Contains(t, got, "Deploy Specialist")
}

func TestRemoteServerErrorFallsThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{RemoteURL: srv.URL})
	got, err := p.GetPrompt("orchestrator")
	require.NoError(t, err)
	assert.Contains(t, got, "Orchestrator")

	_, err = (&Remote{BaseURL: srv.URL}).GetPrompt("orchestrator")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownPrompt)
}
