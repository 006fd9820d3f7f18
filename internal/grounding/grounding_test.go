package grounding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProvider struct{}

func (failingProvider) Name() string                                 { return "Broken" }
func (failingProvider) Collect(ctx context.Context) (string, error) { return "", errors.New("boom") }

func TestCollect_JoinsSections(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	providers := []Provider{
		&TimeProvider{Now: func() time.Time { return fixed }},
		&StaticProvider{SectionName: "Mission", Content: "keep the garden watered"},
	}

	out := Collect(context.Background(), providers, nil)

	assert.Contains(t, out, "## Current time")
	assert.Contains(t, out, "Friday, 14 March 2025 09:30 UTC")
	assert.Contains(t, out, "## Mission\n\nkeep the garden watered")
}

func TestCollect_SkipsFailingAndEmptyProviders(t *testing.T) {
	providers := []Provider{
		failingProvider{},
		&StaticProvider{SectionName: "Empty", Content: "   "},
		&StaticProvider{SectionName: "Kept", Content: "still here"},
	}

	out := Collect(context.Background(), providers, nil)

	assert.NotContains(t, out, "Broken")
	assert.NotContains(t, out, "Empty")
	assert.Contains(t, out, "## Kept")
}

func TestWorkspaceProvider_Listing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("no"), 0o644))

	p := &WorkspaceProvider{Dir: dir}
	out, err := p.Collect(context.Background())
	require.NoError(t, err)

	assert.Contains(t, out, "Directory: "+dir)
	assert.Contains(t, out, "README.md")
	assert.Contains(t, out, "src/")
	assert.NotContains(t, out, ".hidden")
	// Plain directory, no git checkout.
	assert.NotContains(t, out, "Git branch")
}

func TestWorkspaceProvider_MaxEntries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	p := &WorkspaceProvider{Dir: dir, MaxEntries: 2}
	out, err := p.Collect(context.Background())
	require.NoError(t, err)

	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, "b.txt")
	assert.Contains(t, out, "… and 2 more")
	assert.NotContains(t, out, "d.txt")
}

func TestWorkspaceProvider_MissingDir(t *testing.T) {
	p := &WorkspaceProvider{Dir: filepath.Join(t.TempDir(), "nope")}
	_, err := p.Collect(context.Background())
	assert.Error(t, err)
}

func TestWorkspaceProvider_EmptyDirConfigured(t *testing.T) {
	p := &WorkspaceProvider{}
	out, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}
