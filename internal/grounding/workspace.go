package grounding

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const (
	gitProbeTimeout   = 3 * time.Second
	defaultMaxEntries = 50
)

// WorkspaceProvider describes the session's working directory: a
// top-level listing plus, when the directory is a git checkout, the
// current branch and dirty-file count.
type WorkspaceProvider struct {
	Dir        string
	MaxEntries int // 0 means defaultMaxEntries
}

func (p *WorkspaceProvider) Name() string { return "Workspace" }

func (p *WorkspaceProvider) Collect(ctx context.Context) (string, error) {
	if p.Dir == "" {
		return "", nil
	}
	info, err := os.Stat(p.Dir)
	if err != nil {
		return "", fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", p.Dir)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Directory: %s\n", p.Dir)

	if git := p.gitSummary(ctx); git != "" {
		sb.WriteString(git)
		sb.WriteByte('\n')
	}

	listing, err := p.listEntries()
	if err != nil {
		return "", err
	}
	if len(listing) > 0 {
		sb.WriteString("Contents:\n")
		for _, name := range listing {
			sb.WriteString("  " + name + "\n")
		}
	}
	return sb.String(), nil
}

func (p *WorkspaceProvider) listEntries() ([]string, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	max := p.MaxEntries
	if max <= 0 {
		max = defaultMaxEntries
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > max {
		names = append(names[:max], fmt.Sprintf("… and %d more", len(names)-max))
	}
	return names, nil
}

// gitSummary probes git with a hard timeout so a hung object store or
// slow network filesystem cannot stall execution start. Any failure
// degrades to "not a git repository".
func (p *WorkspaceProvider) gitSummary(ctx context.Context) string {
	branch, err := p.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	out := "Git branch: " + branch
	if status, err := p.git(ctx, "status", "--porcelain"); err == nil {
		dirty := 0
		for _, line := range strings.Split(status, "\n") {
			if strings.TrimSpace(line) != "" {
				dirty++
			}
		}
		if dirty > 0 {
			out += fmt.Sprintf(" (%d modified)", dirty)
		} else {
			out += " (clean)"
		}
	}
	return out
}

func (p *WorkspaceProvider) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitProbeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", p.Dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
