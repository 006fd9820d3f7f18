// Package grounding builds the environment-derived prompt sections that
// precede the timeline in the model payload. Providers run once at
// execution start; rendering afterwards is pure.
package grounding

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
)

// Provider contributes one named section to the prompt payload.
type Provider interface {
	Name() string
	Collect(ctx context.Context) (string, error)
}

// Collect runs every provider and returns the joined prompt sections.
// A failing provider is logged and skipped; grounding is advisory and
// must never block an execution.
func Collect(ctx context.Context, providers []Provider, log *logger.Logger) string {
	var sections []string
	for _, p := range providers {
		content, err := p.Collect(ctx)
		if err != nil {
			if log != nil {
				log.Warn("grounding provider failed",
					zap.String("provider", p.Name()), zap.Error(err))
			}
			continue
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		sections = append(sections, "## "+p.Name()+"\n\n"+content)
	}
	return strings.Join(sections, "\n\n")
}

// StaticProvider returns fixed text, for app-supplied context.
type StaticProvider struct {
	SectionName string
	Content     string
}

func (p *StaticProvider) Name() string { return p.SectionName }

func (p *StaticProvider) Collect(ctx context.Context) (string, error) {
	return p.Content, nil
}

// TimeProvider reports the current wall clock so long-lived sessions
// do not drift into the model's training cutoff.
type TimeProvider struct {
	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

func (p *TimeProvider) Name() string { return "Current time" }

func (p *TimeProvider) Collect(ctx context.Context) (string, error) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	return now.Format("Monday, 2 January 2006 15:04 MST"), nil
}
