package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tentickle/tentickle/internal/compaction"
	"github.com/tentickle/tentickle/internal/grounding"
	"github.com/tentickle/tentickle/internal/model"
	"github.com/tentickle/tentickle/internal/tools"
	"github.com/tentickle/tentickle/internal/tracing"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// runExecution drives one bounded tick loop for one queued input.
func (s *Session) runExecution(ctx context.Context, qi queuedInput) {
	log := s.log.WithExecutionID(qi.execID)
	execStart := time.Now().UTC()

	ctx, execSpan := tracing.Tracer("session").Start(ctx, "execution",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("execution.id", qi.execID),
			attribute.String("trigger", string(qi.trigger)),
		))
	defer execSpan.End()

	if err := s.store.CreateExecution(ctx, qi.execID, s.ID, qi.trigger); err != nil {
		log.Error("failed to create execution row", zap.Error(err))
		return
	}

	s.stream.emit(&v1.Event{
		Type:        v1.EventExecutionStart,
		ExecutionID: qi.execID,
	})

	s.mu.Lock()
	timelineMark := len(s.timeline)
	tick := s.record.Tick + 1
	s.mu.Unlock()

	status := v1.ExecutionStatusCompleted
	var execErr error
	var totalUsage v1.Usage
	var lastText string
	tickCount := 0

	// Input messages open the first tick of the execution.
	seq := 0
	for _, msg := range qi.input.Messages {
		entry := v1.NewTimelineEntry(s.ID, msg.Role, msg.Content)
		entry.Metadata = msg.Metadata
		if _, err := s.commitEntry(ctx, entry, qi.execID, tick, seq); err != nil {
			execErr = err
			status = v1.ExecutionStatusFailed
		}
		seq++
	}

	// Grounding runs once per execution; rendering afterwards is pure.
	groundingText := ""
	if execErr == nil {
		groundingText = grounding.Collect(ctx, s.config.Grounding, log)
	}

	maxTicks := s.config.MaxTicks
	if maxTicks <= 0 {
		maxTicks = DefaultMaxTicks
	}

	var tickSpan trace.Span
	for execErr == nil {
		if ctx.Err() != nil {
			status = v1.ExecutionStatusAborted
			break
		}
		tickCount++

		var tickCtx context.Context
		tickCtx, tickSpan = tracing.Tracer("session").Start(ctx, "tick",
			trace.WithAttributes(attribute.Int("tick", tick)))

		if err := s.store.RecordTickStart(ctx, qi.execID, tick); err != nil {
			execErr = err
			status = v1.ExecutionStatusFailed
			break
		}
		s.stream.emit(&v1.Event{
			Type:        v1.EventTickStart,
			ExecutionID: qi.execID,
			Tick:        tick,
		})

		req := s.render(execStart, groundingText)
		resp, err := s.config.Model.Generate(tickCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				status = v1.ExecutionStatusAborted
			} else {
				execErr = fmt.Errorf("model call: %w", err)
				status = v1.ExecutionStatusFailed
				// The tick row was opened above; close it so no row is
				// left dangling as in-flight.
				if endErr := s.store.RecordTickEnd(ctx, qi.execID, tick, "", v1.Usage{}, model.StopError); endErr != nil {
					log.Error("failed to finalize errored tick", zap.Error(endErr))
				}
			}
			break
		}
		totalUsage.Add(resp.Usage)

		assistant := v1.NewTimelineEntry(s.ID, v1.RoleAssistant, resp.Content)
		if _, err := s.commitEntry(ctx, assistant, qi.execID, tick, seq); err != nil {
			execErr = err
			status = v1.ExecutionStatusFailed
			break
		}
		seq++
		if text := assistant.Text(); text != "" {
			lastText = text
		}

		toolUses := assistant.ToolUses()
		var done bool
		if len(toolUses) > 0 {
			var err error
			seq, done, err = s.dispatchTools(tickCtx, qi.execID, tick, seq, toolUses)
			if err != nil {
				if ctx.Err() != nil {
					status = v1.ExecutionStatusAborted
				} else {
					execErr = err
					status = v1.ExecutionStatusFailed
				}
				break
			}
		}

		if err := s.store.RecordTickEnd(ctx, qi.execID, tick, resp.Model, resp.Usage, resp.StopReason); err != nil {
			execErr = err
			status = v1.ExecutionStatusFailed
			break
		}
		s.stream.emit(&v1.Event{
			Type:        v1.EventTickEnd,
			ExecutionID: qi.execID,
			Tick:        tick,
			Model:       resp.Model,
			Usage:       &resp.Usage,
			StopReason:  resp.StopReason,
		})

		if !s.shouldContinue(ctx, continuation{
			tick:       tickCount,
			maxTicks:   maxTicks,
			stopReason: resp.StopReason,
			toolCalls:  len(toolUses),
			lastText:   lastText,
			done:       done,
		}) {
			break
		}
		tickSpan.End()
		tickSpan = nil
		tick++
		seq = 0
	}
	if tickSpan != nil {
		tickSpan.End()
	}

	execSpan.SetAttributes(attribute.Int("ticks", tickCount))
	if status == v1.ExecutionStatusAborted {
		log.Info("execution aborted", zap.Int("ticks", tickCount))
	} else if execErr != nil {
		execSpan.RecordError(execErr)
		log.Error("execution failed", zap.Error(execErr), zap.Int("ticks", tickCount))
	}

	// Expansion knobs are one-shot per execution.
	s.Knobs.DeletePrefix("ref:")

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	// Completion bookkeeping must survive the aborted context.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CompleteExecution(finishCtx, qi.execID, status, tickCount, errMsg); err != nil {
		log.Error("failed to finalize execution row", zap.Error(err))
	}
	s.saveKnobs(finishCtx)

	s.mu.Lock()
	delta := make([]*v1.TimelineEntry, len(s.timeline)-timelineMark)
	copy(delta, s.timeline[timelineMark:])
	s.mu.Unlock()

	s.stream.emit(&v1.Event{
		Type:               v1.EventExecutionEnd,
		ExecutionID:        qi.execID,
		Tick:               tick,
		Aborted:            status == v1.ExecutionStatusAborted,
		Error:              errMsg,
		Usage:              &totalUsage,
		NewTimelineEntries: delta,
		Output:             strings.ReplaceAll(lastText, DoneMarker, ""),
	})
}

type continuation struct {
	tick       int
	maxTicks   int
	stopReason string
	toolCalls  int
	lastText   string
	done       bool
}

// shouldContinue applies the continuation rules in precedence order: the
// tick ceiling always wins, then the done marker, then tool activity,
// then the app's predicate.
func (s *Session) shouldContinue(ctx context.Context, c continuation) bool {
	if ctx.Err() != nil {
		return false
	}
	if c.tick >= c.maxTicks {
		return false
	}
	if c.done || strings.Contains(c.lastText, DoneMarker) {
		return false
	}
	if c.toolCalls > 0 {
		return true
	}
	if s.config.Continue != nil {
		return s.config.Continue(TickState{
			Tick:       c.tick,
			StopReason: c.stopReason,
			ToolCalls:  c.toolCalls,
			LastText:   c.lastText,
		})
	}
	return false
}

// render walks the mounted configuration into a model request. It does
// no I/O: grounding was collected at execution start and compaction is a
// pure view of the timeline.
func (s *Session) render(execStart time.Time, groundingText string) *model.Request {
	system := s.config.SystemPrompt
	if groundingText != "" {
		system = strings.TrimSpace(system + "\n\n" + groundingText)
	}

	s.mu.Lock()
	timeline := make([]*v1.TimelineEntry, len(s.timeline))
	copy(timeline, s.timeline)
	s.mu.Unlock()

	view := compaction.Compact(timeline, compaction.Options{
		ExecutionStart: execStart,
		Expanded: func(i int) bool {
			return s.Knobs.GetBool(compaction.KnobName(i))
		},
	})

	var messages []model.Message
	for _, entry := range view {
		if entry.Visibility == v1.VisibilityObserver || entry.Visibility == v1.VisibilityLog {
			continue
		}
		role := entry.Role
		if role == v1.RoleEvent {
			role = v1.RoleUser
		}
		messages = append(messages, model.Message{Role: role, Content: entry.Content})
	}

	var schemas []model.ToolSchema
	if s.config.Tools != nil {
		for _, t := range s.config.Tools.List() {
			schemas = append(schemas, model.ToolSchema{
				Name:        t.Name(),
				Description: t.Description(),
				InputSchema: t.Schema(),
			})
		}
	}

	return &model.Request{
		Model:        s.config.ModelName,
		SystemPrompt: system,
		Messages:     messages,
		Tools:        schemas,
	}
}

type toolOutcome struct {
	use    v1.ContentBlock
	result *tools.Result
}

// dispatchTools runs every tool_use of an assistant message, in parallel
// when there are several, then commits the results in call order so the
// persisted timeline is deterministic. Returns the next sequence number
// and whether any tool asked to end the execution.
func (s *Session) dispatchTools(ctx context.Context, execID string, tick, seq int, uses []v1.ContentBlock) (int, bool, error) {
	outcomes := make([]toolOutcome, len(uses))

	g, gctx := errgroup.WithContext(ctx)
	for i, use := range uses {
		g.Go(func() error {
			outcomes[i] = toolOutcome{use: use, result: s.invokeTool(gctx, execID, tick, use)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return seq, false, err
	}
	if ctx.Err() != nil {
		// Results of an aborted tick are dropped.
		return seq, false, ctx.Err()
	}

	done := false
	for _, o := range outcomes {
		s.stream.emit(&v1.Event{
			Type:         v1.EventToolResult,
			ExecutionID:  execID,
			Tick:         tick,
			CallID:       o.use.ID,
			ToolName:     o.use.Name,
			ResultBlocks: o.result.Blocks,
			IsError:      o.result.IsError,
		})
		entry := v1.NewTimelineEntry(s.ID, v1.RoleTool, []v1.ContentBlock{
			v1.ToolResultBlock(o.use.ID, o.result.Blocks, o.result.IsError),
		})
		if _, err := s.commitEntry(ctx, entry, execID, tick, seq); err != nil {
			return seq, false, err
		}
		seq++
		if o.result.Done {
			done = true
		}
	}
	return seq, done, nil
}

// invokeTool runs one tool call. Tool failures become error results in
// the conversation, never engine errors.
func (s *Session) invokeTool(ctx context.Context, execID string, tick int, use v1.ContentBlock) *tools.Result {
	s.stream.emit(&v1.Event{
		Type:        v1.EventToolCallStart,
		ExecutionID: execID,
		Tick:        tick,
		CallID:      use.ID,
		ToolName:    use.Name,
		ToolInput:   use.Input,
	})

	if s.config.Tools == nil {
		return tools.ErrorResult(fmt.Sprintf("no tools mounted, cannot run %q", use.Name))
	}
	tool, err := s.config.Tools.Get(use.Name)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	rc := tools.RunContext{
		SessionID:   s.ID,
		ExecutionID: execID,
		Workspace:   s.config.Workspace,
		Spawn:       s.spawn,
		Confirm:     s.confirmFunc(execID, tick, use),
	}

	result, err := tool.Execute(ctx, rc, use.Input)
	if err != nil {
		if ctx.Err() != nil {
			return tools.ErrorResult("cancelled")
		}
		s.log.Warn("tool execution failed",
			zap.String("tool", use.Name), zap.Error(err))
		return tools.ErrorResult(err.Error())
	}
	if result == nil {
		result = tools.TextResult("(no output)")
	}
	return result
}

// confirmFunc wraps the host confirmation hook so every request is also
// visible on the event stream.
func (s *Session) confirmFunc(execID string, tick int, use v1.ContentBlock) tools.ConfirmFunc {
	return func(ctx context.Context, prompt string) (bool, error) {
		args, _ := json.Marshal(map[string]string{"prompt": prompt})
		s.stream.emit(&v1.Event{
			Type:        v1.EventToolConfirmationRequest,
			ExecutionID: execID,
			Tick:        tick,
			ToolUseID:   use.ID,
			ToolName:    use.Name,
			Arguments:   args,
			Message:     prompt,
		})
		if s.confirm == nil {
			return false, fmt.Errorf("no confirmation channel available")
		}
		return s.confirm(ctx, prompt)
	}
}
