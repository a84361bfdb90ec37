// Package graph implements the Agent Graph Executor: a small
// state machine that alternates MODEL CALL and TOOL NODE steps until the
// model emits a final assistant message or a call to an external-only
// tool. The loop persists every message through the Checkpoint Store
// as it goes, so a crash or cancellation at any point leaves a thread
// that can be repaired and resumed.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/checkpoint"
	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/internal/toolinvoker"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// cancelledSuffix is appended to the partial assistant text buffered
// when a streaming turn is cancelled.
const cancelledSuffix = " ⚠️ (reply terminated by user)"

// TriggerSource tags the origin of the current turn's user message.
const TriggerSourceSystem = "system"

// Input is one turn's request into the executor: the /ask and
// /ask_stream bodies, minus auth fields already checked at ingress.
type Input struct {
	UserID    string
	SessionID string

	// Text and Parts together form the current turn's user content; if
	// Parts is non-empty the content is multipart, otherwise Text alone
	// is used (mirrors models.ThreadContent's two shapes).
	Text  string
	Parts []models.Part

	UserProfile   string
	SkillManifest []string

	// EnabledTools is nil for "all enabled", non-nil (possibly empty)
	// for an explicit subset.
	EnabledTools    []string
	AllToolsEnabled bool
	ExternalTools   []agent.Tool
	TriggerSource   string
	VisionSupported bool
	Model           string
	MaxTokens       int
}

// Config wires an Executor's collaborators: the Model Gateway (an
// agent.LLMProvider), the Tool Registry & Invoker, and the Checkpoint
// Store.
type Config struct {
	Provider      agent.LLMProvider
	Invoker       *toolinvoker.Invoker
	Store         checkpoint.Store
	Logger        *slog.Logger
	MaxIterations int // default 8

	// Metrics and Tracer are optional; nil disables instrumentation.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Executor drives the MODEL CALL / TOOL NODE state machine for one
// thread at a time.
type Executor struct {
	cfg    Config
	notice *noticeCache
}

// New builds an Executor from cfg, filling in defaults.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	return &Executor{cfg: cfg, notice: newNoticeCache()}
}

func threadIDOf(in Input) string {
	return models.ThreadID(in.UserID, in.SessionID)
}

// Run executes one non-streaming turn and returns the
// final assistant text.
func (e *Executor) Run(ctx context.Context, in Input) (string, error) {
	var final strings.Builder
	events, err := e.RunStream(ctx, in)
	if err != nil {
		return "", err
	}
	for ev := range events {
		switch ev.Kind {
		case EventText:
			final.WriteString(ev.Text)
		case EventDone, EventCancelled:
			if ev.Err != nil {
				return final.String(), ev.Err
			}
		}
	}
	return final.String(), nil
}

// RunStream executes one turn, returning a channel of Events. The
// channel is always closed, whether the turn ends normally, is
// cancelled via ctx, or fails. Cancellation repair runs
// internally before the channel closes.
func (e *Executor) RunStream(ctx context.Context, in Input) (<-chan Event, error) {
	threadID := threadIDOf(in)
	out := make(chan Event, 16)

	history, err := e.loadHistory(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("graph: load history: %w", err)
	}

	enabled := toolinvoker.EnabledSet(nil)
	if !in.AllToolsEnabled {
		enabled = toolinvoker.NewEnabledSet(in.EnabledTools)
	}
	notice := e.notice.needsNotice(in.UserID, enabledSetSignature(in.EnabledTools, in.AllToolsEnabled))

	userMsg := e.buildUserMessage(in, notice)
	if _, err := e.cfg.Store.Update(ctx, threadID, []models.ThreadMessage{userMsg}); err != nil {
		return nil, fmt.Errorf("graph: persist user message: %w", err)
	}
	history = append(history, userMsg)

	go e.loop(ctx, threadID, in, history, enabled, notice, out)
	return out, nil
}

func (e *Executor) loadHistory(ctx context.Context, threadID string) ([]models.ThreadMessage, error) {
	snap, err := e.cfg.Store.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sanitizeHistory(snap.Messages, e.cfg.Invoker), nil
}

// sanitizeHistory drops a trailing assistant
// message whose tool-call requests are not all satisfied by
// tool-results, unless the unsatisfied calls are all external (in which
// case they are preserved, awaiting the caller's results).
func sanitizeHistory(history []models.ThreadMessage, inv *toolinvoker.Invoker) []models.ThreadMessage {
	if len(history) == 0 {
		return history
	}
	last := &history[len(history)-1]
	if last.Role != models.RoleAssistant {
		return history
	}
	unsatisfied := last.UnsatisfiedToolCallIDs()
	if len(unsatisfied) == 0 {
		return history
	}
	if inv != nil {
		allExternal := true
		byID := make(map[string]models.ToolCall, len(last.ToolCalls))
		for _, c := range last.ToolCalls {
			byID[c.ID] = c
		}
		for _, id := range unsatisfied {
			if call, ok := byID[id]; ok && inv.IsInternal(call.Name) {
				allExternal = false
				break
			}
		}
		if allExternal {
			return history
		}
	}
	return history[:len(history)-1]
}

// buildUserMessage constructs the current turn's ThreadMessage, applying
// the tool-state notice (step 4) and system-trigger wrapping (step 5).
func (e *Executor) buildUserMessage(in Input, notice bool) models.ThreadMessage {
	content := models.NewPlainContent(in.Text)
	if len(in.Parts) > 0 {
		content = models.NewMultipartContent(in.Parts...)
	}

	if in.TriggerSource == TriggerSourceSystem {
		content = wrapSystemTrigger(content)
	}
	if notice {
		content = prependNotice(content, toolStateNoticeTemplate)
	}

	return models.ThreadMessage{
		ID:            uuid.NewString(),
		ThreadID:      models.ThreadID(in.UserID, in.SessionID),
		Role:          models.RoleUser,
		Content:       content,
		TriggerSource: in.TriggerSource,
		CreatedAt:     time.Now(),
	}
}

func wrapSystemTrigger(c models.ThreadContent) models.ThreadContent {
	wrapped := fmt.Sprintf(systemTriggerTemplate, c.Text())
	if !c.IsMultipart() {
		return models.NewPlainContent(wrapped)
	}
	parts := make([]models.Part, 0, len(c.Parts))
	wroteText := false
	for _, p := range c.Parts {
		if p.Kind == models.PartText && !wroteText {
			parts = append(parts, models.Part{Kind: models.PartText, Text: wrapped})
			wroteText = true
			continue
		}
		parts = append(parts, p)
	}
	if !wroteText {
		parts = append([]models.Part{{Kind: models.PartText, Text: wrapped}}, parts...)
	}
	return models.NewMultipartContent(parts...)
}

// prependNotice injects the tool-state notice: if the user message is
// multipart, prepend the notice as a text part; otherwise prefix it to
// the plain text.
func prependNotice(c models.ThreadContent, notice string) models.ThreadContent {
	if !c.IsMultipart() {
		return models.NewPlainContent(notice + c.Plain)
	}
	parts := append([]models.Part{{Kind: models.PartText, Text: strings.TrimRight(notice, "\n")}}, c.Parts...)
	return models.NewMultipartContent(parts...)
}

// loop drives the MODEL CALL / TOOL NODE alternation until the model
// emits a turn with no internal tool-calls, an external-only tool-call
// set, the iteration cap is hit, or ctx is cancelled.
func (e *Executor) loop(ctx context.Context, threadID string, in Input, history []models.ThreadMessage, enabled toolinvoker.EnabledSet, notice bool, out chan<- Event) {
	defer close(out)

	turnStart := time.Now()
	status := "error"
	defer func() { e.recordTurn(in.TriggerSource, status, turnStart) }()

	// olderHistory (everything before the current turn's user message)
	// gets multimodal stripping; the just-appended user
	// message (last element) keeps its binary content intact.
	stripped := make([]models.ThreadMessage, len(history))
	copy(stripped, history)
	for i := 0; i < len(stripped)-1; i++ {
		stripped[i].Content = stripped[i].Content.Stripped()
	}

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			status = "cancelled"
			e.handleCancellation(context.Background(), threadID, "", nil, out)
			return
		}

		system := buildSystemPrompt(toolNamesFor(e.cfg.Invoker, enabled, in.ExternalTools), in.UserProfile, in.SkillManifest, notice && iter == 0)
		req := &agent.CompletionRequest{
			Model:     in.Model,
			System:    system,
			Messages:  toCompletionMessages(stripped, in.VisionSupported),
			Tools:     append(e.cfg.Invoker.AsLLMTools(enabled), in.ExternalTools...),
			MaxTokens: in.MaxTokens,
		}

		modelCtx := ctx
		var modelSpan trace.Span
		if e.cfg.Tracer != nil {
			modelCtx, modelSpan = e.cfg.Tracer.Start(ctx, "model_call")
		}
		modelStart := time.Now()
		chunks, err := e.cfg.Provider.Complete(modelCtx, req)
		if err != nil {
			e.recordModelCall(req.Model, modelStart, err)
			endSpan(modelSpan, err)
			out <- Event{Kind: EventDone, Err: err}
			e.persistErrorMessage(context.Background(), threadID, err)
			return
		}

		assistant, toolCalls, cancelled, streamErr := e.drainChunks(ctx, chunks, out)
		e.recordModelCall(req.Model, modelStart, streamErr)
		endSpan(modelSpan, streamErr)
		if cancelled {
			status = "cancelled"
			e.handleCancellation(context.Background(), threadID, assistant.Content.Text(), toolCalls, out)
			return
		}
		if streamErr != nil {
			out <- Event{Kind: EventDone, Err: streamErr}
			e.persistErrorMessage(context.Background(), threadID, streamErr)
			return
		}

		assistant.ID = uuid.NewString()
		assistant.ThreadID = threadID
		assistant.Role = models.RoleAssistant
		assistant.ToolCalls = toolCalls
		assistant.CreatedAt = time.Now()

		if _, err := e.cfg.Store.Update(context.Background(), threadID, []models.ThreadMessage{assistant}); err != nil {
			e.cfg.Logger.Error("graph: failed to persist assistant message", "error", err, "thread_id", threadID)
		}
		stripped = append(stripped, assistant)

		if len(toolCalls) == 0 {
			status = "ok"
			out <- Event{Kind: EventDone}
			return
		}

		internal, external := partitionCalls(e.cfg.Invoker, toolCalls)
		if len(external) > 0 {
			// Any external call in the batch ends the turn here: the
			// assistant message keeps its tool-call requests unanswered
			// and the caller supplies the results before resuming.
			status = "ok"
			out <- Event{Kind: EventDone}
			return
		}

		for _, c := range internal {
			out <- Event{Kind: EventToolCall, ToolName: c.Name}
		}
		invokerCalls := make([]toolinvoker.Call, len(internal))
		for i, c := range internal {
			invokerCalls[i] = toolinvoker.Call{CallID: c.ID, Name: c.Name, Args: c.Input}
		}
		toolCtx := ctx
		var toolSpan trace.Span
		if e.cfg.Tracer != nil {
			toolCtx, toolSpan = e.cfg.Tracer.Start(ctx, "tool_node")
		}
		results := e.cfg.Invoker.Invoke(toolCtx, invokerCalls, enabled, toolinvoker.Context{UserID: in.UserID, SessionID: in.SessionID})
		endSpan(toolSpan, nil)

		toolMsg := models.ThreadMessage{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			Role:      models.RoleTool,
			CreatedAt: time.Now(),
		}
		for _, r := range results {
			toolMsg.ToolResults = append(toolMsg.ToolResults, models.ThreadToolResult{
				ToolCallID: r.CallID,
				Content:    r.Content,
				Status:     r.Status,
			})
			out <- Event{Kind: EventToolResult, ToolName: r.CallID}
		}
		if _, err := e.cfg.Store.Update(context.Background(), threadID, []models.ThreadMessage{toolMsg}); err != nil {
			e.cfg.Logger.Error("graph: failed to persist tool results", "error", err, "thread_id", threadID)
		}
		stripped = append(stripped, toolMsg)
	}

	out <- Event{Kind: EventDone, Err: fmt.Errorf("graph: reached max iterations (%d) without a final answer", e.cfg.MaxIterations)}
}

// drainChunks reads the provider's streaming response, forwarding text
// chunks as Events and accumulating the final assistant message.
// cancelled reports whether ctx ended before the stream completed.
func (e *Executor) drainChunks(ctx context.Context, chunks <-chan *agent.CompletionChunk, out chan<- Event) (assistant models.ThreadMessage, calls []models.ToolCall, cancelled bool, err error) {
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			assistant.Content = models.NewPlainContent(text.String())
			return assistant, calls, true, nil
		case chunk, ok := <-chunks:
			if !ok {
				assistant.Content = models.NewPlainContent(text.String())
				return assistant, calls, false, nil
			}
			if chunk.Error != nil {
				assistant.Content = models.NewPlainContent(text.String())
				return assistant, calls, false, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				out <- Event{Kind: EventText, Text: chunk.Text}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				assistant.Content = models.NewPlainContent(text.String())
				return assistant, calls, false, nil
			}
		}
	}
}

// handleCancellation finishes an aborted turn: buffer
// already-emitted tokens into a synthetic assistant message with the
// termination suffix, persist it, then repair any unsatisfied internal
// tool-calls left dangling by this or an earlier iteration.
func (e *Executor) handleCancellation(ctx context.Context, threadID, partialText string, pendingCalls []models.ToolCall, out chan<- Event) {
	if strings.TrimSpace(partialText) != "" || len(pendingCalls) > 0 {
		msg := models.ThreadMessage{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			Role:      models.RoleAssistant,
			Content:   models.NewPlainContent(partialText + cancelledSuffix),
			ToolCalls: pendingCalls,
			CreatedAt: time.Now(),
		}
		if _, err := e.cfg.Store.Update(ctx, threadID, []models.ThreadMessage{msg}); err != nil {
			e.cfg.Logger.Error("graph: failed to persist cancelled assistant message", "error", err, "thread_id", threadID)
		}
	}

	if err := Repair(ctx, e.cfg.Store, threadID); err != nil {
		e.cfg.Logger.Error("graph: failed to repair thread after cancellation", "error", err, "thread_id", threadID)
	}
	out <- Event{Kind: EventCancelled}
}

func (e *Executor) persistErrorMessage(ctx context.Context, threadID string, err error) {
	msg := models.ThreadMessage{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      models.RoleAssistant,
		Content:   models.NewPlainContent(err.Error()),
		CreatedAt: time.Now(),
	}
	if _, storeErr := e.cfg.Store.Update(ctx, threadID, []models.ThreadMessage{msg}); storeErr != nil {
		e.cfg.Logger.Error("graph: failed to persist vendor-error message", "error", storeErr, "thread_id", threadID)
	}
}

// Repair is the single thread-cleanup routine: load the latest
// snapshot, and if the trailing assistant message has unsatisfied
// internal tool-calls, append synthetic cancelled tool-results so every
// call-id is answered before the thread is used again. It is exported so
// the Session & Task Manager's /cancel handler can call it directly
// after aborting a task, independent of whether the executor's own
// streaming loop already ran it.
func Repair(ctx context.Context, store checkpoint.Store, threadID string) error {
	snap, err := store.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}
	if len(snap.Messages) == 0 {
		return nil
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != models.RoleAssistant {
		return nil
	}
	unsatisfied := last.UnsatisfiedToolCallIDs()
	if len(unsatisfied) == 0 {
		return nil
	}

	repair := models.ThreadMessage{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      models.RoleTool,
		CreatedAt: time.Now(),
	}
	for _, id := range unsatisfied {
		repair.ToolResults = append(repair.ToolResults, models.ThreadToolResult{
			ToolCallID: id,
			Content:    "tool call terminated by user",
			Status:     models.ThreadToolResultCancelled,
		})
	}
	_, err = store.Update(ctx, threadID, []models.ThreadMessage{repair})
	return err
}

func partitionCalls(inv *toolinvoker.Invoker, calls []models.ToolCall) (internal, external []models.ToolCall) {
	for _, c := range calls {
		if inv.IsInternal(c.Name) {
			internal = append(internal, c)
		} else {
			external = append(external, c)
		}
	}
	return internal, external
}

func toolNamesFor(inv *toolinvoker.Invoker, enabled toolinvoker.EnabledSet, external []agent.Tool) []string {
	var names []string
	for _, t := range inv.AsLLMTools(enabled) {
		names = append(names, t.Name())
	}
	for _, t := range external {
		names = append(names, t.Name())
	}
	return names
}

// toCompletionMessages converts persisted ThreadMessages to the Model
// Gateway's CompletionMessage shape, applying the vision capability
// probe: when the deployment's vendor lacks vision support,
// image parts are stripped and an apology note is prepended to the
// message's text.
func toCompletionMessages(history []models.ThreadMessage, visionSupported bool) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			text, attachments := renderUserContent(m.Content, visionSupported)
			out = append(out, agent.CompletionMessage{Role: "user", Content: text, Attachments: attachments})
		case models.RoleAssistant:
			calls := append([]models.ToolCall(nil), m.ToolCalls...)
			out = append(out, agent.CompletionMessage{Role: "assistant", Content: m.Content.Text(), ToolCalls: calls})
		case models.RoleTool:
			results := make([]models.ToolResult, 0, len(m.ToolResults))
			for _, r := range m.ToolResults {
				results = append(results, models.ToolResult{
					ToolCallID: r.ToolCallID,
					Content:    r.Content,
					IsError:    r.IsError(),
				})
			}
			out = append(out, agent.CompletionMessage{Role: "tool", ToolResults: results})
		}
	}
	return out
}

func renderUserContent(c models.ThreadContent, visionSupported bool) (string, []models.Attachment) {
	if !c.IsMultipart() {
		return c.Plain, nil
	}
	if !visionSupported && c.HasBinary() {
		return "(note: attachments were omitted because this model does not support them)\n" + c.Text(), nil
	}

	var textParts []string
	var attachments []models.Attachment
	for _, p := range c.Parts {
		switch p.Kind {
		case models.PartText:
			textParts = append(textParts, p.Text)
		case models.PartImage:
			attachments = append(attachments, models.Attachment{ID: uuid.NewString(), Type: "image", URL: p.DataURI})
		case models.PartFile:
			if p.FileText != "" {
				textParts = append(textParts, fmt.Sprintf("[file %s]\n%s", p.Filename, p.FileText))
			} else {
				attachments = append(attachments, models.Attachment{ID: uuid.NewString(), Type: "file", Filename: p.Filename})
			}
		case models.PartAudio:
			attachments = append(attachments, models.Attachment{ID: uuid.NewString(), Type: "audio", MimeType: p.AudioFormat})
		}
	}
	return strings.Join(textParts, "\n"), attachments
}

func (e *Executor) recordTurn(triggerSource, status string, start time.Time) {
	if e.cfg.Metrics == nil {
		return
	}
	if triggerSource == "" {
		triggerSource = "user"
	}
	e.cfg.Metrics.TurnCounter.WithLabelValues(triggerSource, status).Inc()
	e.cfg.Metrics.TurnDuration.WithLabelValues(triggerSource).Observe(time.Since(start).Seconds())
}

func (e *Executor) recordModelCall(model string, start time.Time, err error) {
	if e.cfg.Metrics == nil {
		return
	}
	provider := e.cfg.Provider.Name()
	status := "success"
	if err != nil {
		status = "error"
	}
	e.cfg.Metrics.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	e.cfg.Metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
