package session

import (
	"context"
	"errors"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/pkg/types"
)

// continuationNotice explains a hard restart to the model. It is merged into
// system instructions and prefixed onto the re-seeded prompt.
const continuationNotice = "Note: this conversation was restarted because it exceeded the model's context window. Prior progress has been discarded; the original task follows. Re-inspect the working tree before assuming any earlier step was or was not completed."

// StreamErrorEvent is a failed model stream for this workspace.
type StreamErrorEvent struct {
	// MessageID is the failed assistant placeholder's id.
	MessageID string

	// RequestID distinguishes the logical request for idempotency. Replays
	// of the same failure reuse the same id.
	RequestID string

	Err error
}

// HandleStreamError runs the context-exceeded escalation ladder: three
// recovery strategies in strict priority order, each firing at most once per
// distinguishing id, then the terminal failure path. Returns true iff a
// recovery retry was issued.
//
// No strategy may fire once the stream has produced visible output: partial
// progress is never discarded.
func (s *Session) HandleStreamError(ctx context.Context, ev *StreamErrorEvent) bool {
	if !provider.IsContextExceeded(ev.Err) {
		return false
	}

	s.mu.Lock()
	op := s.compaction
	st := s.stream
	var opts provider.StreamOptions
	hadDelta, injected := false, false
	if st != nil {
		opts = st.opts
		hadDelta = st.hadDelta
		injected = st.injectedPostCompaction
	}
	s.mu.Unlock()

	if !hadDelta {
		if op != nil && op.StreamMessageID == ev.MessageID {
			if s.tryCompactionRetry(ctx, ev, op, opts) {
				return true
			}
		}
		if injected && s.tryPostCompactionRetry(ctx, ev, opts) {
			return true
		}
		if s.tryHardRestart(ctx, ev, opts) {
			return true
		}
	}

	s.failTerminal(ev, op != nil)
	return false
}

// tryCompactionRetry re-issues a failed compaction stream with a larger or
// truncated effective context, for models that support either.
func (s *Session) tryCompactionRetry(ctx context.Context, ev *StreamErrorEvent, op *CompactionOperation, opts provider.StreamOptions) bool {
	s.mu.Lock()
	if s.compactionRetryTried[op.ID] {
		s.mu.Unlock()
		return false
	}

	switch {
	case provider.SupportsAutoTruncation(opts.Model):
		opts.Truncation = "auto"
	case provider.Supports1MContext(opts.Model) && !opts.Context1M:
		opts.Context1M = true
	default:
		s.mu.Unlock()
		return false
	}
	s.compactionRetryTried[op.ID] = true
	// The failed placeholder is about to be deleted, so the operation is
	// rebound to a fresh stream id; the commit gate matches on it.
	retryStreamID := newID()
	op.StreamMessageID = retryStreamID
	s.mu.Unlock()

	s.log.Info().Str("operation", op.ID).Str("model", opts.Model).Msg("retrying compaction with adjusted context")
	s.clearFailedPlaceholder(ctx, ev.MessageID)

	msgs, err := s.history.Get(ctx, s.workspaceID)
	if err != nil {
		s.log.Error().Err(err).Str("operation", op.ID).Msg("compaction retry: read history")
		return false
	}

	s.InitStreamState(retryStreamID, opts)
	s.launchRetry(ctx, StreamRequest{
		Options:       opts,
		CompactionID:  op.ID,
		MessageID:     retryStreamID,
		SummaryPrompt: BuildSummaryPrompt(msgs),
	}, s.compactionRetryTried, op.ID)
	return true
}

// tryPostCompactionRetry retries the identical request with post-compaction
// injection suppressed, treating the injected attachments as the probable
// cause of the overflow.
func (s *Session) tryPostCompactionRetry(ctx context.Context, ev *StreamErrorEvent, opts provider.StreamOptions) bool {
	s.mu.Lock()
	if s.postCompactionRetryTried[ev.RequestID] {
		s.mu.Unlock()
		return false
	}
	s.postCompactionRetryTried[ev.RequestID] = true
	s.pendingDiffs = nil
	s.attachmentsPending = false
	s.mu.Unlock()

	opts.SuppressPostCompaction = true

	s.log.Info().Str("request", ev.RequestID).Msg("retrying without post-compaction attachments")
	s.clearFailedPlaceholder(ctx, ev.MessageID)
	s.launchRetry(ctx, StreamRequest{Options: opts}, s.postCompactionRetryTried, ev.RequestID)
	return true
}

// tryHardRestart deletes the entire history and re-seeds it with the original
// task prompt. Opt-in, and only for edit-capable child task workspaces, which
// can re-derive their state from the working tree.
func (s *Session) tryHardRestart(ctx context.Context, ev *StreamErrorEvent, opts provider.StreamOptions) bool {
	if !s.cfg.Experiments.ExecHardRestart || !s.childTask || !s.execCapable {
		return false
	}

	s.mu.Lock()
	if s.hardRestartTried[ev.RequestID] {
		s.mu.Unlock()
		return false
	}
	s.hardRestartTried[ev.RequestID] = true
	s.pendingDiffs = nil
	s.attachmentsPending = false
	s.compaction = nil
	s.queue = nil
	s.mu.Unlock()

	s.clearFailedPlaceholder(ctx, ev.MessageID)

	msgs, err := s.history.Get(ctx, s.workspaceID)
	if err != nil {
		s.log.Error().Err(err).Msg("hard restart: read history")
		return false
	}

	seed := seedMessages(msgs)
	if len(seed) == 0 {
		s.log.Warn().Msg("hard restart: no user prompt to re-seed from")
		return false
	}

	discarded := make([]int, 0, len(msgs))
	for _, m := range msgs {
		discarded = append(discarded, m.Meta.HistorySequence)
	}

	if _, err := s.history.ReplaceAll(ctx, s.workspaceID, seed); err != nil {
		s.log.Error().Err(err).Msg("hard restart: replace history")
		return false
	}

	s.emit(event.ChatEvent{Kind: event.KindDelete, DeletedSequences: discarded})
	for _, m := range seed {
		s.emit(event.ChatEvent{Kind: event.KindMessage, Message: m})
	}

	opts.ExtraSystem = continuationNotice
	opts.SuppressPostCompaction = true

	s.log.Info().Str("request", ev.RequestID).Int("discarded", len(discarded)).Msg("hard restart after context overflow")
	s.launchRetry(ctx, StreamRequest{Options: opts}, s.hardRestartTried, ev.RequestID)
	return true
}

// seedMessages selects the earliest non-synthetic user prompt plus any
// synthetic snapshot messages immediately preceding it, with the continuation
// notice prefixed onto the prompt.
func seedMessages(msgs []*types.Message) []*types.Message {
	promptIdx := -1
	for i, m := range msgs {
		if m.Role == types.RoleUser && !m.Meta.Synthetic {
			promptIdx = i
			break
		}
	}
	if promptIdx < 0 {
		return nil
	}

	start := promptIdx
	for start > 0 && msgs[start-1].Meta.Synthetic {
		start--
	}

	var seed []*types.Message
	for _, m := range msgs[start:promptIdx] {
		copied := *m
		seed = append(seed, &copied)
	}

	prompt := *msgs[promptIdx]
	prompt.Parts = append([]types.Part{
		&types.TextPart{ID: newID(), Type: "text", Text: continuationNotice + "\n\n"},
	}, prompt.Parts...)
	seed = append(seed, &prompt)
	return seed
}

// clearFailedPlaceholder removes every trace of the failed assistant
// placeholder: abort event, uncommitted partial, and the history entry.
func (s *Session) clearFailedPlaceholder(ctx context.Context, messageID string) {
	s.emit(event.ChatEvent{Kind: event.KindStreamAbort, MessageID: messageID})
	if err := s.partials.Delete(ctx, s.workspaceID); err != nil {
		s.log.Warn().Err(err).Msg("retry: delete partial")
	}
	if err := s.history.DeleteMessage(ctx, s.workspaceID, messageID); err != nil {
		s.log.Warn().Err(err).Msg("retry: delete placeholder")
	}
}

// launchRetry issues the recovery stream. A cancelled retry releases its
// idempotency entry so a legitimate later retry is not blocked; any other
// outcome keeps it, because the strategy has had its one shot.
func (s *Session) launchRetry(ctx context.Context, req StreamRequest, tried map[string]bool, id string) {
	err := s.startStream(ctx, req)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		s.mu.Lock()
		delete(tried, id)
		s.mu.Unlock()
		return
	}
	s.log.Error().Err(err).Msg("recovery stream failed to start")
}

// failTerminal is the terminal failure path: clear retry state, drop queued
// sends if a compaction had been active, and surface the error to the UI.
func (s *Session) failTerminal(ev *StreamErrorEvent, compactionWasActive bool) {
	s.mu.Lock()
	var model string
	if s.stream != nil {
		model = s.stream.opts.Model
	}
	s.stream = nil
	if compactionWasActive {
		s.queue = nil
		s.compaction = nil
	}
	s.mu.Unlock()

	if ev.Err != nil {
		s.log.Warn().Err(ev.Err).Str("request", ev.RequestID).Msg("context exceeded, no recovery strategy applicable")
	}
	s.emit(event.ChatEvent{
		Kind:      event.KindStreamError,
		MessageID: ev.MessageID,
		Error:     types.NewContextExceededError(model, errText(ev.Err)),
	})
}

func errText(err error) string {
	if err == nil {
		return "the request exceeded the model's context window"
	}
	return err.Error()
}
