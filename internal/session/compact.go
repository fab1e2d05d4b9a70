package session

import (
	"context"
	"errors"
	"strings"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/pkg/types"
)

// CompactionSource identifies what requested a compaction.
type CompactionSource string

const (
	SourceUser  CompactionSource = "user"
	SourceForce CompactionSource = "force-compaction"
	SourceIdle  CompactionSource = "idle-compaction"
)

// CompactionOperation is an active control-plane request to compact the
// workspace's history. At most one is active per workspace, and each is
// consumed exactly once.
type CompactionOperation struct {
	ID              string
	StreamMessageID string
	Source          CompactionSource

	// Continuation is sent after the compaction commits (the message whose
	// send triggered a forced compaction).
	Continuation *QueuedSend
}

// ErrCompactionActive is returned when a second compaction is requested while
// one is in flight.
var ErrCompactionActive = errors.New("a compaction is already active")

// RequestCompaction registers op as the active compaction.
func (s *Session) RequestCompaction(op *CompactionOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compaction != nil {
		return ErrCompactionActive
	}
	s.compaction = op
	return nil
}

// ActiveCompaction returns the active compaction operation, or nil.
func (s *Session) ActiveCompaction() *CompactionOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compaction
}

// ClearActiveCompactionOperation clears the active operation, e.g. on stream
// abort or validation failure.
func (s *Session) ClearActiveCompactionOperation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compaction = nil
}

// ErrNothingToCompact is returned when a compaction is requested on an empty
// history.
var ErrNothingToCompact = errors.New("nothing to compact")

// StartCompaction registers a new compaction operation and issues its summary
// stream. The operation stays active until the bound stream ends or fails;
// a stream that cannot even be issued leaves no active operation behind.
func (s *Session) StartCompaction(ctx context.Context, source CompactionSource, opts StartCompactionOptions) (*CompactionOperation, error) {
	msgs, err := s.history.Get(ctx, s.workspaceID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNothingToCompact
	}

	op := &CompactionOperation{
		ID:              newID(),
		StreamMessageID: newID(),
		Source:          source,
		Continuation:    opts.Continuation,
	}
	if err := s.RequestCompaction(op); err != nil {
		return nil, err
	}

	streamOpts := opts.Stream
	s.InitStreamState(op.StreamMessageID, streamOpts)
	if err := s.startStream(ctx, StreamRequest{
		Options:       streamOpts,
		CompactionID:  op.ID,
		MessageID:     op.StreamMessageID,
		SummaryPrompt: BuildSummaryPrompt(msgs),
	}); err != nil {
		s.ClearActiveCompactionOperation()
		s.ResetActiveStreamState()
		return nil, err
	}

	s.log.Info().Str("operation", op.ID).Str("source", string(source)).Msg("compaction started")
	return op, nil
}

// StartCompactionOptions carries the send options for a compaction stream.
type StartCompactionOptions struct {
	Stream       provider.StreamOptions
	Continuation *QueuedSend
}

// StreamEndEvent is a completed model stream for this workspace.
type StreamEndEvent struct {
	MessageID  string
	Message    *types.Message
	Model      string
	Usage      *types.TokenUsage
	DurationMS int64
}

// ShouldCompact reports whether context usage has crossed the idle-compaction
// threshold.
func ShouldCompact(usedTokens, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(usedTokens)/float64(contextWindow) >= 0.75
}

// HandleStreamCompletion commits the active compaction if this stream-end
// belongs to it. Returns true iff the event was a compaction stream's end;
// the caller then skips its normal stream-end handling.
//
// The operation is deduplicated by id: a second delivery of the same event
// (e.g. after a reconnect) returns true without re-running side effects.
func (s *Session) HandleStreamCompletion(ctx context.Context, ev *StreamEndEvent) bool {
	s.mu.Lock()
	op := s.compaction
	if op == nil || op.StreamMessageID != ev.MessageID {
		// A replayed stream-end for an already-consumed operation (e.g.
		// after a reconnect) is acknowledged without side effects; anything
		// else is an unrelated completion that must never destroy history.
		replay := op == nil && s.processedStreams[ev.MessageID]
		s.mu.Unlock()
		return replay
	}
	if s.processedOps[op.ID] {
		s.mu.Unlock()
		return true
	}
	s.processedOps[op.ID] = true
	s.processedStreams[ev.MessageID] = true
	s.mu.Unlock()

	summary := strings.TrimSpace(ev.Message.Text())
	if words := len(strings.Fields(summary)); summary == "" || words < s.cfg.CompactionMinSummaryWords {
		// Too short to safely replace the transcript. Leave history
		// untouched but still forward the stream-end so the UI settles.
		s.log.Warn().
			Str("operation", op.ID).
			Int("words", len(strings.Fields(summary))).
			Int("minWords", s.cfg.CompactionMinSummaryWords).
			Msg("compaction summary rejected")
		s.ClearActiveCompactionOperation()
		s.emit(event.ChatEvent{Kind: event.KindStreamEnd, MessageID: ev.MessageID, Message: ev.Message})
		return true
	}

	msgs, err := s.history.Get(ctx, s.workspaceID)
	if err != nil {
		s.log.Error().Err(err).Msg("compaction: read history")
		s.ClearActiveCompactionOperation()
		s.emit(event.ChatEvent{Kind: event.KindStreamEnd, MessageID: ev.MessageID, Message: ev.Message})
		return true
	}

	// Delete any stale uncommitted partial before clearing history, so it
	// cannot be appended onto the fresh summary-only history by a racing
	// commit.
	if err := s.partials.Delete(ctx, s.workspaceID); err != nil {
		s.log.Warn().Err(err).Msg("compaction: delete partial")
	}

	// The discarded history is the last chance to harvest file-edit diffs
	// for later re-injection.
	diffs := extractFileDiffs(msgs)

	summaryMsg := &types.Message{
		ID:   newID(),
		Role: types.RoleAssistant,
		Parts: []types.Part{
			&types.TextPart{ID: newID(), Type: "text", Text: summary},
		},
		Meta: types.MessageMeta{
			Timestamp:  s.summaryTimestamp(op.Source, msgs),
			Synthetic:  true,
			Compacted:  compactedTag(op.Source),
			Model:      ev.Model,
			DurationMS: ev.DurationMS,
		},
	}
	if ev.Usage != nil {
		// Cache counters reflect pre-compaction state and would inflate
		// displayed context usage, so they are dropped.
		usage := ev.Usage.WithoutCache()
		summaryMsg.Meta.Usage = &usage
	}

	// Compute the discarded sequences from the in-memory pre-compaction
	// history, not the store's return value: if on-disk parsing is out of
	// sync the UI must still see a delete set consistent with what it has
	// rendered.
	discarded := make([]int, 0, len(msgs))
	for _, m := range msgs {
		discarded = append(discarded, m.Meta.HistorySequence)
	}

	if _, err := s.history.ReplaceAll(ctx, s.workspaceID, []*types.Message{summaryMsg}); err != nil {
		s.log.Error().Err(err).Str("operation", op.ID).Msg("compaction: replace history")
		s.ClearActiveCompactionOperation()
		s.emit(event.ChatEvent{Kind: event.KindStreamEnd, MessageID: ev.MessageID, Message: ev.Message})
		return true
	}

	// Ordering is load-bearing: consumers must clear the old messages
	// before rendering the new summary, then observe the stream end.
	s.emit(event.ChatEvent{Kind: event.KindDelete, DeletedSequences: discarded})
	s.emit(event.ChatEvent{Kind: event.KindMessage, Message: summaryMsg})
	s.emit(event.ChatEvent{Kind: event.KindStreamEnd, MessageID: ev.MessageID, Message: ev.Message})

	s.mu.Lock()
	s.pendingDiffs = diffs
	s.attachmentsPending = true
	s.compaction = nil
	s.mu.Unlock()

	s.log.Info().
		Str("operation", op.ID).
		Str("source", string(op.Source)).
		Int("discarded", len(discarded)).
		Msg("history compacted")
	return true
}

// summaryTimestamp picks the summary message's timestamp. Idle compactions
// inherit the last real activity timestamp so a workspace does not look
// freshly used in recency-sorted views; everything else uses current time.
func (s *Session) summaryTimestamp(source CompactionSource, msgs []*types.Message) int64 {
	if source != SourceIdle {
		return nowMillis()
	}

	var best int64
	for _, m := range msgs {
		if m.Role == types.RoleUser && !m.Meta.Synthetic && m.Meta.Timestamp > best {
			best = m.Meta.Timestamp
		}
		if m.Meta.Compacted != types.CompactedNone && m.Meta.Timestamp > best {
			best = m.Meta.Timestamp
		}
	}
	if best == 0 {
		return nowMillis()
	}
	return best
}

func compactedTag(source CompactionSource) types.CompactedTag {
	if source == SourceIdle {
		return types.CompactedIdle
	}
	return types.CompactedUser
}

// BuildSummaryPrompt renders history into the summarization request used to
// kick off a compaction stream.
func BuildSummaryPrompt(msgs []*types.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the conversation below. The summary will be the only context available when the conversation continues, so preserve: what was accomplished, current work in progress, files involved, next steps, and key user requests or constraints.\n\n---\n\n")

	for _, m := range msgs {
		if m.Role == types.RoleUser {
			b.WriteString("USER:\n")
		} else {
			b.WriteString("ASSISTANT:\n")
		}
		for _, p := range m.Parts {
			switch pt := p.(type) {
			case *types.TextPart:
				b.WriteString(pt.Text)
				b.WriteString("\n")
			case *types.ToolPart:
				b.WriteString("[Tool: " + pt.ToolName + "]\n")
				if pt.Output != nil {
					out := *pt.Output
					if len(out) > 500 {
						out = out[:500] + "..."
					}
					b.WriteString(out)
					b.WriteString("\n")
				}
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
