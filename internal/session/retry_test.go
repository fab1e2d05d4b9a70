package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/pkg/types"
)

func contextExceeded() *StreamErrorEvent {
	return &StreamErrorEvent{
		MessageID: "A",
		RequestID: "req1",
		Err:       provider.NewContextExceeded("prompt is too long"),
	}
}

func TestHandleStreamError_IgnoresOtherErrors(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	f.session.InitStreamState("A", provider.StreamOptions{Model: "openai/gpt-5"})

	handled := f.session.HandleStreamError(context.Background(), &StreamErrorEvent{
		MessageID: "A",
		RequestID: "req1",
		Err:       &provider.Error{Type: provider.ErrorAuth, Message: "bad key"},
	})
	assert.False(t, handled)
	assert.Empty(t, f.streams)
	assert.Empty(t, f.events)
}

func TestHandleStreamError_CompactionRetryWinsOverInjection(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	require.NoError(t, f.session.RequestCompaction(&CompactionOperation{
		ID: "op1", StreamMessageID: "A", Source: SourceForce,
	}))
	f.session.InitStreamState("A", provider.StreamOptions{Model: "openai/gpt-5"})
	f.session.MarkPostCompactionInjected()

	handled := f.session.HandleStreamError(ctx, contextExceeded())
	assert.True(t, handled)

	// Higher-priority strategy fired: the compaction stream was re-issued
	// with automatic truncation, not the injection-suppressed retry.
	require.Len(t, f.streams, 1)
	assert.Equal(t, "op1", f.streams[0].CompactionID)
	assert.Equal(t, "auto", f.streams[0].Options.Truncation)
	assert.False(t, f.streams[0].Options.SuppressPostCompaction)

	// The failed placeholder was aborted.
	assert.Contains(t, f.eventKinds(), event.KindStreamAbort)
}

func TestHandleStreamError_CompactionRetryCommitsOnCompletion(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", textMessage(types.RoleUser, "please refactor"))
	require.NoError(t, err)

	op := &CompactionOperation{ID: "op1", StreamMessageID: "A", Source: SourceUser}
	require.NoError(t, f.session.RequestCompaction(op))
	f.session.InitStreamState("A", provider.StreamOptions{Model: "openai/gpt-5"})

	require.True(t, f.session.HandleStreamError(ctx, contextExceeded()))
	require.Len(t, f.streams, 1)

	// The re-issued stream is a full compaction request bound to a fresh
	// stream id, and the operation follows it.
	retry := f.streams[0]
	assert.NotEmpty(t, retry.MessageID)
	assert.NotEqual(t, "A", retry.MessageID)
	assert.Equal(t, retry.MessageID, op.StreamMessageID)
	assert.Contains(t, retry.SummaryPrompt, "please refactor")

	handled := f.session.HandleStreamCompletion(ctx, &StreamEndEvent{
		MessageID: retry.MessageID,
		Message:   textMessage(types.RoleAssistant, words(60)),
	})
	assert.True(t, handled)
	assert.Nil(t, f.session.ActiveCompaction())

	msgs, err := f.history.Get(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Meta.Synthetic)

	// The workspace is not wedged: a new compaction can be requested.
	require.NoError(t, f.session.RequestCompaction(&CompactionOperation{
		ID: "op2", StreamMessageID: "B", Source: SourceUser,
	}))
}

func TestHandleStreamError_CompactionRetrySingleFire(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	require.NoError(t, f.session.RequestCompaction(&CompactionOperation{
		ID: "op1", StreamMessageID: "A", Source: SourceForce,
	}))
	f.session.InitStreamState("A", provider.StreamOptions{Model: "openai/gpt-5"})

	assert.True(t, f.session.HandleStreamError(ctx, contextExceeded()))
	require.Len(t, f.streams, 1)

	// The same failure again: strategy 1 already fired for op1 and nothing
	// else applies, so this is terminal.
	assert.False(t, f.session.HandleStreamError(ctx, contextExceeded()))
	assert.Len(t, f.streams, 1)
	assert.Equal(t, event.KindStreamError, f.eventKinds()[len(f.eventKinds())-1])
}

func TestHandleStreamError_Anthropic1MEscalation(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	require.NoError(t, f.session.RequestCompaction(&CompactionOperation{
		ID: "op1", StreamMessageID: "A", Source: SourceUser,
	}))
	f.session.InitStreamState("A", provider.StreamOptions{Model: "anthropic/claude-sonnet-4"})

	assert.True(t, f.session.HandleStreamError(ctx, contextExceeded()))
	require.Len(t, f.streams, 1)
	assert.True(t, f.streams[0].Options.Context1M)
}

func TestHandleStreamError_CompactionRetryNotApplicableWhen1MAlreadyOn(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	require.NoError(t, f.session.RequestCompaction(&CompactionOperation{
		ID: "op1", StreamMessageID: "A", Source: SourceUser,
	}))
	f.session.InitStreamState("A", provider.StreamOptions{
		Model:     "anthropic/claude-sonnet-4",
		Context1M: true,
	})

	assert.False(t, f.session.HandleStreamError(ctx, contextExceeded()))
	assert.Empty(t, f.streams)
}

func TestHandleStreamError_PostCompactionRetry(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	f.session.InitStreamState("A", provider.StreamOptions{Model: "anthropic/claude-haiku-3"})
	f.session.MarkPostCompactionInjected()
	f.session.mu.Lock()
	f.session.attachmentsPending = true
	f.session.pendingDiffs = []types.FileDiff{{Path: "main.go", Diff: "--- main.go\n"}}
	f.session.mu.Unlock()

	assert.True(t, f.session.HandleStreamError(ctx, contextExceeded()))
	require.Len(t, f.streams, 1)
	assert.True(t, f.streams[0].Options.SuppressPostCompaction)
	assert.Empty(t, f.streams[0].CompactionID)

	// The pending diffs were discarded as the probable cause.
	assert.Nil(t, f.session.AttachmentsForNextTurn(ctx))
}

func TestHandleStreamError_NoRetryAfterDelta(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	require.NoError(t, f.session.RequestCompaction(&CompactionOperation{
		ID: "op1", StreamMessageID: "A", Source: SourceUser,
	}))
	f.session.InitStreamState("A", provider.StreamOptions{Model: "openai/gpt-5"})
	f.session.MarkPostCompactionInjected()
	f.session.MarkStreamHadDelta()

	assert.False(t, f.session.HandleStreamError(ctx, contextExceeded()))
	assert.Empty(t, f.streams)

	kinds := f.eventKinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, event.KindStreamError, kinds[len(kinds)-1])
}

func TestHandleStreamError_HardRestart(t *testing.T) {
	cfg := &types.Config{Experiments: types.ExperimentFlags{ExecHardRestart: true}}
	f := newFixture(t, "child1", cfg)
	f.session.childTask = true
	f.session.execCapable = true
	ctx := context.Background()

	// Synthetic snapshot, then the real prompt, then a long transcript.
	snapshot := textMessage(types.RoleUser, "file snapshot")
	snapshot.Meta.Synthetic = true
	_, err := f.history.Append(ctx, "child1", snapshot)
	require.NoError(t, err)
	_, err = f.history.Append(ctx, "child1", textMessage(types.RoleUser, "do the task"))
	require.NoError(t, err)
	_, err = f.history.Append(ctx, "child1", textMessage(types.RoleAssistant, "working on it"))
	require.NoError(t, err)

	f.session.InitStreamState("A", provider.StreamOptions{Model: "anthropic/claude-haiku-3"})

	assert.True(t, f.session.HandleStreamError(ctx, contextExceeded()))
	require.Len(t, f.streams, 1)
	assert.NotEmpty(t, f.streams[0].Options.ExtraSystem)

	msgs, err := f.history.Get(ctx, "child1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Meta.Synthetic)
	assert.Contains(t, msgs[1].Text(), "do the task")
	assert.Contains(t, msgs[1].Text(), "restarted")
	assert.Equal(t, 0, msgs[0].Meta.HistorySequence)
	assert.Equal(t, 1, msgs[1].Meta.HistorySequence)
}

func TestHandleStreamError_HardRestartRequiresOptIn(t *testing.T) {
	f := newFixture(t, "child1", nil)
	f.session.childTask = true
	f.session.execCapable = true
	ctx := context.Background()

	_, err := f.history.Append(ctx, "child1", textMessage(types.RoleUser, "do the task"))
	require.NoError(t, err)

	f.session.InitStreamState("A", provider.StreamOptions{Model: "anthropic/claude-haiku-3"})

	assert.False(t, f.session.HandleStreamError(ctx, contextExceeded()))
	assert.Empty(t, f.streams)
}

func TestHandleStreamError_TerminalClearsQueueWhenCompactionActive(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	require.NoError(t, f.session.RequestCompaction(&CompactionOperation{
		ID: "op1", StreamMessageID: "other", Source: SourceUser,
	}))
	f.session.Enqueue(QueuedSend{Text: "follow-up"})
	f.session.InitStreamState("A", provider.StreamOptions{Model: "anthropic/claude-haiku-3"})

	// The compaction is bound to a different stream and no strategy
	// applies, so the failure is terminal and the queue is dropped.
	assert.False(t, f.session.HandleStreamError(ctx, contextExceeded()))
	assert.Empty(t, f.session.DrainQueue())
	assert.Nil(t, f.session.ActiveCompaction())
}
