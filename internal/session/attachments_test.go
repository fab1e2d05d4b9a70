package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemux/codemux/pkg/types"
)

func toolEditMessage(meta map[string]any) *types.Message {
	return &types.Message{
		ID:   newID(),
		Role: types.RoleAssistant,
		Parts: []types.Part{
			&types.ToolPart{
				ID:         newID(),
				Type:       "tool",
				ToolCallID: newID(),
				ToolName:   "edit",
				State:      types.ToolCompleted,
				Metadata:   meta,
			},
		},
	}
}

func markPending(f *sessionFixture, diffs []types.FileDiff) {
	f.session.mu.Lock()
	f.session.attachmentsPending = true
	f.session.pendingDiffs = diffs
	f.session.mu.Unlock()
}

func TestAttachmentsForNextTurn_NothingToInject(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	assert.Nil(t, f.session.AttachmentsForNextTurn(context.Background()))
}

func TestAttachmentsForNextTurn_PendingConsumedOnce(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	planPath := filepath.Join(f.session.workspaceDir, "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("# plan"), 0o644))
	require.NoError(t, f.session.UpdateTodos(ctx, []types.TodoInfo{
		{ID: "1", Content: "write tests", Status: "in_progress"},
	}))

	markPending(f, []types.FileDiff{{Path: "main.go", Diff: "--- main.go\n+++ main.go\n+x\n"}})

	out := f.session.AttachmentsForNextTurn(ctx)
	require.Len(t, out, 3)
	assert.Equal(t, "plan", out[0].Kind)
	assert.Contains(t, out[0].Text, planPath)
	assert.Equal(t, "todo", out[1].Kind)
	assert.Contains(t, out[1].Text, "write tests")
	assert.Equal(t, "edited-files", out[2].Kind)
	assert.Contains(t, out[2].Text, "main.go")

	// Consumed: the very next turn injects nothing again.
	assert.Nil(t, f.session.AttachmentsForNextTurn(ctx))
}

func TestAttachmentsForNextTurn_CadenceRebuild(t *testing.T) {
	cfg := &types.Config{PostCompactionAttachmentCadence: 2}
	f := newFixture(t, "ws1", cfg)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", toolEditMessage(map[string]any{
		"filePath": "pkg/a.go",
		"diff":     "--- pkg/a.go\n+++ pkg/a.go\n+a\n",
	}))
	require.NoError(t, err)

	markPending(f, nil)
	_ = f.session.AttachmentsForNextTurn(ctx)

	// Turn 1 of 2 since the last injection: nothing.
	assert.Nil(t, f.session.AttachmentsForNextTurn(ctx))

	// Turn 2: cadence reached, rebuilt from surviving history.
	out := f.session.AttachmentsForNextTurn(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, "edited-files", out[0].Kind)
	assert.Contains(t, out[0].Text, "pkg/a.go")

	// Counter reset: the following turn is quiet again.
	assert.Nil(t, f.session.AttachmentsForNextTurn(ctx))
}

func TestAttachmentsForNextTurn_NoCadenceWithoutCompaction(t *testing.T) {
	cfg := &types.Config{PostCompactionAttachmentCadence: 1}
	f := newFixture(t, "ws1", cfg)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", toolEditMessage(map[string]any{
		"filePath": "pkg/a.go",
		"diff":     "--- pkg/a.go\n+++ pkg/a.go\n+a\n",
	}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Nil(t, f.session.AttachmentsForNextTurn(ctx))
	}
}

func TestBuildAttachments_Exclusions(t *testing.T) {
	f := newFixture(t, "ws1", nil)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(f.session.workspaceDir, "plan.md"), []byte("# plan"), 0o644))
	require.NoError(t, f.session.UpdateTodos(ctx, []types.TodoInfo{
		{ID: "1", Content: "one", Status: "pending"},
	}))
	require.NoError(t, f.storage.Put(ctx, []string{"attachments-excluded", "ws1"}, []string{"plan", "todo"}))

	markPending(f, []types.FileDiff{{Path: "main.go", Diff: "--- main.go\n+++ main.go\n+x\n"}})

	out := f.session.AttachmentsForNextTurn(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, "edited-files", out[0].Kind)
}

func TestExtractFileDiffs(t *testing.T) {
	msgs := []*types.Message{
		toolEditMessage(map[string]any{"filePath": "a.go", "diff": "old edit of a\n"}),
		toolEditMessage(map[string]any{"filePath": "b.go", "before": "x\n", "after": "y\n"}),
		toolEditMessage(map[string]any{"filePath": "a.go", "diff": "new edit of a\n"}),
		toolEditMessage(map[string]any{"filePath": "c.go", "before": "same\n", "after": "same\n"}),
		toolEditMessage(map[string]any{"other": "no path"}),
	}

	diffs := extractFileDiffs(msgs)
	require.Len(t, diffs, 2)

	// Later edits of the same file win, without reordering.
	assert.Equal(t, "a.go", diffs[0].Path)
	assert.Equal(t, "new edit of a\n", diffs[0].Diff)

	assert.Equal(t, "b.go", diffs[1].Path)
	assert.Contains(t, diffs[1].Diff, "--- b.go")
}

func TestUnifiedDiff_EqualSnapshots(t *testing.T) {
	assert.Empty(t, unifiedDiff("a.go", "same\n", "same\n"))
}
