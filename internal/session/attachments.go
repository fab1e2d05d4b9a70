package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// AttachmentsForNextTurn decides, once per outgoing turn, whether to
// (re)inject plan/TODO/edited-file context lost to a compaction. It returns
// nil when nothing should be injected this turn.
func (s *Session) AttachmentsForNextTurn(ctx context.Context) []types.Attachment {
	s.mu.Lock()
	if s.attachmentsPending {
		diffs := s.pendingDiffs
		s.attachmentsPending = false
		s.pendingDiffs = nil
		s.turnsSinceAttachment = 0
		s.compactedThisSession = true
		// Any tracked file state predates the compaction and is stale now.
		s.fileStateCache = make(map[string]string)
		s.mu.Unlock()
		return s.buildAttachments(ctx, diffs)
	}

	s.turnsSinceAttachment++
	rebuild := s.compactedThisSession && s.turnsSinceAttachment >= s.cfg.PostCompactionAttachmentCadence
	if rebuild {
		s.turnsSinceAttachment = 0
	}
	s.mu.Unlock()

	if !rebuild {
		return nil
	}

	msgs, err := s.history.Get(ctx, s.workspaceID)
	if err != nil {
		s.log.Warn().Err(err).Msg("attachments: read history")
		return nil
	}
	return s.buildAttachments(ctx, extractFileDiffs(msgs))
}

// buildAttachments assembles, in order: plan reference, TODO snapshot
// (immediately after the plan, or first), edited-files diff summary. Missing
// or unreadable optional files mean "attachment absent", never an error.
func (s *Session) buildAttachments(ctx context.Context, diffs []types.FileDiff) []types.Attachment {
	excluded := s.loadExclusions(ctx)

	var out []types.Attachment

	if !excluded["plan"] {
		planPath := filepath.Join(s.workspaceDir, "plan.md")
		if _, err := os.Stat(planPath); err == nil {
			out = append(out, types.Attachment{
				Kind: "plan",
				Path: planPath,
				Text: "The plan file for this work is at " + planPath + ". Re-read it if you have lost track of the plan.",
			})
		}
	}

	if !excluded["todo"] {
		if todos, err := s.Todos(ctx); err == nil && len(todos) > 0 {
			out = append(out, types.Attachment{Kind: "todo", Text: renderTodos(todos)})
		}
	}

	if len(diffs) > 0 {
		out = append(out, types.Attachment{Kind: "edited-files", Text: renderDiffSummary(diffs)})
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// loadExclusions reads the per-workspace set of attachment kinds the user
// opted out of.
func (s *Session) loadExclusions(ctx context.Context) map[string]bool {
	var items []string
	err := s.storage.Get(ctx, []string{"attachments-excluded", s.workspaceID}, &items)
	if err != nil && err != storage.ErrNotFound {
		s.log.Warn().Err(err).Msg("attachments: read exclusions")
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func renderTodos(todos []types.TodoInfo) string {
	var b strings.Builder
	b.WriteString("Current TODO list:\n")
	for _, t := range todos {
		marker := " "
		switch t.Status {
		case "completed":
			marker = "x"
		case "in_progress":
			marker = "~"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", marker, t.Content)
	}
	return b.String()
}

func renderDiffSummary(diffs []types.FileDiff) string {
	var b strings.Builder
	b.WriteString("Files edited earlier in this conversation:\n\n")
	for _, d := range diffs {
		b.WriteString(d.Diff)
		if !strings.HasSuffix(d.Diff, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// extractFileDiffs harvests file-edit diffs recorded in tool-call metadata.
// Tools store either a precomputed "diff" or "before"/"after" snapshots.
func extractFileDiffs(msgs []*types.Message) []types.FileDiff {
	var diffs []types.FileDiff
	seen := make(map[string]int) // path -> index, later edits win

	for _, m := range msgs {
		for _, p := range m.Parts {
			tp, ok := p.(*types.ToolPart)
			if !ok || tp.Metadata == nil {
				continue
			}
			path, _ := tp.Metadata["filePath"].(string)
			if path == "" {
				continue
			}

			var diff string
			if d, ok := tp.Metadata["diff"].(string); ok && d != "" {
				diff = d
			} else {
				before, _ := tp.Metadata["before"].(string)
				after, _ := tp.Metadata["after"].(string)
				diff = unifiedDiff(path, before, after)
			}
			if diff == "" {
				continue
			}

			if i, ok := seen[path]; ok {
				diffs[i] = types.FileDiff{Path: path, Diff: diff}
			} else {
				seen[path] = len(diffs)
				diffs = append(diffs, types.FileDiff{Path: path, Diff: diff})
			}
		}
	}
	return diffs
}

// unifiedDiff renders a patch between two file snapshots.
func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	ds := dmp.DiffMain(a, b, false)
	ds = dmp.DiffCharsToLines(ds, lines)

	patch := dmp.PatchToText(dmp.PatchMake(before, ds))
	if patch == "" {
		return ""
	}

	var out strings.Builder
	fmt.Fprintf(&out, "--- %s\n+++ %s\n", path, path)
	out.WriteString(patch)
	return out.String()
}
