// Package task schedules delegated agent tasks: child workspaces that run a
// bounded sub-goal and report back into the parent conversation.
//
// Task state (queued -> running -> awaiting_report -> reported) is persisted
// per task, so the scheduler resumes cleanly after a crash. Replayed
// operations are deduplicated by (parent, toolCallID) rather than locked.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/codemux/codemux/internal/agent"
	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/history"
	"github.com/codemux/codemux/internal/logging"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// forcedReportInstruction nudges a child that finished its stream without
// reporting. It is committed as a user message, so it stays in the child's
// history.
const forcedReportInstruction = "You finished without calling the report tool. Call the report tool now with a summary of what you did and any results the delegating agent needs."

// WorkspaceService is the slice of workspace operations the scheduler needs.
type WorkspaceService interface {
	CanFork() bool
	Create(ctx context.Context, title, parentID, agentName string) (*types.WorkspaceInfo, error)
	Fork(ctx context.Context, parentID, title, agentName string) (*types.WorkspaceInfo, error)
	Get(ctx context.Context, id string) (*types.WorkspaceInfo, error)
	Remove(ctx context.Context, id string) error
	ResumeStream(ctx context.Context, id string, opts provider.StreamOptions) error
}

// Scheduler manages child agent-task workspaces.
type Scheduler struct {
	storage    *storage.Storage
	history    *history.Store
	partials   *history.PartialStore
	bus        *event.Bus
	workspaces WorkspaceService
	agents     *agent.Registry

	maxParallel int
	maxDepth    int

	mu       sync.Mutex
	awaiters map[string]*reportAwaiter

	// sf collapses concurrent scheduling passes onto one in flight.
	sf  singleflight.Group
	log zerolog.Logger
}

// Params configures a Scheduler.
type Params struct {
	Storage    *storage.Storage
	History    *history.Store
	Partials   *history.PartialStore
	Bus        *event.Bus
	Workspaces WorkspaceService
	Agents     *agent.Registry
	Config     *types.Config
}

// NewScheduler creates a task scheduler.
func NewScheduler(p Params) *Scheduler {
	cfg := p.Config
	if cfg == nil {
		cfg = &types.Config{}
	}
	cfg.Normalize()

	return &Scheduler{
		storage:     p.Storage,
		history:     p.History,
		partials:    p.Partials,
		bus:         p.Bus,
		workspaces:  p.Workspaces,
		agents:      p.Agents,
		maxParallel: cfg.MaxParallelAgentTasks,
		maxDepth:    cfg.MaxTaskNestingDepth,
		awaiters:    make(map[string]*reportAwaiter),
		log:         logging.With().Str("component", "task-scheduler").Logger(),
	}
}

// ExecCapable reports whether the named preset's resolved chain grants
// edit-capable tool access.
func (s *Scheduler) ExecCapable(agentName string) bool {
	return s.agents.ExecCapable(agentName)
}

func (s *Scheduler) loadTask(ctx context.Context, id string) (*types.TaskInfo, error) {
	var t types.TaskInfo
	if err := s.storage.Get(ctx, []string{"task", id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Scheduler) saveTask(ctx context.Context, t *types.TaskInfo) error {
	t.UpdatedAt = time.Now().UnixMilli()
	return s.storage.Put(ctx, []string{"task", t.ID}, t)
}

// Tasks returns all persisted task records.
func (s *Scheduler) Tasks(ctx context.Context) ([]*types.TaskInfo, error) {
	var tasks []*types.TaskInfo
	err := s.storage.Scan(ctx, []string{"task"}, func(key string, data json.RawMessage) error {
		var t types.TaskInfo
		if err := json.Unmarshal(data, &t); err != nil {
			return nil // skip corrupt records
		}
		tasks = append(tasks, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateAgentTask provisions a child workspace for a delegated task.
// Idempotent on (parentWorkspaceID, toolCallID): a repeat call while the
// first task has not reported returns the existing child id.
func (s *Scheduler) CreateAgentTask(ctx context.Context, parentID, toolCallID, agentName, prompt, model string) (string, error) {
	// Concurrent duplicates collapse onto one flight, so the existing-task
	// scan cannot race a second creator past it.
	v, err, _ := s.sf.Do("create:"+parentID+":"+toolCallID, func() (any, error) {
		return s.createAgentTask(ctx, parentID, toolCallID, agentName, prompt, model)
	})
	if err != nil {
		return "", err
	}
	s.SchedulePass(ctx)
	return v.(string), nil
}

func (s *Scheduler) createAgentTask(ctx context.Context, parentID, toolCallID, agentName, prompt, model string) (string, error) {
	tasks, err := s.Tasks(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range tasks {
		if t.ParentID == parentID && t.ToolCallID == toolCallID && t.Status != types.TaskReported {
			return t.ID, nil
		}
	}

	depth, err := s.chainDepth(ctx, parentID, tasks)
	if err != nil {
		return "", err
	}
	if depth >= s.maxDepth {
		return "", fmt.Errorf("task nesting depth %d exceeds maximum %d", depth+1, s.maxDepth)
	}

	title := taskTitle(prompt)
	var child *types.WorkspaceInfo
	if s.workspaces.CanFork() {
		child, err = s.workspaces.Fork(ctx, parentID, title, agentName)
	} else {
		child, err = s.workspaces.Create(ctx, title, parentID, agentName)
	}
	if err != nil {
		return "", fmt.Errorf("provision task workspace: %w", err)
	}

	task := &types.TaskInfo{
		ID:         child.ID,
		ParentID:   parentID,
		Agent:      agentName,
		ToolCallID: toolCallID,
		Prompt:     prompt,
		Model:      model,
		Status:     types.TaskQueued,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.saveTask(ctx, task); err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}

	promptMsg := &types.Message{
		ID:   ulid.Make().String(),
		Role: types.RoleUser,
		Parts: []types.Part{
			&types.TextPart{ID: ulid.Make().String(), Type: "text", Text: prompt},
		},
		Meta: types.MessageMeta{Timestamp: time.Now().UnixMilli(), Model: model},
	}
	if _, err := s.history.Append(ctx, child.ID, promptMsg); err != nil {
		return "", fmt.Errorf("seed task history: %w", err)
	}

	s.log.Info().Str("task", task.ID).Str("parent", parentID).Str("agent", agentName).Msg("task created")
	return task.ID, nil
}

// chainDepth counts the chain of parent task links above a workspace.
func (s *Scheduler) chainDepth(ctx context.Context, workspaceID string, tasks []*types.TaskInfo) (int, error) {
	byID := make(map[string]*types.TaskInfo, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	depth := 0
	for id := workspaceID; ; {
		t, ok := byID[id]
		if !ok {
			return depth, nil
		}
		depth++
		if depth > s.maxDepth {
			// A cycle or a chain deeper than anything we would allow.
			return depth, nil
		}
		id = t.ParentID
	}
}

// startFailure records a task whose stream could not be started during a
// scheduling pass.
type startFailure struct {
	task *types.TaskInfo
	err  error
}

// SchedulePass promotes queued tasks into free slots. Concurrent calls
// collapse onto one in-flight pass. Start failures are reported after the
// pass returns, because the report path schedules passes of its own and must
// not nest inside the collapsed one.
func (s *Scheduler) SchedulePass(ctx context.Context) {
	v, _, _ := s.sf.Do("pass", func() (any, error) {
		return s.runSchedulePass(ctx), nil
	})
	if failed, ok := v.([]startFailure); ok {
		for _, f := range failed {
			s.handleStartFailure(ctx, f.task, f.err)
		}
	}
}

func (s *Scheduler) runSchedulePass(ctx context.Context) []startFailure {
	tasks, err := s.Tasks(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduling pass: load tasks")
		return nil
	}

	active := 0
	var queued []*types.TaskInfo
	for _, t := range tasks {
		switch {
		case t.Status.Active():
			active++
		case t.Status == types.TaskQueued:
			queued = append(queued, t)
		}
	}

	slots := s.maxParallel - active
	if slots <= 0 || len(queued) == 0 {
		return nil
	}

	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt < queued[j].CreatedAt })
	if len(queued) > slots {
		queued = queued[:slots]
	}

	var failed []startFailure
	for _, t := range queued {
		t.Status = types.TaskRunning
		if err := s.saveTask(ctx, t); err != nil {
			s.log.Error().Err(err).Str("task", t.ID).Msg("scheduling pass: save")
			continue
		}
		// Best effort: a start failure becomes a diagnostic report instead
		// of crashing the scheduler.
		if err := s.workspaces.ResumeStream(ctx, t.ID, s.streamOptions(t)); err != nil {
			failed = append(failed, startFailure{task: t, err: err})
		}
	}
	return failed
}

func (s *Scheduler) streamOptions(t *types.TaskInfo) provider.StreamOptions {
	return provider.StreamOptions{Model: t.Model, Mode: t.Agent}
}

// HandleChildStreamEnd handles a child's stream ending without the report
// tool having been invoked. The first time, the child is nudged with a
// forced-report instruction and resumed once; a second failure synthesizes a
// best-effort report from the child's history.
func (s *Scheduler) HandleChildStreamEnd(ctx context.Context, childID string) error {
	t, err := s.loadTask(ctx, childID)
	if err != nil {
		return err
	}
	if t.Status == types.TaskReported {
		return nil
	}

	t.Status = types.TaskAwaitingReport
	if !t.Nudged {
		t.Nudged = true
		if err := s.saveTask(ctx, t); err != nil {
			return err
		}

		nudge := &types.Message{
			ID:   ulid.Make().String(),
			Role: types.RoleUser,
			Parts: []types.Part{
				&types.TextPart{ID: ulid.Make().String(), Type: "text", Text: forcedReportInstruction},
			},
			Meta: types.MessageMeta{Timestamp: time.Now().UnixMilli(), Synthetic: true},
		}
		if _, err := s.history.Append(ctx, childID, nudge); err != nil {
			return err
		}
		s.log.Info().Str("task", childID).Msg("nudging task for report")
		if err := s.workspaces.ResumeStream(ctx, childID, s.streamOptions(t)); err != nil {
			s.handleStartFailure(ctx, t, err)
		}
		return nil
	}

	if err := s.saveTask(ctx, t); err != nil {
		return err
	}

	// One nudge cycle only; fall back to whatever text the child produced.
	report := types.TaskReport{TaskID: childID, Text: s.synthesizeReport(ctx, childID), Synthetic: true}
	s.log.Warn().Str("task", childID).Msg("task never reported, synthesizing report")
	return s.HandleAgentReport(ctx, childID, report)
}

// synthesizeReport extracts the most recent assistant text from the child's
// history, or a placeholder if there is none.
func (s *Scheduler) synthesizeReport(ctx context.Context, childID string) string {
	msgs, err := s.history.Get(ctx, childID)
	if err == nil {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role != types.RoleAssistant {
				continue
			}
			if text := strings.TrimSpace(msgs[i].Text()); text != "" {
				return text
			}
		}
	}
	return "The task finished without producing a report or any output."
}

// HandleAgentReport propagates a child task's final report to its parent.
func (s *Scheduler) HandleAgentReport(ctx context.Context, childID string, report types.TaskReport) error {
	t, err := s.loadTask(ctx, childID)
	if err != nil {
		return err
	}
	if t.Status == types.TaskReported {
		// Replayed delivery; the report already reached the parent.
		return nil
	}

	aw, hadAwaiter := s.takeAwaiter(childID)
	if hadAwaiter {
		aw.resolve(report)
	}

	if err := s.appendReportToParent(ctx, t, report); err != nil {
		// Do not strand the child: force the terminal status so cleanup and
		// scheduling still proceed.
		s.log.Error().Err(err).Str("task", childID).Msg("report delivery failed, force-marking reported")
		t.Status = types.TaskReported
		_ = s.saveTask(ctx, t)
		s.cleanup(ctx, t)
		s.SchedulePass(ctx)
		return err
	}

	t.Status = types.TaskReported
	if err := s.saveTask(ctx, t); err != nil {
		return err
	}

	if !hadAwaiter {
		// No in-process awaiter means the parent stream is not blocked on
		// this report (e.g. the process restarted); resolve the tool call
		// durably and maybe auto-resume the parent.
		s.resolveDurably(ctx, t, report)
	}

	s.cleanup(ctx, t)
	s.SchedulePass(ctx)
	return nil
}

// appendReportToParent appends the formatted report message to the parent's
// history and emits it.
func (s *Scheduler) appendReportToParent(ctx context.Context, t *types.TaskInfo, report types.TaskReport) error {
	text := fmt.Sprintf("Task report from agent %q:\n\n%s", t.Agent, report.Text)
	msg := &types.Message{
		ID:   ulid.Make().String(),
		Role: types.RoleUser,
		Parts: []types.Part{
			&types.TextPart{ID: ulid.Make().String(), Type: "text", Text: text},
		},
		Meta: types.MessageMeta{Timestamp: time.Now().UnixMilli(), Synthetic: true},
	}
	stored, err := s.history.Append(ctx, t.ParentID, msg)
	if err != nil {
		return err
	}
	s.bus.Publish(event.ChatEvent{Kind: event.KindMessage, WorkspaceID: t.ParentID, Message: stored})
	return nil
}

// resolveDurably updates the parent's persisted task tool-call output to
// completed, and auto-resumes the parent stream when the call was still
// pending, was found in the partial or in one of the two most recent
// committed messages, and no active descendant tasks remain. Outside that
// window the resolution is recorded but the parent is left alone; resuming on
// stale state is worse than not resuming.
func (s *Scheduler) resolveDurably(ctx context.Context, t *types.TaskInfo, report types.TaskReport) {
	holder, inPartial, recent := s.locateToolCall(ctx, t)
	if holder == nil {
		s.log.Warn().Str("task", t.ID).Str("toolCall", t.ToolCallID).Msg("task tool call not found in parent")
		return
	}

	tp := holder.FindToolCall(t.ToolCallID)
	wasPending := tp.State == types.ToolPending || tp.State == types.ToolRunning

	tp.State = types.ToolCompleted
	out := report.Text
	tp.Output = &out

	var err error
	if inPartial {
		err = s.partials.Write(ctx, t.ParentID, holder)
	} else {
		err = s.history.Update(ctx, t.ParentID, holder)
	}
	if err != nil {
		s.log.Error().Err(err).Str("task", t.ID).Msg("persist tool-call resolution")
		return
	}
	s.bus.Publish(event.ChatEvent{
		Kind:        event.KindToolCallEnd,
		WorkspaceID: t.ParentID,
		MessageID:   holder.ID,
		ToolCallID:  t.ToolCallID,
	})

	if wasPending && (inPartial || recent) && !s.hasActiveDescendants(ctx, t.ParentID) {
		opts := provider.StreamOptions{
			Model:      holder.Meta.Model,
			Mode:       holder.Meta.Mode,
			ToolPolicy: holder.Meta.ToolPolicy,
		}
		s.log.Info().Str("parent", t.ParentID).Str("task", t.ID).Msg("auto-resuming parent stream")
		if err := s.workspaces.ResumeStream(ctx, t.ParentID, opts); err != nil {
			s.log.Error().Err(err).Str("parent", t.ParentID).Msg("auto-resume failed")
		}
	}
}

// locateToolCall finds the parent message holding the task's tool call:
// first the partial buffer, then committed history preferring the newest
// match. recent reports whether the match is among the two most recent
// committed messages.
func (s *Scheduler) locateToolCall(ctx context.Context, t *types.TaskInfo) (holder *types.Message, inPartial, recent bool) {
	if partial, err := s.partials.Read(ctx, t.ParentID); err == nil && partial != nil {
		if partial.FindToolCall(t.ToolCallID) != nil {
			return partial, true, true
		}
	}

	msgs, err := s.history.Get(ctx, t.ParentID)
	if err != nil {
		return nil, false, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].FindToolCall(t.ToolCallID) != nil {
			return msgs[i], false, i >= len(msgs)-2
		}
	}
	return nil, false, false
}

// hasActiveDescendants reports whether any task below workspaceID is still
// active or queued.
func (s *Scheduler) hasActiveDescendants(ctx context.Context, workspaceID string) bool {
	tasks, err := s.Tasks(ctx)
	if err != nil {
		return false
	}

	children := make(map[string][]*types.TaskInfo)
	for _, t := range tasks {
		children[t.ParentID] = append(children[t.ParentID], t)
	}

	stack := []string{workspaceID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, t := range children[id] {
			if t.Status != types.TaskReported {
				return true
			}
			stack = append(stack, t.ID)
		}
	}
	return false
}

// cleanup removes a reported task's workspace once its report has propagated
// and it has no active descendants, then walks up: an ancestor that was
// reported earlier but kept alive by this task's subtree is swept now.
func (s *Scheduler) cleanup(ctx context.Context, t *types.TaskInfo) {
	for t != nil {
		if t.Status != types.TaskReported || s.hasActiveDescendants(ctx, t.ID) {
			return
		}
		if err := s.workspaces.Remove(ctx, t.ID); err != nil {
			s.log.Warn().Err(err).Str("task", t.ID).Msg("cleanup: remove workspace")
		}
		if err := s.storage.Delete(ctx, []string{"task", t.ID}); err != nil {
			s.log.Warn().Err(err).Str("task", t.ID).Msg("cleanup: delete task record")
		}

		parent, err := s.loadTask(ctx, t.ParentID)
		if err != nil {
			return
		}
		t = parent
	}
}

// handleStartFailure converts a task start failure into a synthetic
// diagnostic report routed through the normal report path, so the failure
// neither stalls a scheduler slot nor corrupts parent state.
func (s *Scheduler) handleStartFailure(ctx context.Context, t *types.TaskInfo, cause error) {
	s.log.Error().Err(cause).Str("task", t.ID).Msg("task start failed")
	report := types.TaskReport{
		TaskID:    t.ID,
		Synthetic: true,
		Text: fmt.Sprintf("The task failed to start.\n\nAgent: %s\nModel: %s\nError: %v",
			t.Agent, t.Model, cause),
	}
	if err := s.HandleAgentReport(ctx, t.ID, report); err != nil {
		s.log.Error().Err(err).Str("task", t.ID).Msg("diagnostic report delivery failed")
	}
}

// Recover resumes interrupted tasks after a restart: running tasks are
// resumed, awaiting_report tasks re-enter the completion-without-report path,
// then a scheduling pass runs.
func (s *Scheduler) Recover(ctx context.Context) {
	tasks, err := s.Tasks(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("recover: load tasks")
		return
	}

	for _, t := range tasks {
		switch t.Status {
		case types.TaskRunning:
			s.log.Info().Str("task", t.ID).Msg("recover: resuming running task")
			if err := s.workspaces.ResumeStream(ctx, t.ID, s.streamOptions(t)); err != nil {
				s.handleStartFailure(ctx, t, err)
			}
		case types.TaskAwaitingReport:
			s.log.Info().Str("task", t.ID).Msg("recover: re-entering report path")
			if err := s.HandleChildStreamEnd(ctx, t.ID); err != nil {
				s.log.Error().Err(err).Str("task", t.ID).Msg("recover: report path")
			}
		}
	}
	s.SchedulePass(ctx)
}

func taskTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > 60 {
		title = title[:60] + "..."
	}
	if title == "" {
		title = "Agent task"
	}
	return title
}
