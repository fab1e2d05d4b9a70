package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/history"
	"github.com/codemux/codemux/internal/logging"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// Driver connects stream requests to a provider client and routes the stream
// lifecycle back into the per-workspace session handlers. It backs the Stream
// callback sessions are constructed with, and the workspace service's resume
// hook.
type Driver struct {
	client   provider.Client
	history  *history.Store
	partials *history.PartialStore
	bus      *event.Bus
	log      zerolog.Logger

	sessions *Manager

	onChildStreamEnd func(ctx context.Context, workspaceID string) error
}

// DriverParams configures a Driver.
type DriverParams struct {
	Client   provider.Client
	History  *history.Store
	Partials *history.PartialStore
	Bus      *event.Bus

	// OnChildStreamEnd runs after a non-compaction stream commits, so the
	// task scheduler can apply its forced-report path to child tasks. It
	// returns storage.ErrNotFound for workspaces that are not tasks.
	OnChildStreamEnd func(ctx context.Context, workspaceID string) error
}

// NewDriver creates a stream driver. Bind must be called before any stream
// is issued.
func NewDriver(p DriverParams) *Driver {
	return &Driver{
		client:           p.Client,
		history:          p.History,
		partials:         p.Partials,
		bus:              p.Bus,
		log:              logging.With().Str("component", "stream-driver").Logger(),
		onChildStreamEnd: p.OnChildStreamEnd,
	}
}

// Bind attaches the session manager. Separate from construction because the
// manager's session factory needs the driver first.
func (d *Driver) Bind(m *Manager) { d.sessions = m }

// Resume implements the workspace resume hook: issue a stream over current
// history with the given options.
func (d *Driver) Resume(ctx context.Context, workspaceID string, opts provider.StreamOptions) error {
	return d.sessions.Get(workspaceID).Resume(ctx, opts)
}

// Run issues one model stream and consumes it in the background. This is the
// Stream callback wired into every session.
func (d *Driver) Run(ctx context.Context, workspaceID string, req StreamRequest) error {
	sess := d.sessions.Get(workspaceID)

	msgs, err := d.history.Get(ctx, workspaceID)
	if err != nil {
		return err
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = newID()
	}

	var attachments []types.Attachment
	if req.SummaryPrompt == "" && !req.Options.SuppressPostCompaction {
		attachments = sess.AttachmentsForNextTurn(ctx)
	}

	handle, err := d.client.Stream(ctx, provider.Request{
		Options:       req.Options,
		Messages:      msgs,
		Attachments:   attachments,
		SummaryPrompt: req.SummaryPrompt,
	})
	if err != nil {
		return err
	}

	sess.InitStreamState(messageID, req.Options)
	if len(attachments) > 0 {
		sess.MarkPostCompactionInjected()
	}

	// The request context can belong to an HTTP handler; the stream must
	// outlive it.
	go d.consume(context.WithoutCancel(ctx), sess, workspaceID, messageID, req.Options, handle)
	return nil
}

func (d *Driver) consume(ctx context.Context, sess *Session, workspaceID, messageID string, opts provider.StreamOptions, handle provider.StreamHandle) {
	defer handle.Close()
	start := time.Now()
	var text strings.Builder

	for ev := range handle.Events() {
		switch ev.Type {
		case provider.StreamDelta:
			sess.MarkStreamHadDelta()
			text.WriteString(ev.Delta)
			d.writePartial(ctx, workspaceID, messageID, opts.Model, text.String())
		case provider.StreamEnd:
			d.finish(ctx, sess, workspaceID, messageID, opts, ev, time.Since(start))
			return
		case provider.StreamError:
			d.fail(ctx, sess, workspaceID, messageID, ev.Err)
			return
		}
	}
}

// writePartial persists the in-progress assistant message so a restart can
// recover visible progress.
func (d *Driver) writePartial(ctx context.Context, workspaceID, messageID, model, text string) {
	partial := &types.Message{
		ID:   messageID,
		Role: types.RoleAssistant,
		Parts: []types.Part{
			&types.TextPart{ID: newID(), Type: "text", Text: text},
		},
		Meta: types.MessageMeta{Timestamp: nowMillis(), Model: model},
	}
	if err := d.partials.Write(ctx, workspaceID, partial); err != nil {
		d.log.Warn().Err(err).Str("workspace", workspaceID).Msg("write partial")
	}
}

func (d *Driver) finish(ctx context.Context, sess *Session, workspaceID, messageID string, opts provider.StreamOptions, ev provider.StreamEvent, elapsed time.Duration) {
	msg := ev.Message
	if msg == nil {
		return
	}
	msg.ID = messageID

	end := &StreamEndEvent{
		MessageID:  messageID,
		Message:    msg,
		Model:      opts.Model,
		Usage:      ev.Usage,
		DurationMS: elapsed.Milliseconds(),
	}

	op := sess.ActiveCompaction()
	if sess.HandleStreamCompletion(ctx, end) {
		sess.ResetActiveStreamState()
		d.afterCompaction(ctx, sess, workspaceID, op)
		return
	}

	// Normal turn: commit the assistant message.
	if err := d.partials.Delete(ctx, workspaceID); err != nil {
		d.log.Warn().Err(err).Str("workspace", workspaceID).Msg("delete partial")
	}
	stored, err := d.history.Append(ctx, workspaceID, msg)
	if err != nil {
		d.log.Error().Err(err).Str("workspace", workspaceID).Msg("commit assistant message")
		stored = msg
	}
	sess.ResetActiveStreamState()

	d.bus.Publish(event.ChatEvent{Kind: event.KindMessage, WorkspaceID: workspaceID, Message: stored})
	d.bus.Publish(event.ChatEvent{Kind: event.KindStreamEnd, WorkspaceID: workspaceID, MessageID: messageID, Message: stored})

	if d.onChildStreamEnd != nil {
		if err := d.onChildStreamEnd(ctx, workspaceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			d.log.Error().Err(err).Str("workspace", workspaceID).Msg("child stream-end handling")
		}
	}
}

// afterCompaction sends what was deferred behind the compaction: the
// triggering continuation first, then any queued sends, as committed user
// messages followed by one stream over the refreshed history.
func (d *Driver) afterCompaction(ctx context.Context, sess *Session, workspaceID string, op *CompactionOperation) {
	var sends []QueuedSend
	if op != nil && op.Continuation != nil {
		sends = append(sends, *op.Continuation)
	}
	sends = append(sends, sess.DrainQueue()...)
	if len(sends) == 0 {
		return
	}

	opts := sends[len(sends)-1].Options
	for _, q := range sends {
		msg := &types.Message{
			ID:   newID(),
			Role: types.RoleUser,
			Parts: []types.Part{
				&types.TextPart{ID: newID(), Type: "text", Text: q.Text},
			},
			Meta: types.MessageMeta{Timestamp: nowMillis()},
		}
		stored, err := d.history.Append(ctx, workspaceID, msg)
		if err != nil {
			d.log.Error().Err(err).Str("workspace", workspaceID).Msg("commit deferred send")
			return
		}
		d.bus.Publish(event.ChatEvent{Kind: event.KindMessage, WorkspaceID: workspaceID, Message: stored})
	}

	if err := sess.Resume(ctx, opts); err != nil {
		d.log.Error().Err(err).Str("workspace", workspaceID).Msg("resume after compaction")
	}
}

func (d *Driver) fail(ctx context.Context, sess *Session, workspaceID, messageID string, cause error) {
	if sess.HandleStreamError(ctx, &StreamErrorEvent{MessageID: messageID, RequestID: messageID, Err: cause}) {
		return
	}
	if provider.IsContextExceeded(cause) {
		// The escalator's terminal path has already cleared state and
		// emitted the stream-error event.
		return
	}

	sess.ResetActiveStreamState()
	if err := d.partials.Delete(ctx, workspaceID); err != nil {
		d.log.Warn().Err(err).Str("workspace", workspaceID).Msg("delete partial")
	}
	d.bus.Publish(event.ChatEvent{
		Kind:        event.KindStreamError,
		WorkspaceID: workspaceID,
		MessageID:   messageID,
		Error:       types.NewUnknownError(cause.Error()),
	})
}
