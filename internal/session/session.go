package session

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/history"
	"github.com/codemux/codemux/internal/logging"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// StreamRequest describes a model stream to (re)issue over current history.
type StreamRequest struct {
	Options provider.StreamOptions

	// CompactionID is set when the stream is a compaction summary request.
	CompactionID string

	// MessageID is the assistant placeholder the stream commits into, when
	// the caller pre-assigned one (compaction kickoff does).
	MessageID string

	// SummaryPrompt replaces the normal turn input for compaction streams.
	SummaryPrompt string
}

// StreamFunc re-issues a model stream. The session calls it re-entrantly from
// recovery paths; implementations must tolerate being invoked while a failed
// stream is being torn down.
type StreamFunc func(ctx context.Context, req StreamRequest) error

// QueuedSend is an outgoing message deferred while a compaction is active.
type QueuedSend struct {
	Text    string
	Options provider.StreamOptions
}

// Params configures a Session.
type Params struct {
	WorkspaceID  string
	WorkspaceDir string
	Config       *types.Config
	History      *history.Store
	Partials     *history.PartialStore
	Storage      *storage.Storage
	Bus          *event.Bus
	Stream       StreamFunc

	// ChildTask marks a delegated child workspace; ExecCapable marks one
	// whose resolved agent chain grants edit-capable tool access. Both gate
	// the hard-restart recovery strategy.
	ChildTask   bool
	ExecCapable bool
}

// Session holds all mutable per-workspace conversation state.
type Session struct {
	workspaceID  string
	workspaceDir string
	cfg          *types.Config
	history      *history.Store
	partials     *history.PartialStore
	storage      *storage.Storage
	bus          *event.Bus
	streamFn     StreamFunc
	childTask    bool
	execCapable  bool
	log          zerolog.Logger

	mu sync.Mutex

	// Compaction control plane.
	compaction       *CompactionOperation
	processedOps     map[string]bool
	processedStreams map[string]bool

	// Post-compaction attachment state.
	pendingDiffs         []types.FileDiff
	attachmentsPending   bool
	turnsSinceAttachment int
	compactedThisSession bool
	fileStateCache       map[string]string

	// Retry escalation bookkeeping, one set per strategy.
	compactionRetryTried     map[string]bool
	postCompactionRetryTried map[string]bool
	hardRestartTried         map[string]bool

	// Active stream context.
	stream         *streamState
	streamStarting bool
	queue          []QueuedSend
}

// streamState tracks the currently running model stream.
type streamState struct {
	messageID              string
	opts                   provider.StreamOptions
	hadDelta               bool
	injectedPostCompaction bool
}

// New creates a Session for one workspace.
func New(p Params) *Session {
	cfg := p.Config
	if cfg == nil {
		cfg = &types.Config{}
	}
	cfg.Normalize()

	return &Session{
		workspaceID:              p.WorkspaceID,
		workspaceDir:             p.WorkspaceDir,
		cfg:                      cfg,
		history:                  p.History,
		partials:                 p.Partials,
		storage:                  p.Storage,
		bus:                      p.Bus,
		streamFn:                 p.Stream,
		childTask:                p.ChildTask,
		execCapable:              p.ExecCapable,
		log:                      logging.With().Str("workspace", p.WorkspaceID).Logger(),
		processedOps:             make(map[string]bool),
		processedStreams:         make(map[string]bool),
		fileStateCache:           make(map[string]string),
		compactionRetryTried:     make(map[string]bool),
		postCompactionRetryTried: make(map[string]bool),
		hardRestartTried:         make(map[string]bool),
	}
}

// WorkspaceID returns the workspace this session belongs to.
func (s *Session) WorkspaceID() string { return s.workspaceID }

// InitStreamState records the context of a newly started stream.
func (s *Session) InitStreamState(messageID string, opts provider.StreamOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = &streamState{messageID: messageID, opts: opts}
}

// MarkStreamHadDelta records that the active stream produced visible output.
// After this, no recovery strategy may discard the stream.
func (s *Session) MarkStreamHadDelta() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.hadDelta = true
	}
}

// MarkPostCompactionInjected records that post-compaction attachments were
// injected into the active stream's request.
func (s *Session) MarkPostCompactionInjected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.injectedPostCompaction = true
	}
}

// ResetActiveStreamState clears the active stream context, e.g. when a stream
// finishes normally.
func (s *Session) ResetActiveStreamState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = nil
}

// Resume issues a model stream over current history with the given options.
func (s *Session) Resume(ctx context.Context, opts provider.StreamOptions) error {
	return s.startStream(ctx, StreamRequest{Options: opts})
}

// StreamStarting reports whether a recovery retry is currently issuing a
// stream, so concurrent operations observe accurate busy state.
func (s *Session) StreamStarting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamStarting
}

// Enqueue defers an outgoing send until the active compaction finishes.
func (s *Session) Enqueue(send QueuedSend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, send)
}

// DrainQueue returns and clears the deferred sends.
func (s *Session) DrainQueue() []QueuedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// startStream invokes the stream callback with the starting flag bracketed
// around the call.
func (s *Session) startStream(ctx context.Context, req StreamRequest) error {
	s.mu.Lock()
	s.streamStarting = true
	s.mu.Unlock()

	err := s.streamFn(ctx, req)

	s.mu.Lock()
	s.streamStarting = false
	s.mu.Unlock()
	return err
}

func (s *Session) emit(ev event.ChatEvent) {
	ev.WorkspaceID = s.workspaceID
	s.bus.Publish(ev)
}

func newID() string {
	return ulid.Make().String()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
