package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/history"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

type fakeStreamHandle struct {
	ch chan provider.StreamEvent
}

func (h *fakeStreamHandle) Events() <-chan provider.StreamEvent { return h.ch }
func (h *fakeStreamHandle) Close() error                        { return nil }

type fakeClient struct {
	mu       sync.Mutex
	requests []provider.Request
	handles  []*fakeStreamHandle
}

func (c *fakeClient) Stream(ctx context.Context, req provider.Request) (provider.StreamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &fakeStreamHandle{ch: make(chan provider.StreamEvent, 8)}
	c.requests = append(c.requests, req)
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *fakeClient) request(i int) provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *fakeClient) handle(i int) *fakeStreamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[i]
}

type driverFixture struct {
	driver   *Driver
	client   *fakeClient
	manager  *Manager
	history  *history.Store
	partials *history.PartialStore

	mu     sync.Mutex
	events []event.ChatEvent
}

func (f *driverFixture) eventKindsSeen() []event.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]event.Kind, len(f.events))
	for i, ev := range f.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()

	store := storage.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	f := &driverFixture{
		client:   &fakeClient{},
		history:  history.NewStore(store),
		partials: history.NewPartialStore(store),
	}
	f.driver = NewDriver(DriverParams{
		Client:   f.client,
		History:  f.history,
		Partials: f.partials,
		Bus:      bus,
	})
	f.manager = NewManager(func(workspaceID string) *Session {
		return New(Params{
			WorkspaceID: workspaceID,
			History:     f.history,
			Partials:    f.partials,
			Storage:     store,
			Bus:         bus,
			Stream: func(ctx context.Context, req StreamRequest) error {
				return f.driver.Run(ctx, workspaceID, req)
			},
		})
	})
	f.driver.Bind(f.manager)

	bus.SubscribeAll(func(ev event.ChatEvent) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	return f
}

func TestDriver_CommitsAssistantTurn(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", textMessage(types.RoleUser, "hello"))
	require.NoError(t, err)

	require.NoError(t, f.driver.Resume(ctx, "ws1", provider.StreamOptions{Model: "openai/gpt-5"}))
	require.Equal(t, 1, f.client.count())

	h := f.client.handle(0)
	h.ch <- provider.StreamEvent{Type: provider.StreamDelta, Delta: "hi "}
	h.ch <- provider.StreamEvent{Type: provider.StreamEnd, Message: textMessage(types.RoleAssistant, "hi there")}
	close(h.ch)

	require.Eventually(t, func() bool {
		msgs, err := f.history.Get(ctx, "ws1")
		return err == nil && len(msgs) == 2
	}, time.Second, 10*time.Millisecond)

	msgs, err := f.history.Get(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Text())

	// The partial buffer written during streaming was cleared on commit.
	partial, err := f.partials.Read(ctx, "ws1")
	require.NoError(t, err)
	assert.Nil(t, partial)

	kinds := f.eventKindsSeen()
	assert.Contains(t, kinds, event.KindMessage)
	assert.Contains(t, kinds, event.KindStreamEnd)
}

func TestDriver_CompactionStreamCommits(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", textMessage(types.RoleUser, "please refactor"))
	require.NoError(t, err)

	sess := f.manager.Get("ws1")
	op, err := sess.StartCompaction(ctx, SourceUser, StartCompactionOptions{
		Stream: provider.StreamOptions{Model: "openai/gpt-5"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, f.client.count())
	assert.Contains(t, f.client.request(0).SummaryPrompt, "please refactor")

	h := f.client.handle(0)
	h.ch <- provider.StreamEvent{Type: provider.StreamEnd, Message: textMessage(types.RoleAssistant, words(60))}
	close(h.ch)

	require.Eventually(t, func() bool {
		return sess.ActiveCompaction() == nil
	}, time.Second, 10*time.Millisecond)

	msgs, err := f.history.Get(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Meta.Synthetic)
	_ = op
}

func TestDriver_QueuedSendResumesAfterCompaction(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", textMessage(types.RoleUser, "first"))
	require.NoError(t, err)

	sess := f.manager.Get("ws1")
	sess.Enqueue(QueuedSend{Text: "follow-up", Options: provider.StreamOptions{Model: "openai/gpt-5"}})

	_, err = sess.StartCompaction(ctx, SourceForce, StartCompactionOptions{
		Stream: provider.StreamOptions{Model: "openai/gpt-5"},
	})
	require.NoError(t, err)

	h := f.client.handle(0)
	h.ch <- provider.StreamEvent{Type: provider.StreamEnd, Message: textMessage(types.RoleAssistant, words(60))}
	close(h.ch)

	// The deferred send is committed over the compacted history and a new
	// stream goes out for it.
	require.Eventually(t, func() bool {
		return f.client.count() == 2
	}, time.Second, 10*time.Millisecond)

	msgs, err := f.history.Get(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "follow-up", msgs[1].Text())
	assert.Empty(t, sess.DrainQueue())
}

func TestDriver_ContextExceededEscalates(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", textMessage(types.RoleUser, "please refactor"))
	require.NoError(t, err)

	sess := f.manager.Get("ws1")
	op, err := sess.StartCompaction(ctx, SourceUser, StartCompactionOptions{
		Stream: provider.StreamOptions{Model: "openai/gpt-5"},
	})
	require.NoError(t, err)

	h := f.client.handle(0)
	h.ch <- provider.StreamEvent{Type: provider.StreamError, Err: provider.NewContextExceeded("prompt is too long")}
	close(h.ch)

	require.Eventually(t, func() bool {
		return f.client.count() == 2
	}, time.Second, 10*time.Millisecond)

	retry := f.client.request(1)
	assert.Equal(t, "auto", retry.Options.Truncation)
	assert.NotEmpty(t, retry.SummaryPrompt)
	assert.Same(t, op, sess.ActiveCompaction())
}

func TestDriver_UnrecoverableErrorSurfaces(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()

	_, err := f.history.Append(ctx, "ws1", textMessage(types.RoleUser, "hello"))
	require.NoError(t, err)

	require.NoError(t, f.driver.Resume(ctx, "ws1", provider.StreamOptions{Model: "openai/gpt-5"}))

	h := f.client.handle(0)
	h.ch <- provider.StreamEvent{Type: provider.StreamError, Err: &provider.Error{Type: provider.ErrorAuth, Message: "bad key"}}
	close(h.ch)

	require.Eventually(t, func() bool {
		for _, k := range f.eventKindsSeen() {
			if k == event.KindStreamError {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.client.count())
}
