// Package history persists per-workspace conversation logs.
//
// A workspace's history is an append-only, sequence-numbered list of
// messages stored as a single JSON document, so a full replace is exactly one
// atomic document swap. Sequence numbers are unique and increasing within a
// workspace; ReplaceAll is the only operation that renumbers, starting at 0.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// Store is the history store for all workspaces.
type Store struct {
	storage *storage.Storage

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a history store backed by the given storage.
func NewStore(store *storage.Storage) *Store {
	return &Store{
		storage: store,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workspaceID] = l
	}
	return l
}

func (s *Store) load(ctx context.Context, workspaceID string) ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.storage.Get(ctx, []string{"history", workspaceID}, &msgs)
	if err == storage.ErrNotFound {
		return []*types.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) save(ctx context.Context, workspaceID string, msgs []*types.Message) error {
	return s.storage.Put(ctx, []string{"history", workspaceID}, msgs)
}

// Get returns the full history for a workspace in sequence order.
func (s *Store) Get(ctx context.Context, workspaceID string) ([]*types.Message, error) {
	l := s.lockFor(workspaceID)
	l.Lock()
	defer l.Unlock()
	return s.load(ctx, workspaceID)
}

// Append adds a message to the history, assigning the next sequence number.
// The stored message (with sequence and timestamp filled in) is returned.
func (s *Store) Append(ctx context.Context, workspaceID string, msg *types.Message) (*types.Message, error) {
	l := s.lockFor(workspaceID)
	l.Lock()
	defer l.Unlock()

	msgs, err := s.load(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	next := 0
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Meta.HistorySequence + 1
	}
	msg.Meta.HistorySequence = next

	msgs = append(msgs, msg)
	if err := s.save(ctx, workspaceID, msgs); err != nil {
		return nil, err
	}
	return msg, nil
}

// Update replaces a message in place, matched by id. Role and id never
// change; this exists to fill in tool-call outputs.
func (s *Store) Update(ctx context.Context, workspaceID string, msg *types.Message) error {
	l := s.lockFor(workspaceID)
	l.Lock()
	defer l.Unlock()

	msgs, err := s.load(ctx, workspaceID)
	if err != nil {
		return err
	}

	for i, existing := range msgs {
		if existing.ID == msg.ID {
			msg.Meta.HistorySequence = existing.Meta.HistorySequence
			msgs[i] = msg
			return s.save(ctx, workspaceID, msgs)
		}
	}
	return fmt.Errorf("update: message %s: %w", msg.ID, storage.ErrNotFound)
}

// ReplaceAll atomically replaces the entire history, renumbering from 0.
// It returns the sequence numbers of the discarded messages.
func (s *Store) ReplaceAll(ctx context.Context, workspaceID string, msgs []*types.Message) ([]int, error) {
	l := s.lockFor(workspaceID)
	l.Lock()
	defer l.Unlock()

	old, err := s.load(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	discarded := make([]int, 0, len(old))
	for _, m := range old {
		discarded = append(discarded, m.Meta.HistorySequence)
	}

	for i, m := range msgs {
		m.Meta.HistorySequence = i
	}
	if err := s.save(ctx, workspaceID, msgs); err != nil {
		return nil, err
	}
	return discarded, nil
}

// DeleteMessage removes a single message by id. Missing ids are a no-op so
// placeholder cleanup can race a completed delete safely.
func (s *Store) DeleteMessage(ctx context.Context, workspaceID, messageID string) error {
	l := s.lockFor(workspaceID)
	l.Lock()
	defer l.Unlock()

	msgs, err := s.load(ctx, workspaceID)
	if err != nil {
		return err
	}
	for i, m := range msgs {
		if m.ID == messageID {
			msgs = append(msgs[:i], msgs[i+1:]...)
			return s.save(ctx, workspaceID, msgs)
		}
	}
	return nil
}

// Clear removes the entire history for a workspace.
func (s *Store) Clear(ctx context.Context, workspaceID string) error {
	l := s.lockFor(workspaceID)
	l.Lock()
	defer l.Unlock()
	return s.storage.Delete(ctx, []string{"history", workspaceID})
}
