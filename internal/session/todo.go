package session

import (
	"context"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// Todos returns the workspace's TODO list.
func (s *Session) Todos(ctx context.Context) ([]types.TodoInfo, error) {
	var todos []types.TodoInfo
	err := s.storage.Get(ctx, []string{"todo", s.workspaceID}, &todos)
	if err == storage.ErrNotFound {
		return []types.TodoInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return todos, nil
}

// UpdateTodos replaces the workspace's TODO list and notifies subscribers.
func (s *Session) UpdateTodos(ctx context.Context, todos []types.TodoInfo) error {
	if err := s.storage.Put(ctx, []string{"todo", s.workspaceID}, todos); err != nil {
		return err
	}
	s.emit(event.ChatEvent{Kind: event.KindWorkspaceMeta})
	return nil
}
