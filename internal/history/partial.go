package history

import (
	"context"

	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// PartialStore holds the one in-progress (not-yet-committed) assistant
// message per workspace.
type PartialStore struct {
	storage *storage.Storage
}

// NewPartialStore creates a partial-message store.
func NewPartialStore(store *storage.Storage) *PartialStore {
	return &PartialStore{storage: store}
}

// Read returns the in-progress message, or nil if there is none.
func (s *PartialStore) Read(ctx context.Context, workspaceID string) (*types.Message, error) {
	var msg types.Message
	err := s.storage.Get(ctx, []string{"partial", workspaceID}, &msg)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Write stores the in-progress message, replacing any previous one.
func (s *PartialStore) Write(ctx context.Context, workspaceID string, msg *types.Message) error {
	return s.storage.Put(ctx, []string{"partial", workspaceID}, msg)
}

// Delete removes the in-progress message. Missing is a no-op.
func (s *PartialStore) Delete(ctx context.Context, workspaceID string) error {
	return s.storage.Delete(ctx, []string{"partial", workspaceID})
}
