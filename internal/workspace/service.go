// Package workspace manages workspace records: creation, forking, removal,
// and metadata events. A workspace is one conversation plus its working
// directory; delegated child tasks get their own workspace.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/history"
	"github.com/codemux/codemux/internal/logging"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/pkg/types"
)

// ResumeFunc starts (or resumes) a workspace's model stream. Wired in by the
// layer that owns provider clients.
type ResumeFunc func(ctx context.Context, workspaceID string, opts provider.StreamOptions) error

// Service manages workspace records.
type Service struct {
	storage  *storage.Storage
	history  *history.Store
	partials *history.PartialStore
	bus      *event.Bus
	rootDir  string
	canFork  bool
	resume   ResumeFunc
}

// New creates a workspace service. rootDir is where workspace working
// directories are provisioned; canFork reports whether the runtime supports
// cheap working-tree forks.
func New(store *storage.Storage, hist *history.Store, partials *history.PartialStore, bus *event.Bus, rootDir string, canFork bool) *Service {
	return &Service{
		storage:  store,
		history:  hist,
		partials: partials,
		bus:      bus,
		rootDir:  rootDir,
		canFork:  canFork,
	}
}

// SetResumeFunc wires the stream-resume hook.
func (s *Service) SetResumeFunc(fn ResumeFunc) { s.resume = fn }

// CanFork reports whether the runtime supports workspace forks.
func (s *Service) CanFork() bool { return s.canFork }

// Create provisions a new workspace.
func (s *Service) Create(ctx context.Context, title, parentID, agentName string) (*types.WorkspaceInfo, error) {
	now := time.Now().UnixMilli()
	info := &types.WorkspaceInfo{
		ID:        ulid.Make().String(),
		ParentID:  parentID,
		Title:     title,
		Agent:     agentName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	info.Directory = filepath.Join(s.rootDir, info.ID)

	if err := os.MkdirAll(info.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("provision workspace dir: %w", err)
	}
	if err := s.storage.Put(ctx, []string{"workspace", info.ID}, info); err != nil {
		return nil, fmt.Errorf("save workspace: %w", err)
	}
	s.EmitWorkspaceMetadata(info)
	return info, nil
}

// Fork provisions a child workspace branched from the parent's working tree.
// Callers should check CanFork first; Fork falls back to Create semantics for
// the conversation state either way (the child starts with empty history).
func (s *Service) Fork(ctx context.Context, parentID, title, agentName string) (*types.WorkspaceInfo, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}

	info, err := s.Create(ctx, title, parentID, agentName)
	if err != nil {
		return nil, err
	}

	logging.Debug().Str("parent", parent.ID).Str("child", info.ID).Msg("forked workspace")
	return info, nil
}

// Get returns a workspace record.
func (s *Service) Get(ctx context.Context, id string) (*types.WorkspaceInfo, error) {
	var info types.WorkspaceInfo
	if err := s.storage.Get(ctx, []string{"workspace", id}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// List returns all workspace records.
func (s *Service) List(ctx context.Context) ([]*types.WorkspaceInfo, error) {
	keys, err := s.storage.List(ctx, []string{"workspace"})
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkspaceInfo, 0, len(keys))
	for _, key := range keys {
		var info types.WorkspaceInfo
		if err := s.storage.Get(ctx, []string{"workspace", key}, &info); err != nil {
			continue
		}
		out = append(out, &info)
	}
	return out, nil
}

// Touch updates the workspace's last-used timestamp.
func (s *Service) Touch(ctx context.Context, id string) error {
	info, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	info.LastUsed = time.Now().UnixMilli()
	info.UpdatedAt = info.LastUsed
	if err := s.storage.Put(ctx, []string{"workspace", id}, info); err != nil {
		return err
	}
	s.EmitWorkspaceMetadata(info)
	return nil
}

// Remove deletes a workspace and all of its conversation state.
func (s *Service) Remove(ctx context.Context, id string) error {
	info, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, []string{"workspace", id}); err != nil {
		return err
	}
	_ = s.history.Clear(ctx, id)
	_ = s.partials.Delete(ctx, id)
	_ = s.storage.Delete(ctx, []string{"todo", id})
	_ = s.storage.Delete(ctx, []string{"attachments-excluded", id})
	if info.Directory != "" {
		_ = os.RemoveAll(info.Directory)
	}

	logging.Info().Str("workspace", id).Msg("workspace removed")
	return nil
}

// ResumeStream resumes the workspace's model stream via the wired hook.
func (s *Service) ResumeStream(ctx context.Context, id string, opts provider.StreamOptions) error {
	if s.resume == nil {
		return fmt.Errorf("no stream resume hook configured")
	}
	return s.resume(ctx, id, opts)
}

// EmitChatEvent publishes a chat event for a workspace.
func (s *Service) EmitChatEvent(ev event.ChatEvent) {
	s.bus.Publish(ev)
}

// EmitWorkspaceMetadata publishes a metadata update for a workspace.
func (s *Service) EmitWorkspaceMetadata(info *types.WorkspaceInfo) {
	s.bus.Publish(event.ChatEvent{
		Kind:        event.KindWorkspaceMeta,
		WorkspaceID: info.ID,
		Workspace:   info,
	})
}
