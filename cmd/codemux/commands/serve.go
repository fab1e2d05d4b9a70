package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codemux/codemux/internal/agent"
	"github.com/codemux/codemux/internal/config"
	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/history"
	"github.com/codemux/codemux/internal/logging"
	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/internal/server"
	"github.com/codemux/codemux/internal/session"
	"github.com/codemux/codemux/internal/storage"
	"github.com/codemux/codemux/internal/task"
	"github.com/codemux/codemux/internal/workspace"
	"github.com/codemux/codemux/pkg/types"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codemux server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(serveDir)
		if err != nil {
			return err
		}

		dataDir := config.DataDir(cfg.DataDir)
		store := storage.New(dataDir)
		bus := event.NewBus()
		defer bus.Close()

		hist := history.NewStore(store)
		partials := history.NewPartialStore(store)
		workspaces := workspace.New(store, hist, partials, bus, filepath.Join(dataDir, "worktrees"), false)
		agents := agent.NewRegistry()

		scheduler := task.NewScheduler(task.Params{
			Storage:    store,
			History:    hist,
			Partials:   partials,
			Bus:        bus,
			Workspaces: workspaces,
			Agents:     agents,
			Config:     cfg,
		})

		driver := session.NewDriver(session.DriverParams{
			Client:           provider.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.APIKey),
			History:          hist,
			Partials:         partials,
			Bus:              bus,
			OnChildStreamEnd: scheduler.HandleChildStreamEnd,
		})

		sessions := session.NewManager(func(workspaceID string) *session.Session {
			params := session.Params{
				WorkspaceID:  workspaceID,
				WorkspaceDir: filepath.Join(dataDir, "worktrees", workspaceID),
				Config:       cfg,
				History:      hist,
				Partials:     partials,
				Storage:      store,
				Bus:          bus,
				Stream: func(ctx context.Context, req session.StreamRequest) error {
					return driver.Run(ctx, workspaceID, req)
				},
			}
			// Delegated task workspaces carry a task record; its agent
			// preset decides hard-restart eligibility.
			var ti types.TaskInfo
			if err := store.Get(context.Background(), []string{"task", workspaceID}, &ti); err == nil {
				params.ChildTask = true
				params.ExecCapable = scheduler.ExecCapable(ti.Agent)
			}
			return session.New(params)
		})
		driver.Bind(sessions)
		workspaces.SetResumeFunc(driver.Resume)

		// Pick up tasks interrupted by the previous run, now that streams
		// can actually be issued.
		scheduler.Recover(ctx)

		srvCfg := server.DefaultConfig()
		srvCfg.Port = servePort

		logging.Info().Str("dataDir", dataDir).Msg("starting codemux")
		return server.New(srvCfg, cfg, bus, hist, workspaces, scheduler, sessions).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 7050, "Port to listen on")
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "Project directory for config resolution")
}
