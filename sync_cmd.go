package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/diaryx-org/diaryx-go/internal/bridge"
	"github.com/diaryx-org/diaryx-go/internal/live"
)

// newSyncCmd builds the live sync command group.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Live CRDT synchronization",
	}

	cmd.AddCommand(newSyncStartCmd())
	cmd.AddCommand(newSyncPushCmd())
	cmd.AddCommand(newSyncPullCmd())

	return cmd
}

// newSyncStartCmd runs the live engine plus the filesystem watcher until
// interrupted.
func newSyncStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run live sync until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			engine := live.NewEngine(live.Config{
				ServerURL:   env.Cfg.ServerURL,
				WorkspaceID: env.Cfg.WorkspaceID,
				Tokens:      env.Cfg.Tokens(),
				Workspace:   env.Workspace,
				Bodies:      env.Bodies,
				Handler:     env.Handler,
				Logger:      env.Logger,
				WriteToDisk: true,
			})

			engine.ObserveStatus(func(s live.Status) {
				showStatus(s)
			})

			watcher, err := bridge.NewWatcher(env.Handler, env.Workspace, env.Bodies, env.Logger)
			if err != nil {
				return fmt.Errorf("starting filesystem watcher: %w", err)
			}

			fmt.Println("Sync is running. Press Ctrl+C to stop.")

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error { return engine.Run(gctx) })
			g.Go(func() error {
				err := watcher.Run(gctx)
				if gctx.Err() != nil {
					return nil // clean shutdown
				}

				return err
			})

			err = g.Wait()
			if ctx.Err() != nil {
				fmt.Println("\nSync stopped.")
				return nil
			}

			return err
		},
	}
}

// newSyncPushCmd runs one sync round without writing remote state to disk:
// local content uploads, nothing local changes.
func newSyncPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "One-shot push of local changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneShot(cmd.Context(), false)
		},
	}
}

// newSyncPullCmd runs one sync round and mirrors remote state to disk.
func newSyncPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "One-shot pull of remote changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneShot(cmd.Context(), true)
		},
	}
}

// oneShotTimeout bounds a push/pull round against a stalled server.
const oneShotTimeout = 5 * time.Minute

// runOneShot starts the engine, waits for both channels to report synced,
// then shuts down.
func runOneShot(parent context.Context, writeToDisk bool) error {
	ctx, cancel := context.WithTimeout(parent, oneShotTimeout)
	defer cancel()

	env, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	engine := live.NewEngine(live.Config{
		ServerURL:   env.Cfg.ServerURL,
		WorkspaceID: env.Cfg.WorkspaceID,
		Tokens:      env.Cfg.Tokens(),
		Workspace:   env.Workspace,
		Bodies:      env.Bodies,
		Handler:     env.Handler,
		Logger:      env.Logger,
		WriteToDisk: writeToDisk,
	})

	synced := make(chan struct{}, 1)

	engine.ObserveStatus(func(s live.Status) {
		showStatus(s)

		if s.State == live.StateSynced {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	})

	done := make(chan error, 1)

	go func() { done <- engine.Run(ctx) }()

	select {
	case <-synced:
		// Give in-flight responses a moment to drain before closing.
		time.Sleep(500 * time.Millisecond)
		engine.Stop()
		<-done

		if writeToDisk {
			if _, err := env.Handler.DiscoverMissingFiles(ctx, "index.md", env.Workspace, env.Bodies); err != nil {
				env.Logger.Warn("discovering missing files", "error", err)
			}
		}

		fmt.Println("Sync complete.")

		return nil

	case err := <-done:
		if err != nil {
			return err
		}

		return fmt.Errorf("sync ended before completing")

	case <-ctx.Done():
		engine.Stop()
		<-done

		return fmt.Errorf("sync timed out")
	}
}
