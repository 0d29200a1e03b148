// Command diaryx-sync is the CLI for the diaryx synchronization engines:
// live CRDT sync over WebSockets and hash-based cloud sync against an
// S3-compatible blob store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/diaryx-org/diaryx-go/internal/bridge"
	"github.com/diaryx-org/diaryx-go/internal/config"
	"github.com/diaryx-org/diaryx-go/internal/crdt"
	"github.com/diaryx-org/diaryx-go/internal/crdtstore"
	"github.com/diaryx-org/diaryx-go/internal/vfs"

	"github.com/google/uuid"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagWorkspace  string
	flagConfigPath string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
	flagEphemeral  bool
	flagDBPath     string
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "diaryx-sync",
		Short:   "Diaryx workspace synchronization",
		Long:    "Live CRDT sync and cloud blob-store sync for diaryx workspaces.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".", "workspace root directory")
	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default <workspace>/.diaryx/config.toml)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().BoolVar(&flagEphemeral, "ephemeral", false, "keep CRDT state in memory only (no crdt.db)")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "CRDT database path (default <workspace>/.diaryx/crdt.db)")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newCloudCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// buildLogger creates an slog.Logger honoring the verbosity flags.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// workspaceEnv bundles everything a command needs to operate on one
// workspace: config, storage, the CRDT documents, and the sync handler.
type workspaceEnv struct {
	Root      string
	Cfg       *config.Config
	Store     crdt.Store
	Workspace *crdt.WorkspaceDoc
	Bodies    *crdt.BodyDocManager
	Handler   *bridge.Handler
	FS        vfs.FileSystem
	Logger    *slog.Logger
}

// openWorkspace resolves the workspace root, loads config, opens the CRDT
// store, and materializes the workspace document.
func openWorkspace(ctx context.Context) (*workspaceEnv, error) {
	root, err := filepath.Abs(flagWorkspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace path: %w", err)
	}

	logger := buildLogger()

	cfgPath := flagConfigPath
	if cfgPath == "" {
		cfgPath = config.Path(root)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	var store crdt.Store

	if flagEphemeral {
		store = crdtstore.NewMemoryStore()
	} else {
		dbPath := flagDBPath
		if dbPath == "" {
			dbPath = filepath.Join(root, ".diaryx", "crdt.db")
		}

		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		sqlStore, openErr := crdtstore.OpenSQLite(dbPath, logger)
		if openErr != nil {
			return nil, openErr
		}

		store = sqlStore
	}

	deviceUUID, err := uuid.Parse(cfg.DeviceID)
	if err != nil {
		deviceUUID = uuid.New()
	}

	actor := crdt.ActorFromUUID(deviceUUID)

	doc, err := crdt.LoadWorkspaceDoc(ctx, store, cfg.WorkspaceID, actor, cfg.DeviceID, cfg.DeviceName)
	if err != nil {
		store.Close()
		return nil, err
	}

	bodies := crdt.NewBodyDocManager(store, cfg.WorkspaceID, actor, cfg.DeviceID, cfg.DeviceName, logger)

	fs := vfs.NewOSFileSystem()
	handler := bridge.NewHandler(fs, root, logger)
	handler.SetWorkspaceDoc(doc)

	return &workspaceEnv{
		Root:      root,
		Cfg:       cfg,
		Store:     store,
		Workspace: doc,
		Bodies:    bodies,
		Handler:   handler,
		FS:        fs,
		Logger:    logger,
	}, nil
}

// Close releases workspace resources.
func (w *workspaceEnv) Close() {
	if err := w.Store.Close(); err != nil {
		w.Logger.Warn("closing crdt store", "error", err)
	}
}
