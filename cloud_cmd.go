package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diaryx-org/diaryx-go/internal/cloud"
	"github.com/diaryx-org/diaryx-go/internal/cloud/s3"
)

// newCloudCmd builds the cloud sync command group.
func newCloudCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Blob-store synchronization",
	}

	cmd.AddCommand(newCloudSyncCmd())
	cmd.AddCommand(newCloudResolveCmd())

	return cmd
}

// openCloudEngine builds the cloud engine from workspace config.
func openCloudEngine(cmd *cobra.Command, env *workspaceEnv) (*cloud.Engine, error) {
	if !env.Cfg.HasS3() {
		return nil, fmt.Errorf("no blob store configured: set [s3] bucket in the workspace config")
	}

	provider, err := s3.New(cmd.Context(), s3.Options{
		AccessKeyID:     env.Cfg.S3.AccessKeyID,
		SecretAccessKey: env.Cfg.S3.SecretAccessKey,
		Region:          env.Cfg.S3.Region,
		Endpoint:        env.Cfg.S3.Endpoint,
		Bucket:          env.Cfg.S3.Bucket,
		Prefix:          env.Cfg.S3.Prefix,
		ForcePathStyle:  env.Cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}

	engine := cloud.NewEngine(provider, env.FS, env.Root, env.Logger)

	if err := engine.LoadManifest(cmd.Context()); err != nil {
		return nil, err
	}

	return engine, nil
}

// newCloudSyncCmd runs one bidirectional cloud sync pass.
func newCloudSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the workspace with the blob store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			engine, err := openCloudEngine(cmd, env)
			if err != nil {
				return err
			}

			result := engine.SyncWithProgress(cmd.Context(), showCloudProgress)

			switch {
			case result.HasConflicts():
				fmt.Printf("\n%d conflict(s) need resolution:\n", len(result.Conflicts))

				for _, c := range result.Conflicts {
					fmt.Printf("  %s\n    local:  %s\n    remote: %s\n", c.Path, c.LocalHash, c.RemoteHash)
				}

				fmt.Println("\nResolve with: diaryx-sync cloud resolve <path> --strategy <keep-local|keep-remote|keep-both|skip>")

				os.Exit(2)

			case !result.Success:
				return fmt.Errorf("cloud sync failed: %s", result.Message)
			}

			fmt.Printf("Synced: %d uploaded, %d downloaded, %d deleted\n",
				result.Uploaded, result.Downloaded, result.Deleted)

			return nil
		},
	}
}

// newCloudResolveCmd resolves a single conflict by path.
func newCloudResolveCmd() *cobra.Command {
	var strategy string
	var mergedFile string

	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Resolve a cloud sync conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			engine, err := openCloudEngine(cmd, env)
			if err != nil {
				return err
			}

			resolution, err := parseResolution(strategy, mergedFile)
			if err != nil {
				return err
			}

			outcome := engine.ResolveConflict(cmd.Context(), &cloud.ConflictInfo{Path: args[0]}, resolution)
			if !outcome.Resolved {
				return fmt.Errorf("resolving %s: %s", args[0], outcome.Message)
			}

			if outcome.ConflictFile != "" {
				fmt.Printf("Remote version saved as %s\n", outcome.ConflictFile)
			}

			fmt.Printf("Resolved %s (%s)\n", args[0], strategy)

			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "keep-local, keep-remote, keep-both, merge, or skip")
	cmd.Flags().StringVar(&mergedFile, "merged-file", "", "file holding merged content (strategy merge)")
	cmd.MarkFlagRequired("strategy") //nolint:errcheck // flag exists

	return cmd
}

// parseResolution maps the CLI strategy flag to a resolution.
func parseResolution(strategy, mergedFile string) (cloud.Resolution, error) {
	switch strategy {
	case "keep-local":
		return cloud.Resolution{Kind: cloud.KeepLocal}, nil
	case "keep-remote":
		return cloud.Resolution{Kind: cloud.KeepRemote}, nil
	case "keep-both":
		return cloud.Resolution{Kind: cloud.KeepBoth}, nil
	case "skip":
		return cloud.Resolution{Kind: cloud.Skip}, nil
	case "merge":
		if mergedFile == "" {
			return cloud.Resolution{}, fmt.Errorf("--merged-file is required with --strategy merge")
		}

		content, err := os.ReadFile(mergedFile)
		if err != nil {
			return cloud.Resolution{}, fmt.Errorf("reading merged file: %w", err)
		}

		return cloud.Resolution{Kind: cloud.MergeContent, Merged: string(content)}, nil
	default:
		return cloud.Resolution{}, fmt.Errorf("unknown strategy %q", strategy)
	}
}
