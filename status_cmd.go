package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diaryx-org/diaryx-go/internal/cloud"
)

// newStatusCmd reports workspace sync state: file counts from the CRDT and
// the cloud manifest summary when a provider is configured.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			files := env.Workspace.ListFiles()
			tombstones := env.Workspace.Tombstones()

			fmt.Printf("Workspace:  %s\n", env.Root)
			fmt.Printf("Server:     %s (workspace %q)\n", env.Cfg.ServerURL, env.Cfg.WorkspaceID)
			fmt.Printf("Device:     %s (%s)\n", env.Cfg.DeviceName, env.Cfg.DeviceID)
			fmt.Printf("Files:      %d tracked, %d deleted\n", len(files), len(tombstones))

			if !env.Cfg.HasS3() {
				fmt.Println("Cloud:      not configured")
				return nil
			}

			providerID := "s3:" + env.Cfg.S3.Bucket
			manifestPath := cloud.ManifestPath(env.Root, providerID)

			manifest, err := cloud.LoadManifest(cmd.Context(), env.FS, manifestPath, providerID)
			if err != nil {
				return err
			}

			if manifest.LastSyncAt.IsZero() {
				fmt.Printf("Cloud:      %s, never synced\n", providerID)
				return nil
			}

			fmt.Printf("Cloud:      %s, %d files, last sync %s\n",
				providerID, len(manifest.Files), manifest.LastSyncAt.Format("2006-01-02 15:04:05"))

			return nil
		},
	}
}
