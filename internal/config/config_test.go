package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".diaryx", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, "default", cfg.WorkspaceID)
	assert.Empty(t, cfg.SessionToken)
	assert.False(t, cfg.HasS3())

	// A device identity was generated and persisted.
	_, err = uuid.Parse(cfg.DeviceID)
	assert.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoad_DeviceIDStableAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	first, err := Load(path)
	require.NoError(t, err)

	second, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, first.DeviceID, second.DeviceID)
}

func TestLoad_ReadsFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	content := `
sync_server_url = "https://sync.internal"
workspace_id = "work"
session_token = "tok-123"
device_id = "0f8fad5b-d9cb-469f-a165-70867728950e"
device_name = "laptop"

[s3]
access_key_id = "AK"
secret_access_key = "SK"
region = "us-east-1"
endpoint = "http://minio:9000"
bucket = "diaryx"
force_path_style = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://sync.internal", cfg.ServerURL)
	assert.Equal(t, "work", cfg.WorkspaceID)
	assert.Equal(t, "tok-123", cfg.SessionToken)
	assert.Equal(t, "laptop", cfg.DeviceName)
	assert.True(t, cfg.HasS3())
	assert.Equal(t, "diaryx", cfg.S3.Bucket)
	assert.True(t, cfg.S3.ForcePathStyle)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path,
		[]byte("sync_server_url = \"https://from-file\"\nsession_token = \"file-tok\"\n"), 0o600))

	t.Setenv(EnvServerURL, "https://from-env")
	t.Setenv(EnvSessionToken, "env-tok")
	t.Setenv(EnvWorkspaceID, "env-ws")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://from-env", cfg.ServerURL)
	assert.Equal(t, "env-tok", cfg.SessionToken)
	assert.Equal(t, "env-ws", cfg.WorkspaceID)
}

func TestTokens(t *testing.T) {
	cfg := &Config{SessionToken: "abc"}

	ts := cfg.Tokens()
	require.NotNil(t, ts)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	assert.Nil(t, (&Config{}).Tokens(), "no token means no source")
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/ws", ".diaryx", "config.toml"), Path("/ws"))
}
