package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Deployment.Name)
	assert.False(t, cfg.Deployment.Restricted)
	assert.Equal(t, 30*time.Second, cfg.Git.OperationTimeout)
	assert.Equal(t, filepath.Join(dir, ConfigDir, "agentdeck.db"), cfg.AbsDBPath())
	assert.Equal(t, filepath.Join(dir, ConfigDir, "worktrees"), cfg.AbsWorktreeRoot())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDir), 0o755))

	yaml := `
deployment:
  name: staging
  restricted: true
  restricted_agent: amazon-q
server:
  listen_addr: ":9000"
git:
  operation_timeout: 10s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigDir, ConfigFilename), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Deployment.Name)
	assert.True(t, cfg.Deployment.Restricted)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Git.OperationTimeout)
}

func TestEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTDECK_DEPLOYMENT_NAME", "prod-eu")
	t.Setenv("AGENTDECK_RESTRICTED", "true")
	t.Setenv("AGENTDECK_RESTRICTED_AGENT", "amazon-q")
	t.Setenv("AGENTDECK_LISTEN_ADDR", ":7777")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "prod-eu", cfg.Deployment.Name)
	assert.True(t, cfg.Deployment.Restricted)
	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
}

func TestIsAgentAllowed(t *testing.T) {
	tests := []struct {
		name       string
		restricted bool
		designated string
		agentType  string
		want       bool
	}{
		{"unrestricted allows anything known", false, "amazon-q", "claude", true},
		{"restricted allows designated", true, "amazon-q", "amazon-q", true},
		{"restricted rejects others", true, "amazon-q", "claude", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			cfg.Deployment.Restricted = tt.restricted
			cfg.Deployment.RestrictedAgent = tt.designated
			assert.Equal(t, tt.want, cfg.IsAgentAllowed(tt.agentType))
		})
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Deployment.Restricted = true
	cfg.Deployment.RestrictedAgent = ""
	assert.Error(t, cfg.validate())

	cfg = Default(t.TempDir())
	cfg.Git.OperationTimeout = 0
	assert.Error(t, cfg.validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Deployment.Name = "saved"
	require.NoError(t, cfg.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.Deployment.Name)
}
