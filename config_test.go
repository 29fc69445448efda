package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"LibraryDevice": "/dev/sg3",
		"TapeDevices": {
			"0": {"Device": "/dev/sg1", "MountPoint": "/mnt/ltfs0"},
			"1": {"Device": "/dev/sg2", "MountPoint": "/mnt/ltfs1"}
		},
		"Catalog": "jobs.db",
		"Session": {"DiskWorkers": 8, "BlockSize": 4096},
		"Logging": {"Level": "DEBUG"}
	}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/sg3", cfg.LibraryDevice)
	require.Len(t, cfg.TapeDriveDevices, 2)
	assert.Equal(t, "/mnt/ltfs1", cfg.TapeDriveDevices[1].MountPoint)
	assert.Equal(t, "jobs.db", cfg.Catalog)
	assert.Equal(t, 8, cfg.Session.DiskWorkers)
	assert.Equal(t, 4096, cfg.Session.BlockSize)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Session.NumberOfBlocks, cfg.Session.NumberOfBlocks)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.False(t, cfg.S3Enabled())
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
session:
  maxfilesperbatch: 20
s3:
  endpoint: http://localhost:9000
  forcepathstyle: true
watchdoginterval: 5s
`)
	t.Setenv("LTFSX_SESSION_DISKWORKERS", "3")
	t.Setenv("LTFSX_CATALOG", "env.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Session.MaxFilesPerBatch)
	assert.Equal(t, 3, cfg.Session.DiskWorkers)
	assert.Equal(t, "env.db", cfg.Catalog)
	assert.Equal(t, 5*time.Second, cfg.WatchdogInterval)
	assert.True(t, cfg.S3Enabled())
	assert.True(t, cfg.S3.ForcePathStyle)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no disk workers", `{"Session": {"DiskWorkers": 0}}`},
		{"bad log level", `{"Logging": {"Level": "LOUD"}}`},
		{"drive without mount point", `{"TapeDevices": {"0": {"Device": "/dev/sg1"}}}`},
		{"not json", `{"Session": `},
		{"fewer open files than disk workers", `{"MaxOpenFiles": 2, "Session": {"DiskWorkers": 3}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "config.json", tt.content))
			assert.Error(t, err)
		})
	}
}
