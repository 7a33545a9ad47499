package config

import (
	"path/filepath"

	"github.com/obox-cloud/obox/utils"
)

// EnsureDirs creates all static directories used by the engine.
// Per-owner workspace directories are created on demand by the provisioner.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.dbDir(),
		c.WorkspaceRoot(),
		c.VMLockDir(),
		c.LogDir,
	)
}

func (c *Config) dbDir() string { return filepath.Join(c.RootDir, "db") }

// RecordsFile and RecordsLock are the VM record store paths.
func (c *Config) RecordsFile() string { return filepath.Join(c.dbDir(), "vms.json") }
func (c *Config) RecordsLock() string { return filepath.Join(c.dbDir(), "vms.lock") }

// QueueDB is the SQLite file backing the job queue.
func (c *Config) QueueDB() string { return filepath.Join(c.dbDir(), "queue.db") }

// WorkspaceRoot holds one directory per owner, each holding provisioning workspaces.
func (c *Config) WorkspaceRoot() string { return filepath.Join(c.RootDir, "workspaces") }

// WorkspacesLock serialises workspace generation against GC.
func (c *Config) WorkspacesLock() string { return filepath.Join(c.RunDir, "workspaces.lock") }

// VMLockDir holds one advisory lock file per VM record.
func (c *Config) VMLockDir() string { return filepath.Join(c.RunDir, "locks") }
