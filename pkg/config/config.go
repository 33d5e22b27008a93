// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/foundriesio/fioconfig/sotatoml"
)

type (
	Config struct {
		tomlConfig    *sotatoml.AppConfig
		partitionCap  uint64
		memoryLimit   int
		blockSize     int
		chunkSize     int
		restartDelay  time.Duration
		formatOnMount bool
	}

	intSetting struct {
		key      string
		def      int
		min, max int
	}
)

const (
	ListenKey               = "server.listen"
	UserKey                 = "server.user"
	PasswordKey             = "server.password"
	PartitionPathKey        = "partition.path"
	PartitionCapacityKey    = "partition.capacity"
	StagingPathKey          = "staging.path"
	StagingMemoryLimitKey   = "staging.memory_limit"
	StagingBlockSizeKey     = "staging.block_size"
	StagingFormatOnMountKey = "staging.format_on_mount_failure"
	UploadChunkSizeKey      = "upload.chunk_size"
	RestartDelayKey         = "restart.delay_ms"
	RestartCommandKey       = "restart.command"
	StorageDirKey           = "storage.path"
	SqlDbPathKey            = "storage.sqldb_path"

	ListenDefault            = ":8080"
	UserDefault              = "admin"
	PartitionPathDefault     = "/var/fwota/partition"
	PartitionCapacityDefault = 4 * 1024 * 1024
	StagingPathDefault       = "/var/fwota/staging"
	StagingMemoryDefault     = 2 * 1024 * 1024
	StagingBlockSizeDefault  = 1024
	UploadChunkSizeDefault   = 4096
	RestartDelayDefault      = 1500
	RestartCommandDefault    = "/sbin/reboot"
	StorageDefaultDir        = "/var/fwota"
	SqlDbDefaultFilename     = "sql.db"
)

var (
	memoryLimitSetting  = intSetting{StagingMemoryLimitKey, StagingMemoryDefault, 4096, 512 * 1024 * 1024}
	blockSizeSetting    = intSetting{StagingBlockSizeKey, StagingBlockSizeDefault, 512, 1024 * 1024}
	chunkSizeSetting    = intSetting{UploadChunkSizeKey, UploadChunkSizeDefault, 512, 1024 * 1024}
	restartDelaySetting = intSetting{RestartDelayKey, RestartDelayDefault, 0, 60 * 1000}
)

func NewConfig(tomlConfigPaths []string) (*Config, error) {
	var err error
	cfg := &Config{}

	if len(tomlConfigPaths) == 0 {
		return nil, fmt.Errorf("config: no TOML paths provided")
	}
	if cfg.tomlConfig, err = sotatoml.NewAppConfig(tomlConfigPaths); err != nil {
		return nil, fmt.Errorf("config: failed to load TOML from paths %q: %w",
			strings.Join(tomlConfigPaths, ", "), err)
	}
	return cfg.load()
}

// NewConfigFromApp wraps an already loaded TOML config
func NewConfigFromApp(app *sotatoml.AppConfig) (*Config, error) {
	return (&Config{tomlConfig: app}).load()
}

func (c *Config) load() (*Config, error) {
	// Check mandatory fields in the TOML config
	if !c.tomlConfig.Has(PasswordKey) || c.tomlConfig.Get(PasswordKey) == "" {
		return nil, fmt.Errorf("no %q is found in the TOML config;"+
			" it protects the update endpoints", PasswordKey)
	}

	capStr := c.tomlConfig.GetDefault(PartitionCapacityKey, strconv.Itoa(PartitionCapacityDefault))
	capacity, err := strconv.ParseUint(capStr, 10, 64)
	if err != nil || capacity == 0 {
		return nil, fmt.Errorf("invalid value of %q: %q", PartitionCapacityKey, capStr)
	}
	c.partitionCap = capacity

	c.memoryLimit = c.getInt(memoryLimitSetting)
	c.blockSize = c.getInt(blockSizeSetting)
	c.chunkSize = c.getInt(chunkSizeSetting)
	c.restartDelay = time.Duration(c.getInt(restartDelaySetting)) * time.Millisecond

	c.formatOnMount = true
	if v := c.tomlConfig.GetDefault(StagingFormatOnMountKey, "1"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.formatOnMount = b
		} else {
			slog.Warn("invalid format on mount failure value; using default", "value", v, "default", true)
		}
	}
	slog.Debug("config loaded", "partition capacity", c.partitionCap, "memory limit", c.memoryLimit,
		"block size", c.blockSize, "chunk size", c.chunkSize, "restart delay", c.restartDelay)
	return c, nil
}

// getInt reads an integer setting, falling back to its default when the
// value is malformed or out of range.
func (c *Config) getInt(s intSetting) int {
	str := c.tomlConfig.GetDefault(s.key, strconv.Itoa(s.def))
	v, err := strconv.Atoi(str)
	if err != nil {
		slog.Warn("invalid config value; using default", "key", s.key, "value", str, "default", s.def)
		return s.def
	}
	if v < s.min || v > s.max {
		slog.Warn("config value out of range; using default", "key", s.key, "value", v, "default", s.def)
		return s.def
	}
	return v
}

func (c *Config) GetListenAddr() string {
	return c.tomlConfig.GetDefault(ListenKey, ListenDefault)
}

func (c *Config) GetUser() string {
	return c.tomlConfig.GetDefault(UserKey, UserDefault)
}

// GetPassword returns the configured password, either in plaintext or as a
// bcrypt hash.
func (c *Config) GetPassword() string {
	return c.tomlConfig.Get(PasswordKey)
}

func (c *Config) GetPartitionPath() string {
	return c.tomlConfig.GetDefault(PartitionPathKey, PartitionPathDefault)
}

func (c *Config) GetPartitionCapacity() uint64 {
	return c.partitionCap
}

func (c *Config) GetStagingPath() string {
	return c.tomlConfig.GetDefault(StagingPathKey, StagingPathDefault)
}

func (c *Config) GetStagingMemoryLimit() int {
	return c.memoryLimit
}

func (c *Config) GetStagingBlockSize() int {
	return c.blockSize
}

func (c *Config) GetFormatOnMountFailure() bool {
	return c.formatOnMount
}

func (c *Config) GetUploadChunkSize() int {
	return c.chunkSize
}

func (c *Config) GetRestartDelay() time.Duration {
	return c.restartDelay
}

// GetRestartCommand returns the restart command line. An empty command means
// the process exits and leaves the restart to its service manager.
func (c *Config) GetRestartCommand() []string {
	if !c.tomlConfig.Has(RestartCommandKey) {
		return []string{RestartCommandDefault}
	}
	return strings.Fields(c.tomlConfig.Get(RestartCommandKey))
}

func (c *Config) GetStorageDir() string {
	return c.tomlConfig.GetDefault(StorageDirKey, StorageDefaultDir)
}

func (c *Config) GetDBPath() string {
	return filepath.Join(c.GetStorageDir(), c.tomlConfig.GetDefault(SqlDbPathKey, SqlDbDefaultFilename))
}

func (c *Config) TomlConfig() *sotatoml.AppConfig {
	return c.tomlConfig
}
