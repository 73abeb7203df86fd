// chatmirror - Mirror a remote chat's history and media into local storage.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level chatmirror configuration.
type Config struct {
	DB       DBConfig       `yaml:"db"`
	Source   SourceConfig   `yaml:"source"`
	Sync     SyncConfig     `yaml:"sync"`
	Download DownloadConfig `yaml:"download"`
	Log      LogConfig      `yaml:"log"`

	// Chats lists the chat ids mirrored by the run loop.
	Chats []int64 `yaml:"chats"`

	// RunInterval is how long the run loop idles between full passes.
	RunInterval time.Duration `yaml:"run_interval"`

	path string
}

type DBConfig struct {
	// Path of the SQLite catalog database.
	Path string `yaml:"path"`
}

// SourceConfig selects and configures the remote transport. Everything
// except Kind is opaque to chatmirror and interpreted by the registered
// SourceFactory (credentials, session file, proxy, ...).
type SourceConfig struct {
	Kind    string         `yaml:"kind"`
	Options map[string]any `yaml:"options"`
}

type SyncConfig struct {
	// PageSize is the maximum number of messages per sync page. Also
	// the photo discovery batch size during downloads.
	PageSize int `yaml:"page_size"`
}

type DownloadConfig struct {
	// Root of the on-disk media layout: staging/, store/ and links/
	// live under it.
	Root string `yaml:"root"`

	// Concurrent is the download worker pool size.
	Concurrent int `yaml:"concurrent"`

	// ChunkTimeout bounds the wait for each download chunk. A stalled
	// connection is detected within one timeout; a slow transfer that
	// keeps producing chunks is never killed.
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`

	// SummaryInterval rate-limits progress summary log lines.
	SummaryInterval time.Duration `yaml:"summary_interval"`

	// SkipNameSuffixes lists document display-name suffixes that are
	// never downloaded. Skipped documents are still marked saved so
	// they don't re-queue forever.
	SkipNameSuffixes []string `yaml:"skip_name_suffixes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Dir enables a rotating log file next to the console output.
	Dir string `yaml:"dir"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{path: path}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PostProcess fills defaults and rejects unusable values.
func (c *Config) PostProcess() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.Download.Root == "" {
		return fmt.Errorf("download.root is required")
	}
	if c.Source.Kind == "" {
		return fmt.Errorf("source.kind is required")
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = 500
	}
	if c.Download.Concurrent <= 0 {
		c.Download.Concurrent = 4
	}
	if c.Download.ChunkTimeout <= 0 {
		c.Download.ChunkTimeout = 30 * time.Second
	}
	if c.Download.SummaryInterval <= 0 {
		c.Download.SummaryInterval = 5 * time.Second
	}
	if c.RunInterval <= 0 {
		c.RunInterval = 15 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

// StagingDir is the transient download area for a media kind. Safe to
// purge on restart; no final-path file ever lives here.
func (c *Config) StagingDir(kind MediaKind) string {
	return filepath.Join(c.Download.Root, "staging", string(kind)+"s-by-id")
}

// StoreDir is the content-addressed permanent store for a media kind.
func (c *Config) StoreDir(kind MediaKind) string {
	return filepath.Join(c.Download.Root, "store", string(kind)+"s-by-id")
}

// LinksDir is the per-chat human-browsable view directory.
func (c *Config) LinksDir(chatID int64) string {
	return filepath.Join(c.Download.Root, "links", fmt.Sprint(chatID))
}

// ChatListPath is where setup mode writes the dialog listing.
func (c *Config) ChatListPath() string {
	return filepath.Join(filepath.Dir(c.path), "chats.json")
}
