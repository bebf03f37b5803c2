// parley - multi-model chat orchestration for local LLMs in the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/engine"
	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/store"
	"github.com/jeranaias/parley/internal/tools"
	"github.com/jeranaias/parley/internal/tui"
)

// Version information (set at build time)
var (
	Version   = "0.2.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default ~/.parley/config.toml)")
		modelFlag   = flag.String("model", "", "override the default model")
		versionFlag = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Printf("parley %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *modelFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, modelOverride string) error {
	// ==========================================================================
	// CONFIGURATION
	// ==========================================================================
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		if err := config.EnsureConfigDir(); err != nil {
			return err
		}
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyCLIOverrides(cfg, modelOverride)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	config.SetGlobal(cfg)

	// ==========================================================================
	// STORAGE
	// ==========================================================================
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// ==========================================================================
	// PROVIDER AND TOOLS
	// ==========================================================================
	client := provider.NewOllamaClient(&provider.OllamaConfig{
		BaseURL:           cfg.Provider.OllamaURL,
		StreamTimeout:     time.Duration(cfg.Provider.StreamTimeoutSecs) * time.Second,
		MaxRetries:        cfg.Provider.MaxRetries,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
	})

	registry := tools.NewRegistry()
	if cfg.Tools.WebSearchEnabled {
		registry.Register(tools.NewWebSearchTool())
	}
	if cfg.Tools.ReadFileEnabled {
		registry.Register(tools.NewReadFileTool(cfg.Tools.WorkDir))
	}

	// ==========================================================================
	// ENGINE AND TUI
	// ==========================================================================
	eng := engine.New(client, registry, st, cfg)

	m, err := tui.New(eng, st, cfg)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	m.SetProgram(p)

	// Live config reload: the watcher pushes the new config into the update
	// loop, which hands it to the engine for subsequent turns.
	watcher, err := config.NewWatcher(func(next *config.Config) {
		// A reload rebuilds from file and environment only; flags still win.
		applyCLIOverrides(next, modelOverride)
		p.Send(tui.ConfigReloadedMsg{Config: next})
	})
	if err == nil {
		if err := watcher.Watch(); err == nil {
			defer watcher.Close()
		}
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running parley: %w", err)
	}
	return nil
}

// applyCLIOverrides layers command-line flag values over a loaded config.
// Called at startup and again on every hot reload.
func applyCLIOverrides(cfg *config.Config, modelOverride string) {
	if modelOverride != "" {
		cfg.DefaultModel = modelOverride
	}
}

// openStore builds the message store selected by the config backend.
func openStore(cfg *config.Config) (store.MessageStore, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		dir := cfg.Storage.Dir
		if dir == "" {
			configDir, err := config.ConfigDir()
			if err != nil {
				return nil, err
			}
			dir = configDir
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(filepath.Join(dir, "parley.db"))
	default:
		var fs *store.FileStore
		var err error
		if cfg.Storage.Dir != "" {
			fs, err = store.NewFileStoreWithDir(cfg.Storage.Dir)
		} else {
			fs, err = store.NewFileStore()
		}
		if err != nil {
			return nil, err
		}
		fs.SetMaxConversations(cfg.Storage.MaxConversations)
		return fs, nil
	}
}
